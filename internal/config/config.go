package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type NodeConfig struct {
	Node     NodeSection     `yaml:"node"`
	HTTP     HTTPConfig      `yaml:"http"`
	Database DatabaseConfig  `yaml:"database"`
	Pricing  PricingConfig   `yaml:"pricing"`
	Economy  EconomyConfig   `yaml:"economy"`
	Catalog  CatalogConfig   `yaml:"catalog"`
	Relay    RelayConfig     `yaml:"relay"`
	Log      LogConfig       `yaml:"log"`
	Metrics  MetricsSettings `yaml:"metrics"`
}

type NodeSection struct {
	ID string `yaml:"id"`
}

type HTTPConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type PricingConfig struct {
	BuyIncreaseRate  float64       `yaml:"buy_increase_rate"`
	SellDecreaseRate float64       `yaml:"sell_decrease_rate"`
	MaxMultiplier    float64       `yaml:"max_multiplier"`
	MinMultiplier    float64       `yaml:"min_multiplier"`
	DecayRate        float64       `yaml:"decay_rate"`
	DecayInterval    time.Duration `yaml:"decay_interval"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
}

type EconomyConfig struct {
	CurrencySingular string `yaml:"currency_singular"`
	CurrencyPlural   string `yaml:"currency_plural"`
}

type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

type RelayConfig struct {
	// Kind is one of websocket, redis, kafka, none.
	Kind     string        `yaml:"kind"`
	URL      string        `yaml:"url"`
	Sessions int           `yaml:"sessions"`
	Channel  string        `yaml:"channel"`
	Brokers  []string      `yaml:"brokers"`
	Backoff  time.Duration `yaml:"backoff"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsSettings struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

type RelayServerConfig struct {
	Addr       string
	CatalogDir string
	LogLevel   string
}

type CLIConfig struct {
	APIBaseURL string
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg NodeConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadNode reads an optional .env file, the YAML file at path (when non-empty),
// applies env overrides and defaults, then validates.
func LoadNode(path string) (*NodeConfig, error) {
	_ = godotenv.Load()

	cfg := &NodeConfig{}
	if strings.TrimSpace(path) != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *NodeConfig) applyEnv() {
	if addr := strings.TrimSpace(os.Getenv("PORT")); addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
		c.HTTP.Addr = addr
	}
	c.HTTP.Addr = envDefault("SHOP_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.AdminToken = envDefault("SHOP_ADMIN_TOKEN", c.HTTP.AdminToken)
	c.Node.ID = envDefault("SHOP_NODE_ID", c.Node.ID)
	c.Database.Driver = envDefault("SHOP_DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = envDefault("SHOP_DATABASE_URL", envDefault("DATABASE_URL", c.Database.URL))
	c.Relay.Kind = envDefault("SHOP_RELAY_KIND", c.Relay.Kind)
	c.Relay.URL = envDefault("SHOP_RELAY_URL", c.Relay.URL)
	c.Catalog.Dir = envDefault("SHOP_CATALOG_DIR", c.Catalog.Dir)
	c.Log.Level = envDefault("SHOP_LOG_LEVEL", c.Log.Level)
	c.Pricing.DecayInterval = envDurationDefault("SHOP_DECAY_INTERVAL", c.Pricing.DecayInterval)
	c.Pricing.RefreshInterval = envDurationDefault("SHOP_REFRESH_INTERVAL", c.Pricing.RefreshInterval)
	c.Pricing.DecayRate = envFloatDefault("SHOP_DECAY_RATE", c.Pricing.DecayRate)
	c.Metrics.Disabled = envBoolDefault("SHOP_METRICS_DISABLED", c.Metrics.Disabled)
}

func LoadRelayFromEnv() RelayServerConfig {
	_ = godotenv.Load()
	return RelayServerConfig{
		Addr:       envDefault("SHOP_RELAY_ADDR", DefaultRelayAddr),
		CatalogDir: envDefault("SHOP_RELAY_CATALOG_DIR", DefaultCatalogDir),
		LogLevel:   envDefault("SHOP_LOG_LEVEL", DefaultLogLevel),
	}
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("SHOPCTL_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
