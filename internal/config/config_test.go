package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
node:
  id: lobby-1
database:
  driver: postgres
  host: localhost
  name: shop
  user: shop
pricing:
  buy_increase_rate: 0.1
  decay_interval: 30m
relay:
  kind: redis
  url: redis://localhost:6379/0
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != "lobby-1" {
		t.Errorf("Node.ID = %q, want %q", cfg.Node.ID, "lobby-1")
	}
	if cfg.Pricing.BuyIncreaseRate != 0.1 {
		t.Errorf("BuyIncreaseRate = %v, want 0.1", cfg.Pricing.BuyIncreaseRate)
	}
	if cfg.Pricing.DecayInterval != 30*time.Minute {
		t.Errorf("DecayInterval = %v, want 30m", cfg.Pricing.DecayInterval)
	}
	if cfg.Relay.Kind != "redis" {
		t.Errorf("Relay.Kind = %q, want redis", cfg.Relay.Kind)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_SHOP_DB_PASSWORD", "secret123")

	yaml := `
node:
  id: lobby-1
database:
  driver: mysql
  host: localhost
  name: shop
  user: shop
  password: ${TEST_SHOP_DB_PASSWORD}
`
	cfg, err := Load(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
}

func TestLoadNodeDefaults(t *testing.T) {
	yaml := `
node:
  id: survival
`
	cfg, err := LoadNode(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}

	if cfg.Database.Driver != DefaultDatabaseDriver {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DefaultDatabaseDriver)
	}
	if cfg.Database.URL != DefaultSQLitePath {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, DefaultSQLitePath)
	}
	if cfg.Pricing.BuyIncreaseRate != DefaultBuyIncreaseRate {
		t.Errorf("BuyIncreaseRate = %v, want %v", cfg.Pricing.BuyIncreaseRate, DefaultBuyIncreaseRate)
	}
	if cfg.Pricing.SellDecreaseRate != DefaultSellDecreaseRate {
		t.Errorf("SellDecreaseRate = %v, want %v", cfg.Pricing.SellDecreaseRate, DefaultSellDecreaseRate)
	}
	if cfg.Pricing.DecayInterval != DefaultDecayInterval {
		t.Errorf("DecayInterval = %v, want %v", cfg.Pricing.DecayInterval, DefaultDecayInterval)
	}
	if cfg.Pricing.RefreshInterval != DefaultRefreshInterval {
		t.Errorf("RefreshInterval = %v, want %v", cfg.Pricing.RefreshInterval, DefaultRefreshInterval)
	}
	if cfg.Relay.URL != DefaultRelayURL {
		t.Errorf("Relay.URL = %q, want %q", cfg.Relay.URL, DefaultRelayURL)
	}
	if cfg.Relay.Channel != DefaultRelayChannel {
		t.Errorf("Relay.Channel = %q, want %q", cfg.Relay.Channel, DefaultRelayChannel)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, DefaultHTTPAddr)
	}
}

func TestLoadNodeEnvOverrides(t *testing.T) {
	t.Setenv("SHOP_NODE_ID", "from-env")
	t.Setenv("SHOP_DECAY_INTERVAL", "5m")
	t.Setenv("PORT", "9000")

	cfg, err := LoadNode("")
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if cfg.Node.ID != "from-env" {
		t.Errorf("Node.ID = %q, want from-env", cfg.Node.ID)
	}
	if cfg.Pricing.DecayInterval != 5*time.Minute {
		t.Errorf("DecayInterval = %v, want 5m", cfg.Pricing.DecayInterval)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("HTTP.Addr = %q, want :9000", cfg.HTTP.Addr)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *NodeConfig {
		cfg := &NodeConfig{Node: NodeSection{ID: "lobby"}}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*NodeConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*NodeConfig) {}},
		{name: "missing node id", mutate: func(c *NodeConfig) { c.Node.ID = "" }, wantErr: "node.id is required"},
		{
			name:    "multiplier order",
			mutate:  func(c *NodeConfig) { c.Pricing.MaxMultiplier = 0.1 },
			wantErr: "max_multiplier",
		},
		{
			name:    "equal multipliers",
			mutate:  func(c *NodeConfig) { c.Pricing.MaxMultiplier = c.Pricing.MinMultiplier },
			wantErr: "max_multiplier",
		},
		{
			name:    "decay rate out of range",
			mutate:  func(c *NodeConfig) { c.Pricing.DecayRate = 1.5 },
			wantErr: "decay_rate",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *NodeConfig) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name: "postgres without host",
			mutate: func(c *NodeConfig) {
				c.Database.Driver = "postgres"
				c.Database.URL = ""
			},
			wantErr: "database.host is required",
		},
		{
			name: "postgres with url",
			mutate: func(c *NodeConfig) {
				c.Database.Driver = "postgres"
				c.Database.URL = "postgres://shop@localhost/shop"
			},
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *NodeConfig) { c.Relay.Kind = "kafka" },
			wantErr: "relay.brokers",
		},
		{
			name:    "unknown relay",
			mutate:  func(c *NodeConfig) { c.Relay.Kind = "carrier-pigeon" },
			wantErr: "relay.kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
