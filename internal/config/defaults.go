package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHTTPAddr         = ":8080"
	DefaultDatabaseDriver   = "sqlite"
	DefaultSQLitePath       = "shop.db"
	DefaultPostgresPort     = 5432
	DefaultMySQLPort        = 3306
	DefaultMaxConns         = 20
	DefaultMinConns         = 2
	DefaultConnMaxLifetime  = 30 * time.Minute
	DefaultBuyIncreaseRate  = 0.05
	DefaultSellDecreaseRate = 0.03
	DefaultMaxMultiplier    = 5.0
	DefaultMinMultiplier    = 0.2
	DefaultDecayRate        = 0.01
	DefaultDecayInterval    = time.Hour
	DefaultRefreshInterval  = 10 * time.Second
	DefaultCurrencySingular = "coin"
	DefaultCurrencyPlural   = "coins"
	DefaultCatalogDir       = "shops"
	DefaultRelayKind        = "websocket"
	DefaultRelayURL         = "ws://127.0.0.1:8090/ws"
	DefaultRelayAddr        = ":8090"
	DefaultRelaySessions    = 1
	DefaultRelayChannel     = "shopsystem:sync"
	DefaultRelayBackoff     = 2 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogMaxSizeMB     = 100
	DefaultLogMaxBackups    = 5
	DefaultLogMaxAgeDays    = 30
	DefaultMetricsPath      = "/metrics"
)

func (c *NodeConfig) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = DefaultPostgresPort
		case "mysql":
			c.Database.Port = DefaultMySQLPort
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.URL == "" {
		c.Database.URL = DefaultSQLitePath
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = DefaultConnMaxLifetime
	}

	// Pricing defaults
	if c.Pricing.BuyIncreaseRate == 0 {
		c.Pricing.BuyIncreaseRate = DefaultBuyIncreaseRate
	}
	if c.Pricing.SellDecreaseRate == 0 {
		c.Pricing.SellDecreaseRate = DefaultSellDecreaseRate
	}
	if c.Pricing.MaxMultiplier == 0 {
		c.Pricing.MaxMultiplier = DefaultMaxMultiplier
	}
	if c.Pricing.MinMultiplier == 0 {
		c.Pricing.MinMultiplier = DefaultMinMultiplier
	}
	if c.Pricing.DecayRate == 0 {
		c.Pricing.DecayRate = DefaultDecayRate
	}
	if c.Pricing.DecayInterval == 0 {
		c.Pricing.DecayInterval = DefaultDecayInterval
	}
	if c.Pricing.RefreshInterval == 0 {
		c.Pricing.RefreshInterval = DefaultRefreshInterval
	}

	if c.Economy.CurrencySingular == "" {
		c.Economy.CurrencySingular = DefaultCurrencySingular
	}
	if c.Economy.CurrencyPlural == "" {
		c.Economy.CurrencyPlural = DefaultCurrencyPlural
	}
	if c.Catalog.Dir == "" {
		c.Catalog.Dir = DefaultCatalogDir
	}

	// Relay defaults
	if c.Relay.Kind == "" {
		c.Relay.Kind = DefaultRelayKind
	}
	if c.Relay.Kind == "websocket" && c.Relay.URL == "" {
		c.Relay.URL = DefaultRelayURL
	}
	if c.Relay.Sessions == 0 {
		c.Relay.Sessions = DefaultRelaySessions
	}
	if c.Relay.Channel == "" {
		c.Relay.Channel = DefaultRelayChannel
	}
	if c.Relay.Backoff == 0 {
		c.Relay.Backoff = DefaultRelayBackoff
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
