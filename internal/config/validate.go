package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *NodeConfig) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if err := c.Database.validate("database"); err != nil {
		return err
	}
	if err := c.Pricing.validate("pricing"); err != nil {
		return err
	}

	switch c.Relay.Kind {
	case "websocket":
		if c.Relay.URL == "" {
			return errors.New("relay.url is required for websocket relay")
		}
		if c.Relay.Sessions < 1 {
			return errors.New("relay.sessions must be >= 1")
		}
	case "redis":
		if c.Relay.URL == "" {
			return errors.New("relay.url is required for redis relay")
		}
	case "kafka":
		if len(c.Relay.Brokers) == 0 {
			return errors.New("relay.brokers is required for kafka relay")
		}
	case "none":
	default:
		return fmt.Errorf("relay.kind %q is not one of websocket, redis, kafka, none", c.Relay.Kind)
	}

	if c.Catalog.Dir == "" {
		return errors.New("catalog.dir is required")
	}
	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	switch db.Driver {
	case "sqlite":
		if db.URL == "" {
			return fmt.Errorf("%s.url is required for sqlite", prefix)
		}
		return nil
	case "postgres", "mysql":
	default:
		return fmt.Errorf("%s.driver %q is not one of postgres, mysql, sqlite", prefix, db.Driver)
	}
	if db.URL == "" {
		if db.Host == "" {
			return fmt.Errorf("%s.host is required", prefix)
		}
		if db.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if db.User == "" {
			return fmt.Errorf("%s.user is required", prefix)
		}
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func (p *PricingConfig) validate(prefix string) error {
	if p.MinMultiplier <= 0 {
		return fmt.Errorf("%s.min_multiplier must be > 0", prefix)
	}
	if p.MaxMultiplier <= p.MinMultiplier {
		return fmt.Errorf("%s.max_multiplier (%g) must be greater than min_multiplier (%g)", prefix, p.MaxMultiplier, p.MinMultiplier)
	}
	if p.BuyIncreaseRate < 0 {
		return fmt.Errorf("%s.buy_increase_rate must be >= 0", prefix)
	}
	if p.SellDecreaseRate < 0 || p.SellDecreaseRate >= 1 {
		return fmt.Errorf("%s.sell_decrease_rate must be in [0, 1)", prefix)
	}
	if p.DecayRate < 0 || p.DecayRate >= 1 {
		return fmt.Errorf("%s.decay_rate must be in [0, 1)", prefix)
	}
	if p.DecayInterval <= 0 {
		return fmt.Errorf("%s.decay_interval must be > 0", prefix)
	}
	if p.RefreshInterval < 0 {
		return fmt.Errorf("%s.refresh_interval must be >= 0", prefix)
	}
	return nil
}
