package node

import (
	"context"
	"fmt"
	"log/slog"

	"shopsys/internal/config"
	"shopsys/internal/db"
	"shopsys/internal/store"
	"shopsys/internal/store/pgstore"
	"shopsys/internal/store/sqlstore"
)

// OpenStore connects the configured backend and applies its schema.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = pgstore.New(pool, logger)
	default:
		dialect, ok := sqlstore.DialectFor(cfg.Driver)
		if !ok {
			return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
		}
		handle, err := db.OpenSQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = sqlstore.New(handle, dialect, logger)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}
	return st, nil
}
