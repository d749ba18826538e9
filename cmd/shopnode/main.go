package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shopsys/internal/config"
	"shopsys/internal/logging"
	"shopsys/internal/node"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Getenv("SHOP_CONFIG"))
	stop()
	os.Exit(code)
}

// run returns the process exit code so deferred cleanup, including closing
// the log file, happens before exit.
func run(ctx context.Context, configPath string) int {
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		return 1
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		slog.Error("init logging", "err", err)
		return 1
	}
	defer closer.Close()

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("node init failed", "err", err)
		return 1
	}
	defer n.Close()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				_ = n.Reload(ctx)
			}
		}
	}()

	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped", "err", err)
		return 1
	}
	logger.Info("node shutdown")
	return 0
}
