// Package worker runs periodic node jobs such as price decay and the store
// refresh.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Loop calls task.Run every task.Every until ctx is cancelled. A failed run
// is logged and the loop keeps its schedule.
func Loop(ctx context.Context, logger *slog.Logger, task Task) error {
	if task.Every <= 0 {
		return fmt.Errorf("worker %s: interval must be positive, got %s", task.Name, task.Every)
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("task", task.Name)

	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()

	log.Info("worker started", "every", task.Every.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutdown")
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := task.Run(ctx); err != nil {
				log.Error("worker run failed", "err", err)
				continue
			}
			log.Debug("worker run complete", "duration_ms", time.Since(start).Milliseconds())
		}
	}
}

// Decayer is satisfied by the pricing engine.
type Decayer interface {
	Decay(ctx context.Context) int
}

func DecayTask(d Decayer, every time.Duration) Task {
	return Task{
		Name:  "decay",
		Every: every,
		Run: func(ctx context.Context) error {
			d.Decay(ctx)
			return nil
		},
	}
}

// Refresher is satisfied by the pricing engine.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

func RefreshTask(r Refresher, every time.Duration) Task {
	return Task{
		Name:  "refresh",
		Every: every,
		Run: func(ctx context.Context) error {
			_, err := r.Refresh(ctx)
			return err
		},
	}
}
