package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingDecayer struct {
	calls atomic.Int32
}

func (d *countingDecayer) Decay(context.Context) int {
	d.calls.Add(1)
	return 0
}

func TestLoopKeepsScheduleAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	task := Task{
		Name:  "flaky",
		Every: 5 * time.Millisecond,
		Run: func(context.Context) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("store down")
		},
	}

	done := make(chan error, 1)
	go func() { done <- Loop(ctx, nil, task) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Loop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if n := calls.Load(); n < 3 {
		t.Fatalf("calls = %d, want at least 3", n)
	}
}

func TestLoopRejectsNonPositiveInterval(t *testing.T) {
	if err := Loop(context.Background(), nil, Task{Name: "bad"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecayTask(t *testing.T) {
	d := &countingDecayer{}
	task := DecayTask(d, time.Hour)
	if task.Name != "decay" || task.Every != time.Hour {
		t.Fatalf("task = %+v", task)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("decay calls = %d", d.calls.Load())
	}
}
