// Package relay moves sync frames between nodes. A node holds a Pool of
// carriers (websocket sessions to the relay hub, or a redis or kafka bus);
// the hub fans frames out to every connected node.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shopsys/internal/metrics"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("carrier not connected")
	ErrQueueFull    = errors.New("carrier send queue full")
)

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

// Carrier is one transport session. Send must not block on the network.
type Carrier interface {
	ID() string
	Connected() bool
	Send(ctx context.Context, frame []byte) error
	// Run keeps the session alive, reconnecting with backoff, until ctx ends.
	Run(ctx context.Context) error
}

// Events receives what carriers observe.
type Events interface {
	Frame(ctx context.Context, carrierID string, frame []byte)
	StateChanged(ctx context.Context, carrierID string, connected bool)
}

type PoolConfig struct {
	// OnFrame handles every inbound frame.
	OnFrame func(ctx context.Context, frame []byte) error
	// OnConnect runs after a carrier connects. first is true when no other
	// carrier was connected at that moment.
	OnConnect func(ctx context.Context, carrierID string, first bool)
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Pool sends through whichever carrier is connected.
type Pool struct {
	cfg PoolConfig
	log *slog.Logger

	mu        sync.RWMutex
	carriers  []Carrier
	connected map[string]bool
}

var _ Events = (*Pool)(nil)

func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, log: logger, connected: make(map[string]bool)}
}

func (p *Pool) Add(c Carrier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.carriers = append(p.carriers, c)
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.carriers)
}

func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connected)
}

// Send offers frame to connected carriers in order and reports whether one
// accepted it. Nothing is queued when none is connected.
func (p *Pool) Send(ctx context.Context, frame []byte) bool {
	p.mu.RLock()
	carriers := append([]Carrier(nil), p.carriers...)
	p.mu.RUnlock()

	for _, c := range carriers {
		if !c.Connected() {
			continue
		}
		if err := c.Send(ctx, frame); err != nil {
			p.log.Warn("carrier send failed", "carrier", c.ID(), "err", err)
			continue
		}
		return true
	}
	return false
}

// Run runs every carrier until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.RLock()
	carriers := append([]Carrier(nil), p.carriers...)
	p.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range carriers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

func (p *Pool) Frame(ctx context.Context, carrierID string, frame []byte) {
	if p.cfg.OnFrame == nil {
		return
	}
	if err := p.cfg.OnFrame(ctx, frame); err != nil {
		p.log.Warn("sync frame not applied", "carrier", carrierID, "err", err)
	}
}

func (p *Pool) StateChanged(ctx context.Context, carrierID string, up bool) {
	p.mu.Lock()
	first := up && len(p.connected) == 0
	if up {
		p.connected[carrierID] = true
	} else {
		delete(p.connected, carrierID)
	}
	n := len(p.connected)
	p.mu.Unlock()

	p.cfg.Metrics.SetCarriers(n)
	p.log.Info("carrier state changed", "carrier", carrierID, "connected", up, "connected_carriers", n)
	if up && p.cfg.OnConnect != nil {
		go p.cfg.OnConnect(ctx, carrierID, first)
	}
}

// outbox is a bounded, non-blocking send queue drained by a carrier writer.
type outbox chan []byte

func newOutbox() outbox {
	return make(outbox, sendQueueSize)
}

func (o outbox) push(frame []byte) error {
	select {
	case o <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// sleepCtx waits d or until ctx ends, reporting false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
