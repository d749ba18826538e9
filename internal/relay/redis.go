package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL     string
	Channel string
	Backoff time.Duration
	Events  Events
	Logger  *slog.Logger
}

// RedisCarrier publishes frames on a pub/sub channel every node subscribes
// to. Publishers receive their own frames back; the origin check drops them.
type RedisCarrier struct {
	cfg    RedisConfig
	client *redis.Client
	log    *slog.Logger

	mu  sync.RWMutex
	out outbox
}

var _ Carrier = (*RedisCarrier)(nil)

func NewRedisCarrier(cfg RedisConfig) (*RedisCarrier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &RedisCarrier{
		cfg:    cfg,
		client: redis.NewClient(opts),
		log:    logger.With("carrier", "redis"),
	}, nil
}

func (c *RedisCarrier) ID() string {
	return "redis"
}

func (c *RedisCarrier) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.out != nil
}

func (c *RedisCarrier) Send(_ context.Context, frame []byte) error {
	c.mu.RLock()
	out := c.out
	c.mu.RUnlock()
	if out == nil {
		return ErrNotConnected
	}
	return out.push(frame)
}

func (c *RedisCarrier) setOut(out outbox) {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
}

func (c *RedisCarrier) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("redis subscription ended, reconnecting", "channel", c.cfg.Channel, "backoff", c.cfg.Backoff.String(), "err", err)
		if !sleepCtx(ctx, c.cfg.Backoff) {
			return nil
		}
	}
}

func (c *RedisCarrier) session(ctx context.Context) error {
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err := c.client.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	sub := c.client.Subscribe(ctx, c.cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Channel, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newOutbox()
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.publishLoop(sessCtx, out)
		cancel()
	}()

	c.setOut(out)
	c.cfg.Events.StateChanged(ctx, c.ID(), true)
	defer func() {
		c.setOut(nil)
		c.cfg.Events.StateChanged(ctx, c.ID(), false)
	}()

	msgs := sub.Channel()
	for {
		select {
		case <-sessCtx.Done():
			select {
			case err := <-writeErr:
				return err
			default:
				return sessCtx.Err()
			}
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			c.cfg.Events.Frame(sessCtx, c.ID(), []byte(msg.Payload))
		}
	}
}

func (c *RedisCarrier) publishLoop(ctx context.Context, out outbox) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-out:
			pubCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.client.Publish(pubCtx, c.cfg.Channel, frame).Err()
			cancel()
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
	}
}
