package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	// Channel is mapped to a topic name; ':' is not legal in topics.
	Channel string
	NodeID  string
	Backoff time.Duration
	Events  Events
	Logger  *slog.Logger
}

// KafkaCarrier shares frames through one topic. Each node reads with its own
// consumer group so every node sees every frame.
type KafkaCarrier struct {
	cfg    KafkaConfig
	topic  string
	writer *kafka.Writer
	log    *slog.Logger

	mu  sync.RWMutex
	out outbox
}

var _ Carrier = (*KafkaCarrier)(nil)

func TopicFor(channel string) string {
	return strings.NewReplacer(":", ".", "/", ".").Replace(channel)
}

func NewKafkaCarrier(cfg KafkaConfig) (*KafkaCarrier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka carrier needs at least one broker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	topic := TopicFor(cfg.Channel)
	return &KafkaCarrier{
		cfg:   cfg,
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           writeTimeout,
		},
		log: logger.With("carrier", "kafka"),
	}, nil
}

func (c *KafkaCarrier) ID() string {
	return "kafka"
}

func (c *KafkaCarrier) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.out != nil
}

func (c *KafkaCarrier) Send(_ context.Context, frame []byte) error {
	c.mu.RLock()
	out := c.out
	c.mu.RUnlock()
	if out == nil {
		return ErrNotConnected
	}
	return out.push(frame)
}

func (c *KafkaCarrier) setOut(out outbox) {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
}

func (c *KafkaCarrier) Run(ctx context.Context) error {
	defer c.writer.Close()
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("kafka session ended, reconnecting", "topic", c.topic, "backoff", c.cfg.Backoff.String(), "err", err)
		if !sleepCtx(ctx, c.cfg.Backoff) {
			return nil
		}
	}
}

func (c *KafkaCarrier) session(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		Topic:          c.topic,
		GroupID:        "shopsys-" + c.cfg.NodeID,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		MaxBytes:       10e6,
	})
	defer reader.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newOutbox()
	go func() {
		if err := c.produceLoop(sessCtx, out); err != nil {
			c.log.Debug("kafka producer stopped", "err", err)
		}
		cancel()
	}()

	c.setOut(out)
	c.cfg.Events.StateChanged(ctx, c.ID(), true)
	defer func() {
		c.setOut(nil)
		c.cfg.Events.StateChanged(ctx, c.ID(), false)
	}()

	for {
		msg, err := reader.ReadMessage(sessCtx)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.topic, err)
		}
		c.cfg.Events.Frame(sessCtx, c.ID(), msg.Value)
	}
}

func (c *KafkaCarrier) produceLoop(ctx context.Context, out outbox) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-out:
			if err := c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.cfg.NodeID), Value: frame}); err != nil {
				return err
			}
		}
	}
}
