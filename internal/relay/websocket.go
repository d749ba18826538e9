package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NodeHeader carries the node id on the websocket handshake.
const NodeHeader = "X-Shop-Node"

const (
	handshakeTimeout = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

type WebSocketConfig struct {
	URL     string
	NodeID  string
	Index   int
	Backoff time.Duration
	Events  Events
	Logger  *slog.Logger
}

// WebSocketCarrier is one session from a node to the relay hub.
type WebSocketCarrier struct {
	cfg WebSocketConfig
	id  string
	log *slog.Logger

	mu  sync.RWMutex
	out outbox
}

var _ Carrier = (*WebSocketCarrier)(nil)

func NewWebSocketCarrier(cfg WebSocketConfig) *WebSocketCarrier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	id := fmt.Sprintf("ws-%d", cfg.Index)
	return &WebSocketCarrier{cfg: cfg, id: id, log: logger.With("carrier", id)}
}

func (c *WebSocketCarrier) ID() string {
	return c.id
}

func (c *WebSocketCarrier) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.out != nil
}

func (c *WebSocketCarrier) Send(_ context.Context, frame []byte) error {
	c.mu.RLock()
	out := c.out
	c.mu.RUnlock()
	if out == nil {
		return ErrNotConnected
	}
	return out.push(frame)
}

func (c *WebSocketCarrier) setOut(out outbox) {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
}

func (c *WebSocketCarrier) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("relay session ended, reconnecting", "url", c.cfg.URL, "backoff", c.cfg.Backoff.String(), "err", err)
		if !sleepCtx(ctx, c.cfg.Backoff) {
			return nil
		}
	}
}

func (c *WebSocketCarrier) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set(NodeHeader, c.cfg.NodeID)

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	out := newOutbox()
	go func() {
		if err := writeLoop(sessCtx, conn, out); err != nil {
			c.log.Debug("relay writer stopped", "err", err)
		}
		cancel()
	}()

	c.setOut(out)
	c.cfg.Events.StateChanged(ctx, c.id, true)
	defer func() {
		c.setOut(nil)
		c.cfg.Events.StateChanged(ctx, c.id, false)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.cfg.Events.Frame(sessCtx, c.id, data)
	}
}

// writeLoop drains out onto conn until ctx ends or a write fails.
func writeLoop(ctx context.Context, conn *websocket.Conn, out outbox) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return nil
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}
