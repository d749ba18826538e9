package syncproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopsys/internal/catalog"
	"shopsys/internal/metrics"
	"shopsys/internal/pricing"

	"github.com/shopspring/decimal"
)

// Sender hands a frame to any connected carrier. It reports false when no
// carrier took the frame.
type Sender interface {
	Send(ctx context.Context, frame []byte) bool
}

// Publisher sends this node's frames. It implements pricing.Broadcaster.
type Publisher struct {
	nodeID  string
	sender  Sender
	log     *slog.Logger
	metrics *metrics.Metrics
}

var _ pricing.Broadcaster = (*Publisher)(nil)

func NewPublisher(nodeID string, sender Sender, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nodeID: nodeID, sender: sender, log: logger, metrics: m}
}

func (p *Publisher) NodeID() string {
	return p.nodeID
}

// Send encodes m and offers it to a carrier. Frames that find no carrier are
// dropped, not queued.
func (p *Publisher) Send(ctx context.Context, m Message) bool {
	frame, err := Encode(m)
	if err != nil {
		p.log.Error("encode sync message failed", "kind", m.Kind, "err", err)
		return false
	}
	delivered := p.sender != nil && p.sender.Send(ctx, frame)
	p.metrics.Sent(string(m.Kind), delivered)
	if !delivered {
		p.log.Info("no carrier available, sync message dropped", "kind", m.Kind, "item_id", m.ItemID)
	}
	return delivered
}

func (p *Publisher) Broadcast(ctx context.Context, u pricing.Update) bool {
	return p.Send(ctx, PriceUpdate(u.ItemID, u.Buy, u.Sell, p.nodeID))
}

func (p *Publisher) RequestConfig(ctx context.Context) bool {
	return p.Send(ctx, Message{Kind: KindRequestConfig})
}

func (p *Publisher) RequestGlobalReload(ctx context.Context) bool {
	return p.Send(ctx, Message{Kind: KindRequestGlobalReload})
}

// PriceSetter applies a peer's price without re-announcing it.
type PriceSetter interface {
	SetPrice(ctx context.Context, itemID string, buy, sell decimal.Decimal) (pricing.Quote, error)
}

type HandlerConfig struct {
	NodeID     string
	CatalogDir string
	Prices     PriceSetter
	Publisher  *Publisher
	// Reload rebuilds the catalog and price registry after a config push.
	Reload  func(ctx context.Context) error
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler applies inbound frames to this node.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, log: logger}
}

// HandleFrame decodes and applies one inbound frame.
func (h *Handler) HandleFrame(ctx context.Context, frame []byte) error {
	m, err := Decode(frame)
	if err != nil {
		h.cfg.Metrics.Received("unknown", "malformed")
		h.log.Warn("dropping malformed sync frame", "bytes", len(frame), "err", err)
		return err
	}
	result, err := h.handle(ctx, m)
	h.cfg.Metrics.Received(string(m.Kind), result)
	return err
}

func (h *Handler) handle(ctx context.Context, m Message) (string, error) {
	switch m.Kind {
	case KindPriceUpdate:
		if m.Origin != "" && m.Origin == h.cfg.NodeID {
			return "self", nil
		}
		source := m.Origin
		if source == "" {
			source = "unknown"
		}
		if _, err := h.cfg.Prices.SetPrice(ctx, m.ItemID, m.Buy, m.Sell); err != nil {
			if errors.Is(err, pricing.ErrUnknownItem) {
				h.log.Debug("price update for item not in local catalog", "item_id", m.ItemID, "origin", source)
				return "unknown_item", nil
			}
			return "error", err
		}
		h.log.Info("applied peer price update", "item_id", m.ItemID, "origin", source, "buy", m.Buy.String(), "sell", m.Sell.String())
		return "applied", nil

	case KindSyncRequest:
		h.log.Info("relay requested sync, asking for config")
		if h.cfg.Publisher != nil {
			h.cfg.Publisher.RequestConfig(ctx)
		}
		return "applied", nil

	case KindSendConfig:
		if err := catalog.WriteFiles(h.cfg.CatalogDir, m.Files); err != nil {
			h.log.Error("rejected config push", "files", len(m.Files), "err", err)
			return "rejected", err
		}
		h.log.Info("catalog files updated from relay", "files", len(m.Files))
		if h.cfg.Reload != nil {
			if err := h.cfg.Reload(ctx); err != nil {
				return "error", fmt.Errorf("reload after config push: %w", err)
			}
		}
		return "applied", nil

	default:
		// REQUEST_CONFIG and REQUEST_GLOBAL_RELOAD are addressed to the relay.
		return "ignored", nil
	}
}
