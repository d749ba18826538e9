// Package node assembles one shop node: store, ledger, pricing engine, sync
// carriers, periodic workers and the HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"shopsys/internal/api"
	"shopsys/internal/catalog"
	"shopsys/internal/config"
	"shopsys/internal/ledger"
	"shopsys/internal/metrics"
	"shopsys/internal/pricing"
	"shopsys/internal/relay"
	"shopsys/internal/store"
	"shopsys/internal/syncproto"
	"shopsys/internal/trade"
	"shopsys/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type Node struct {
	cfg *config.NodeConfig
	log *slog.Logger

	store     store.Store
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	ledger    *ledger.Service
	prices    *pricing.Engine
	publisher *syncproto.Publisher
	handler   *syncproto.Handler
	trades    *trade.Service
	pool      *relay.Pool

	reloadMu sync.Mutex

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

// New opens the store, loads the catalog and builds every component. The
// returned node owns the store; call Close when done.
func New(ctx context.Context, cfg *config.NodeConfig, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", cfg.Node.ID)
	n := &Node{cfg: cfg, log: logger, ready: make(chan struct{})}

	if !cfg.Metrics.Disabled {
		n.metrics = metrics.New()
		n.registry = prometheus.NewRegistry()
		if err := n.metrics.Register(n.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	wrote, err := catalog.EnsureDefault(cfg.Catalog.Dir)
	if err != nil {
		return nil, err
	}
	if wrote {
		logger.Info("wrote default catalog", "dir", cfg.Catalog.Dir)
	}
	cat, err := catalog.Load(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	st, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	n.store = st

	n.pool = relay.NewPool(relay.PoolConfig{
		OnFrame:   n.onFrame,
		OnConnect: n.onConnect,
		Logger:    logger,
		Metrics:   n.metrics,
	})
	if err := n.addCarriers(); err != nil {
		st.Close()
		return nil, err
	}

	n.ledger = ledger.NewService(st, ledger.Currency{
		Singular: cfg.Economy.CurrencySingular,
		Plural:   cfg.Economy.CurrencyPlural,
	}, logger, n.metrics)
	n.publisher = syncproto.NewPublisher(cfg.Node.ID, n.pool, logger, n.metrics)
	n.prices = pricing.New(pricing.ConfigFrom(cfg.Pricing), st, n.publisher, logger, n.metrics)
	n.handler = syncproto.NewHandler(syncproto.HandlerConfig{
		NodeID:     cfg.Node.ID,
		CatalogDir: cfg.Catalog.Dir,
		Prices:     n.prices,
		Publisher:  n.publisher,
		Reload:     n.Reload,
		Logger:     logger,
		Metrics:    n.metrics,
	})
	n.trades = trade.NewService(n.ledger, n.prices, st, trade.NoInventory{}, logger, n.metrics)

	n.prices.Reload(ctx, cat.Items)
	logger.Info("catalog loaded", "categories", len(cat.Categories), "items", len(cat.Items))
	return n, nil
}

func (n *Node) addCarriers() error {
	rc := n.cfg.Relay
	switch rc.Kind {
	case "websocket":
		for i := 0; i < rc.Sessions; i++ {
			n.pool.Add(relay.NewWebSocketCarrier(relay.WebSocketConfig{
				URL:     rc.URL,
				NodeID:  n.cfg.Node.ID,
				Index:   i,
				Backoff: rc.Backoff,
				Events:  n.pool,
				Logger:  n.log,
			}))
		}
	case "redis":
		c, err := relay.NewRedisCarrier(relay.RedisConfig{
			URL:     rc.URL,
			Channel: rc.Channel,
			Backoff: rc.Backoff,
			Events:  n.pool,
			Logger:  n.log,
		})
		if err != nil {
			return err
		}
		n.pool.Add(c)
	case "kafka":
		c, err := relay.NewKafkaCarrier(relay.KafkaConfig{
			Brokers: rc.Brokers,
			Channel: rc.Channel,
			NodeID:  n.cfg.Node.ID,
			Backoff: rc.Backoff,
			Events:  n.pool,
			Logger:  n.log,
		})
		if err != nil {
			return err
		}
		n.pool.Add(c)
	case "none":
		n.log.Warn("relay disabled, prices stay local to this node")
	default:
		return fmt.Errorf("unknown relay kind %q", rc.Kind)
	}
	return nil
}

func (n *Node) onFrame(ctx context.Context, frame []byte) error {
	return n.handler.HandleFrame(ctx, frame)
}

// onConnect catches up on prices written while this node was cut off. The
// first carrier up also asks the relay for the current catalog.
func (n *Node) onConnect(ctx context.Context, carrierID string, first bool) {
	changed, err := n.prices.Refresh(ctx)
	if err != nil {
		n.log.Warn("price refresh after connect failed", "carrier", carrierID, "err", err)
	} else if changed > 0 {
		n.log.Info("prices refreshed after connect", "carrier", carrierID, "changed", changed)
	}
	if first {
		n.publisher.RequestConfig(ctx)
	}
}

// Reload re-reads the catalog directory and rebuilds the price registry. A
// catalog that fails to parse leaves the current registry in place.
func (n *Node) Reload(ctx context.Context) error {
	n.reloadMu.Lock()
	defer n.reloadMu.Unlock()

	cat, err := catalog.Load(n.cfg.Catalog.Dir)
	if err != nil {
		n.log.Error("catalog reload failed", "dir", n.cfg.Catalog.Dir, "err", err)
		return fmt.Errorf("load catalog: %w", err)
	}
	n.prices.Reload(ctx, cat.Items)
	n.log.Info("catalog reloaded", "categories", len(cat.Categories), "items", len(cat.Items))
	return nil
}

func (n *Node) RequestSync(ctx context.Context) bool {
	return n.publisher.RequestConfig(ctx)
}

func (n *Node) RequestGlobalReload(ctx context.Context) bool {
	return n.publisher.RequestGlobalReload(ctx)
}

func (n *Node) Prices() *pricing.Engine {
	return n.prices
}

func (n *Node) Ledger() *ledger.Service {
	return n.ledger
}

func (n *Node) Trades() *trade.Service {
	return n.trades
}

// Handler returns the node's HTTP API.
func (n *Node) Handler() http.Handler {
	d := api.Deps{
		Ledger:      n.ledger,
		Prices:      n.prices,
		Trades:      n.trades,
		History:     n.store,
		Admin:       n,
		Health:      n.store.Ping,
		MetricsPath: n.cfg.Metrics.Path,
		Logger:      n.log,
	}
	if n.registry != nil {
		d.Metrics = metrics.Handler(n.registry)
	}
	return api.New(n.cfg.HTTP, d).Handler()
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (n *Node) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-n.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.addrMu.Lock()
	defer n.addrMu.Unlock()
	return n.addr, nil
}

// Run serves HTTP and runs the carriers and periodic workers until ctx is
// cancelled or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.HTTP.Addr, err)
	}
	n.addrMu.Lock()
	n.addr = ln.Addr()
	n.addrMu.Unlock()
	close(n.ready)

	httpServer := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		n.log.Info("shop node listening", "addr", ln.Addr().String(), "relay", n.cfg.Relay.Kind)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return n.pool.Run(ctx) })
	g.Go(func() error { return worker.Loop(ctx, n.log, worker.DecayTask(n.prices, n.cfg.Pricing.DecayInterval)) })
	g.Go(func() error { return worker.Loop(ctx, n.log, worker.RefreshTask(n.prices, n.cfg.Pricing.RefreshInterval)) })
	g.Go(func() error {
		n.watchPrices(ctx)
		return nil
	})
	return g.Wait()
}

// watchPrices logs every price movement the engine reports.
func (n *Node) watchPrices(ctx context.Context) {
	changes := n.prices.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			n.log.Debug("price changed",
				"item_id", c.ItemID,
				"source", c.Source,
				"buy", c.Buy.String(),
				"sell", c.Sell.String(),
				"old_buy", c.OldBuy.String(),
				"old_sell", c.OldSell.String(),
			)
		}
	}
}

func (n *Node) Close() {
	n.store.Close()
}
