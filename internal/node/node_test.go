package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shopsys/internal/catalog"
	"shopsys/internal/config"
	"shopsys/internal/relay"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
)

func testConfig(t *testing.T, id, relayKind, relayURL string) *config.NodeConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.NodeConfig{
		Node: config.NodeSection{ID: id},
		HTTP: config.HTTPConfig{Addr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			URL:    filepath.Join(dir, "shop.db"),
		},
		Pricing: config.PricingConfig{
			BuyIncreaseRate:  0.05,
			SellDecreaseRate: 0.03,
			MaxMultiplier:    5,
			MinMultiplier:    0.2,
			DecayRate:        0.01,
			DecayInterval:    time.Hour,
			RefreshInterval:  time.Hour,
		},
		Economy: config.EconomyConfig{CurrencySingular: "coin", CurrencyPlural: "coins"},
		Catalog: config.CatalogConfig{Dir: filepath.Join(dir, "shops")},
		Relay: config.RelayConfig{
			Kind:     relayKind,
			URL:      relayURL,
			Sessions: 1,
			Channel:  config.DefaultRelayChannel,
			Backoff:  50 * time.Millisecond,
		},
		Metrics: config.MetricsSettings{Path: config.DefaultMetricsPath},
	}
}

func newNode(t *testing.T, cfg *config.NodeConfig) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

func TestNewWritesDefaultCatalog(t *testing.T) {
	cfg := testConfig(t, "node-a", "none", "")
	n := newNode(t, cfg)

	q, ok := n.Prices().Quote("MENDING")
	if !ok {
		t.Fatal("default item not loaded")
	}
	if !q.Buy.Equal(decimal.NewFromInt(5000)) || !q.Sell.Equal(decimal.NewFromInt(1250)) {
		t.Fatalf("quote = %s/%s, want 5000/1250", q.Buy, q.Sell)
	}
	if n.RequestSync(context.Background()) {
		t.Fatal("RequestSync delivered without a carrier")
	}
}

func TestReloadPicksUpNewFiles(t *testing.T) {
	cfg := testConfig(t, "node-a", "none", "")
	n := newNode(t, cfg)
	ctx := context.Background()

	ores := "category:\n  name: Ores\nitems:\n  diamond:\n    buy: 100\n    sell: 25\n    dynamic: true\n"
	if err := os.WriteFile(filepath.Join(cfg.Catalog.Dir, "ores.yml"), []byte(ores), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := n.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := n.Prices().Quote("diamond"); !ok {
		t.Fatal("diamond missing after reload")
	}

	if err := os.WriteFile(filepath.Join(cfg.Catalog.Dir, "broken.yml"), []byte("items: [oops"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := n.Reload(ctx); err == nil {
		t.Fatal("Reload accepted a malformed file")
	}
	if _, ok := n.Prices().Quote("diamond"); !ok {
		t.Fatal("failed reload dropped the registry")
	}
}

func TestRunServesHTTP(t *testing.T) {
	n := newNode(t, testConfig(t, "node-a", "none", ""))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	addr, err := n.Addr(waitCtx)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	for _, path := range []string{"/healthz", "/v1/items", "/metrics"} {
		resp, err := http.Get("http://" + addr.String() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPriceOverrideReachesPeer(t *testing.T) {
	hubDir := t.TempDir()
	if _, err := catalog.EnsureDefault(hubDir); err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	hub := relay.NewHub(relay.HubConfig{CatalogDir: hubDir})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := newNode(t, testConfig(t, "node-a", "websocket", wsURL))
	b := newNode(t, testConfig(t, "node-b", "websocket", wsURL))
	overrideReachesPeer(t, a, b)
}

func TestPriceOverrideReachesPeerOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	a := newNode(t, testConfig(t, "node-a", "redis", url))
	b := newNode(t, testConfig(t, "node-b", "redis", url))
	overrideReachesPeer(t, a, b)
}

func overrideReachesPeer(t *testing.T, a, b *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range []*Node{a, b} {
		n := n
		go func() { _ = n.Run(ctx) }()
	}

	want := decimal.NewFromInt(6000)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := a.Prices().Override(ctx, "MENDING", want, decimal.NewFromInt(1500)); err != nil {
			t.Fatalf("Override: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if q, _ := b.Prices().Quote("MENDING"); q.Buy.Equal(want) {
			return
		}
	}
	q, _ := b.Prices().Quote("MENDING")
	t.Fatalf("peer price = %s, want %s", q.Buy, want)
}
