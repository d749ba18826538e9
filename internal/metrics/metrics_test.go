package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LedgerOp("DEPOSIT", "ok")
	m.PriceWrite("trade", nil)
	m.DecayPass(3, 0.1)
	m.Sent("PRICE_UPDATE", false)
	m.Received("PRICE_UPDATE", "applied")
	m.Trade("buy", errors.New("boom"))
	m.SetCarriers(2)
	m.SetRelaySessions(2)
}

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.Sent("PRICE_UPDATE", true)
	m.Trade("sell", nil)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`shop_sync_messages_sent_total{delivered="true",kind="PRICE_UPDATE"} 1`,
		`shop_trade_total{outcome="ok",side="sell"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	if err := m.Register(reg); err == nil {
		t.Fatal("second Register should fail with duplicate collectors")
	}
}
