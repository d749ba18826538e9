// Package metrics holds the prometheus collectors of a node and of the relay.
// Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shop"

type Metrics struct {
	LedgerOps     *prometheus.CounterVec
	PriceWrites   *prometheus.CounterVec
	DecayChanged  prometheus.Counter
	DecayDuration prometheus.Histogram
	SyncSent      *prometheus.CounterVec
	SyncReceived  *prometheus.CounterVec
	Trades        *prometheus.CounterVec
	Carriers      prometheus.Gauge
	RelaySessions prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		LedgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PriceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "writes_total",
			Help:      "Price record writes by source and outcome.",
		}, []string{"source", "outcome"}),
		DecayChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "decay_changed_items_total",
			Help:      "Items moved toward base price by decay ticks.",
		}),
		DecayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "decay_duration_seconds",
			Help:      "Duration of one decay pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		SyncSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_sent_total",
			Help:      "Outbound sync messages by kind and whether a carrier took them.",
		}, []string{"kind", "delivered"}),
		SyncReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_received_total",
			Help:      "Inbound sync messages by kind and result.",
		}, []string{"kind", "result"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "total",
			Help:      "Trades by side and outcome.",
		}, []string{"side", "outcome"}),
		Carriers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "connected_carriers",
			Help:      "Carrier sessions currently connected to the relay.",
		}),
		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Sessions connected to the relay hub.",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.LedgerOps,
		m.PriceWrites,
		m.DecayChanged,
		m.DecayDuration,
		m.SyncSent,
		m.SyncReceived,
		m.Trades,
		m.Carriers,
		m.RelaySessions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerOp(kind, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) PriceWrite(source string, err error) {
	if m == nil {
		return
	}
	m.PriceWrites.WithLabelValues(source, outcome(err)).Inc()
}

func (m *Metrics) DecayPass(changed int, seconds float64) {
	if m == nil {
		return
	}
	m.DecayChanged.Add(float64(changed))
	m.DecayDuration.Observe(seconds)
}

func (m *Metrics) Sent(kind string, delivered bool) {
	if m == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.SyncSent.WithLabelValues(kind, label).Inc()
}

func (m *Metrics) Received(kind, result string) {
	if m == nil {
		return
	}
	m.SyncReceived.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Trade(side string, err error) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(side, outcome(err)).Inc()
}

func (m *Metrics) SetCarriers(n int) {
	if m == nil {
		return
	}
	m.Carriers.Set(float64(n))
}

func (m *Metrics) SetRelaySessions(n int) {
	if m == nil {
		return
	}
	m.RelaySessions.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
