// Package metrics exposes the ledger's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/evetabi/yesno/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. All of them are registered on one registry
// so tests can build an isolated set.
type Metrics struct {
	reg *prometheus.Registry

	// --- Ledger ---
	LedgerOps      *prometheus.CounterVec
	LedgerSequence prometheus.Gauge
	MarketPool     *prometheus.GaugeVec
	Settlements    *prometheus.CounterVec

	// --- Sinks ---
	SinkDelivered *prometheus.CounterVec
	SinkAttempts  *prometheus.HistogramVec
	SinkFailed    *prometheus.CounterVec
	SinkDropped   *prometheus.CounterVec

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_ledger_ops_total",
			Help: "Committed ledger operations",
		}, []string{"op"}),

		LedgerSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "yesno_ledger_sequence",
			Help: "Highest committed ledger sequence number",
		}),

		MarketPool: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yesno_market_pool",
			Help: "Pool size per market and side",
		}, []string{"market", "side"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_settlements_total",
			Help: "Settlement attempts by result",
		}, []string{"result"}),

		SinkDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_sink_delivered_total",
			Help: "Deltas delivered per sink",
		}, []string{"sink", "op"}),

		SinkAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yesno_sink_delivery_attempts",
			Help:    "Attempts needed to deliver a delta",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}, []string{"sink"}),

		SinkFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_sink_failed_total",
			Help: "Deltas abandoned after retries",
		}, []string{"sink", "op"}),

		SinkDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_sink_dropped_total",
			Help: "Deltas dropped on a full sink queue",
		}, []string{"sink"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "yesno_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"server", "method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yesno_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "route"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ── sink.Observer ────────────────────────────────────────────────────────────

// Delivered records a successful delivery.
func (m *Metrics) Delivered(sink string, op ledger.Op, attempts int) {
	m.SinkDelivered.WithLabelValues(sink, string(op)).Inc()
	m.SinkAttempts.WithLabelValues(sink).Observe(float64(attempts))
}

// Failed records an abandoned delta.
func (m *Metrics) Failed(sink string, op ledger.Op) {
	m.SinkFailed.WithLabelValues(sink, string(op)).Inc()
}

// Dropped records a delta turned away by a full queue.
func (m *Metrics) Dropped(sink string) {
	m.SinkDropped.WithLabelValues(sink).Inc()
}

// QueueDepth exports the length reported by pending as a gauge for sink.
func (m *Metrics) QueueDepth(sink string, pending func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "yesno_sink_queue_depth",
		Help:        "Deltas waiting in a sink queue",
		ConstLabels: prometheus.Labels{"sink": sink},
	}, func() float64 { return float64(pending()) }))
}

// ── ledger.Sink ──────────────────────────────────────────────────────────────

// Commit implements ledger.Sink. It never fails.
func (m *Metrics) Commit(_ context.Context, d *ledger.Delta) error {
	m.LedgerOps.WithLabelValues(string(d.Op)).Inc()
	m.LedgerSequence.Set(float64(d.Seq))
	if mk := d.Market; mk != nil {
		m.MarketPool.WithLabelValues(mk.Slug, "YES").Set(mk.YesPool.InexactFloat64())
		m.MarketPool.WithLabelValues(mk.Slug, "NO").Set(mk.NoPool.InexactFloat64())
	}
	return nil
}

// ── HTTP ─────────────────────────────────────────────────────────────────────

// Gin returns middleware counting requests for server by matched route.
func (m *Metrics) Gin(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(server, c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(server, route).Observe(time.Since(start).Seconds())
	}
}
