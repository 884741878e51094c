package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the process-wide Prometheus registry for the orchestrator.
// Constructed once at startup and threaded explicitly into every
// component that has something to record, mirroring the rest of the
// ambient stack's "no implicit globals" rule.
type Metrics struct {
	registry *prometheus.Registry

	TickLatency       prometheus.Histogram
	SignalsProposed   prometheus.Counter
	SignalsFiltered   prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	SignalsSubmitted  prometheus.Counter
	RateLimiterTokens prometheus.Gauge
	RateLimiterWaits  prometheus.Counter
	OpenPositions     prometheus.Gauge
	UnprotectedAge    prometheus.Gauge
	FeedConnected     prometheus.Gauge
	BrokerCallLatency *prometheus.HistogramVec
	DedupStoreDegraded prometheus.Gauge
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	ns := "orchestrator"

	m := &Metrics{
		registry: reg,
		TickLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one orchestrator tick.",
			Buckets: prometheus.DefBuckets,
		}),
		SignalsProposed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "signals_proposed_total", Help: "Signals emitted by strategies.",
		}),
		SignalsFiltered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "signals_filtered_total", Help: "Signals dropped by the deduplicator.",
		}),
		SignalsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "signals_rejected_total", Help: "Signals rejected by the portfolio gate, by reason tag.",
		}, []string{"reason"}),
		SignalsSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "signals_submitted_total", Help: "Signals that reached the trade engine.",
		}),
		RateLimiterTokens: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "rate_limiter_tokens_available", Help: "Tokens currently available in the broker rate limiter.",
		}),
		RateLimiterWaits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "rate_limiter_waits_total", Help: "Calls that had to wait for a token.",
		}),
		OpenPositions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "open_positions", Help: "Currently open positions in PositionTracker.",
		}),
		UnprotectedAge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "unprotected_position_age_seconds", Help: "Age of the oldest unprotected position.",
		}),
		FeedConnected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "feed_connected", Help: "1 if FeedIngestor is CONNECTED, else 0.",
		}),
		BrokerCallLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "broker_call_duration_seconds", Help: "BrokerClient call latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		DedupStoreDegraded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "dedup_store_degraded", Help: "1 if the idempotency store has fallen back to local memory.",
		}),
	}
	return m
}

// Handler returns the HTTP handler serving these metrics in Prometheus
// exposition format (the caller wires it under whatever mux it already
// runs; this package never starts its own listener).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeBackground starts a dedicated metrics listener if addr is non-empty.
// Errors are logged, not fatal: metrics are observability, never load-bearing.
func (m *Metrics) ServeBackground(addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
}
