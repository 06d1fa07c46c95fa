// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics holds all Prometheus metrics for the application.
// All Record/Set methods are no-ops on a nil receiver.
type Metrics struct {
	registry    *prometheus.Registry
	highestSlot atomic.Int64

	// Connection metrics
	ProbeLatency    prometheus.Histogram
	ProbeResults    *prometheus.CounterVec
	Failovers       prometheus.Counter
	EndpointHealthy prometheus.Gauge
	RPCCallLatency  *prometheus.HistogramVec

	// Event subscription metrics
	EventsDelivered   *prometheus.CounterVec
	DuplicatesDropped prometheus.Counter
	Reconnects        *prometheus.CounterVec
	BackfillRuns      *prometheus.CounterVec
	Subscriptions     prometheus.Gauge
	HighestSlotSeen   prometheus.Gauge
	EventsClassified  *prometheus.CounterVec

	// Breaker metrics
	BreakerState   prometheus.Gauge
	BreakerBlocked *prometheus.CounterVec
	BreakerFailure *prometheus.CounterVec
	DailyPnL       prometheus.Gauge

	// Fast-path metrics
	Decisions            *prometheus.CounterVec
	SecurityCheckLatency prometheus.Histogram
	AcceptLatency        prometheus.Histogram
	Submissions          *prometheus.CounterVec
	OpenPositions        prometheus.Gauge
	TxCacheLookups       *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// latencyBuckets are tuned for sub-second trading paths (1ms - 5s).
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_fastpath"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Connection metrics
		ProbeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "probe_latency_seconds",
			Help:      "Health probe latency in seconds",
			Buckets:   latencyBuckets,
		}),
		ProbeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "probes_total",
			Help:      "Total number of health probes by result",
		}, []string{"result"}),
		Failovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "failovers_total",
			Help:      "Total number of completed endpoint failovers",
		}),
		EndpointHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "healthy",
			Help:      "1 when the active endpoint is healthy",
		}),
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   latencyBuckets,
		}, []string{"method"}),

		// Event subscription metrics
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "events_delivered_total",
			Help:      "Total number of events delivered to consumers by source",
		}, []string{"source"}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "duplicates_dropped_total",
			Help:      "Total number of events dropped as already seen",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect cycles by result",
		}, []string{"result"}),
		BackfillRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "backfill_runs_total",
			Help:      "Total number of backfill runs by result",
		}, []string{"result"}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "subscriptions",
			Help:      "Number of live log subscriptions",
		}),
		HighestSlotSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number processed",
		}),
		EventsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "events_classified_total",
			Help:      "Total number of events by classified kind",
		}, []string{"kind"}),

		// Breaker metrics
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		BreakerBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "blocked_total",
			Help:      "Total number of operations blocked by reason",
		}, []string{"reason"}),
		BreakerFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Total number of recorded failures by cause",
		}, []string{"cause"}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "daily_pnl",
			Help:      "Cumulative PnL of the current 24h window",
		}),

		// Fast-path metrics
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "decisions_total",
			Help:      "Total number of fast-path decisions by outcome",
		}, []string{"outcome"}),
		SecurityCheckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "security_check_latency_seconds",
			Help:      "Quick security check latency in seconds",
			Buckets:   latencyBuckets,
		}),
		AcceptLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "accept_latency_seconds",
			Help:      "Time from opportunity to submitted entry in seconds",
			Buckets:   latencyBuckets,
		}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "submissions_total",
			Help:      "Total number of submitted transactions by kind and status",
		}, []string{"kind", "status"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "open_positions",
			Help:      "Number of positions not yet closed",
		}),
		TxCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fastpath",
			Name:      "tx_cache_lookups_total",
			Help:      "Pre-built transaction cache lookups by result",
		}, []string{"result"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordProbe records a health probe outcome.
func (m *Metrics) RecordProbe(latency time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ProbeResults.WithLabelValues("failure").Inc()
		return
	}
	m.ProbeResults.WithLabelValues("success").Inc()
	m.ProbeLatency.Observe(latency.Seconds())
}

// SetHealthy updates the endpoint health gauge.
func (m *Metrics) SetHealthy(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.EndpointHealthy.Set(1)
		return
	}
	m.EndpointHealthy.Set(0)
}

// RecordFailover increments the failover counter.
func (m *Metrics) RecordFailover() {
	if m == nil {
		return
	}
	m.Failovers.Inc()
}

// RecordRPCLatency records RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordEventDelivered counts a delivered event and tracks the highest slot.
func (m *Metrics) RecordEventDelivered(backfilled bool, slot int64) {
	if m == nil {
		return
	}
	source := "live"
	if backfilled {
		source = "backfill"
	}
	m.EventsDelivered.WithLabelValues(source).Inc()
	m.updateHighestSlot(slot)
}

func (m *Metrics) updateHighestSlot(slot int64) {
	for {
		cur := m.highestSlot.Load()
		if slot <= cur {
			return
		}
		if m.highestSlot.CompareAndSwap(cur, slot) {
			m.HighestSlotSeen.Set(float64(slot))
			return
		}
	}
}

// SetHighestSlot raises the processed-slot watermark.
func (m *Metrics) SetHighestSlot(slot int64) {
	if m == nil {
		return
	}
	m.updateHighestSlot(slot)
}

// RecordDuplicate counts a dropped duplicate event.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDropped.Inc()
}

// RecordReconnect counts a reconnect cycle by result.
func (m *Metrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

// RecordBackfill counts a backfill run by result.
func (m *Metrics) RecordBackfill(result string) {
	if m == nil {
		return
	}
	m.BackfillRuns.WithLabelValues(result).Inc()
}

// SetSubscriptions updates the live subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

// RecordClassified counts a classified event.
func (m *Metrics) RecordClassified(kind string) {
	if m == nil {
		return
	}
	m.EventsClassified.WithLabelValues(kind).Inc()
}

// SetBreakerState updates the breaker state gauge.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// RecordBlocked counts an operation blocked by the breaker.
func (m *Metrics) RecordBlocked(reason string) {
	if m == nil {
		return
	}
	m.BreakerBlocked.WithLabelValues(reason).Inc()
}

// RecordBreakerFailure counts a recorded failure by cause.
func (m *Metrics) RecordBreakerFailure(cause string) {
	if m == nil {
		return
	}
	m.BreakerFailure.WithLabelValues(cause).Inc()
}

// SetDailyPnL updates the rolling daily PnL gauge.
func (m *Metrics) SetDailyPnL(pnl float64) {
	if m == nil {
		return
	}
	m.DailyPnL.Set(pnl)
}

// RecordDecision counts a fast-path decision outcome (accepted or a rejection reason).
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

// RecordSecurityCheck records quick security check latency.
func (m *Metrics) RecordSecurityCheck(d time.Duration) {
	if m == nil {
		return
	}
	m.SecurityCheckLatency.Observe(d.Seconds())
}

// RecordAccept records opportunity-to-submission latency.
func (m *Metrics) RecordAccept(d time.Duration) {
	if m == nil {
		return
	}
	m.AcceptLatency.Observe(d.Seconds())
}

// RecordSubmission counts a submitted transaction.
func (m *Metrics) RecordSubmission(kind, status string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(kind, status).Inc()
}

// SetOpenPositions updates the open positions gauge.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// RecordTxCache counts a transaction cache lookup.
func (m *Metrics) RecordTxCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.TxCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.TxCacheLookups.WithLabelValues("miss").Inc()
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(d.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
