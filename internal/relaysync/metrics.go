package relaysync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relaysync"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	upserts        *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	staleDrops     *prometheus.CounterVec
	reconnects     prometheus.Counter
	activeBindings prometheus.Gauge
	mutations      *prometheus.CounterVec
	refetches      prometheus.Counter
	fetchLatency   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_merged_total",
			Help:      "Records merged into collections, by kind and source.",
		}, []string{"kind", "source"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_records_total",
			Help:      "Records rejected at the collection boundary.",
		}, []string{"kind"}),
		staleDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_results_dropped_total",
			Help:      "Fetch results and write confirmations discarded for a stale generation or revision.",
		}, []string{"source"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "binding_reconnects_total",
			Help:      "Push subscription reconnect attempts.",
		}),
		activeBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bindings_active",
			Help:      "Event channel bindings currently subscribed.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "window_refetches_total",
			Help:      "Gap-repair refetches of the active window.",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "page_fetch_seconds",
			Help:      "Latency of Store range reads.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.upserts,
			m.malformed,
			m.staleDrops,
			m.reconnects,
			m.activeBindings,
			m.mutations,
			m.refetches,
			m.fetchLatency,
		)
	}
	return m
}

func (m *Metrics) recordMerged(kind Kind, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.upserts.WithLabelValues(string(kind), source).Add(float64(n))
}

func (m *Metrics) recordMalformed(kind Kind) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordStale(source string) {
	if m == nil {
		return
	}
	m.staleDrops.WithLabelValues(source).Inc()
}

func (m *Metrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) bindingActive(delta float64) {
	if m == nil {
		return
	}
	m.activeBindings.Add(delta)
}

func (m *Metrics) recordMutation(kind MutationKind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) recordRefetch() {
	if m == nil {
		return
	}
	m.refetches.Inc()
}

func (m *Metrics) observeFetch(started time.Time) {
	if m == nil {
		return
	}
	m.fetchLatency.Observe(time.Since(started).Seconds())
}
