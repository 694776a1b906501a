// Package metrics exposes Prometheus collectors for calls, timeouts, pools and caches.
//
// Every component takes an optional *Metrics; all methods are nil-safe so a component
// built without metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iocrpc"

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics groups the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	timeouts     *prometheus.CounterVec
	poolSize     *prometheus.GaugeVec
	poolIdle     *prometheus.GaugeVec
	pending      *prometheus.GaugeVec
	poolRejected *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	rateWarnings *prometheus.CounterVec
	connections  prometheus.Gauge
}

// New creates the collectors and registers them on a private registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Service calls by side, service, method and outcome.",
		}, []string{"side", "service", "method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Service call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"side", "service", "method"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Calls that gave up waiting, by kind (remote or dispatch).",
		}, []string{"kind", "service"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Service requests created for a node.",
		}, []string{"node"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle",
			Help:      "Service requests currently available in the pool.",
		}, []string{"node"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls waiting for a response.",
		}, []string{"node"}),
		poolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejected_total",
			Help:      "Calls rejected because the pool reached its limit.",
		}, []string{"node"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by strategy and result.",
		}, []string{"strategy", "result"}),
		rateWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_warnings_total",
			Help:      "Windows in which a method exceeded its call limit.",
		}, []string{"service", "method"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connections",
			Help:      "Open server side channels.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls, m.callDuration, m.timeouts,
		m.poolSize, m.poolIdle, m.pending, m.poolRejected,
		m.cacheLookups, m.rateWarnings, m.connections,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one finished call. side is "client" or "server".
func (m *Metrics) ObserveCall(side, service, method string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.calls.WithLabelValues(side, service, method, outcome).Inc()
	m.callDuration.WithLabelValues(side, service, method).Observe(elapsed.Seconds())
}

// Timeout records a call that gave up waiting.
func (m *Metrics) Timeout(kind, service string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(kind, service).Inc()
}

// Pool mirrors the pool state of a node.
func (m *Metrics) Pool(node string, size, idle, pending int) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(node).Set(float64(size))
	m.poolIdle.WithLabelValues(node).Set(float64(idle))
	m.pending.WithLabelValues(node).Set(float64(pending))
}

// PoolRejected records a call refused at the pool limit.
func (m *Metrics) PoolRejected(node string) {
	if m == nil {
		return
	}
	m.poolRejected.WithLabelValues(node).Inc()
}

// CacheLookup records a response cache lookup.
func (m *Metrics) CacheLookup(strategy, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(strategy, result).Inc()
}

// RateWarning records a call-rate warning.
func (m *Metrics) RateWarning(service, method string) {
	if m == nil {
		return
	}
	m.rateWarnings.WithLabelValues(service, method).Inc()
}

// ConnectionOpened and ConnectionClosed track open server channels.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
