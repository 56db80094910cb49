// Package metrics exposes Parley's Prometheus collectors. A Metrics value
// implements the observer interfaces of the pool, session and registry
// packages so components report without importing Prometheus themselves.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/parley/internal/pool"
)

const namespace = "parley"

// Metrics owns a private registry and every Parley collector.
type Metrics struct {
	reg *prometheus.Registry

	sessions       *prometheus.GaugeVec
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestTime    *prometheus.HistogramVec
	poolInUse      *prometheus.GaugeVec
	poolExhausted  *prometheus.CounterVec
	poolDiscarded  *prometheus.CounterVec
	peers          *prometheus.GaugeVec
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "current",
			Help: "Sessions by state as of the last heartbeat sweep.",
		}, []string{"state"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "opened_total",
			Help: "Client connections accepted.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "closed_total",
			Help: "Sessions closed, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "requests_total",
			Help: "Dispatched client requests by type and outcome.",
		}, []string{"request", "outcome"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Handler latency by request type.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"request"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use",
			Help: "Checked-out handles per endpoint.",
		}, []string{"endpoint"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "exhausted_total",
			Help: "Acquisitions that failed after the wait bound.",
		}, []string{"endpoint"}),
		poolDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "discarded_total",
			Help: "Handles destroyed instead of reused.",
		}, []string{"endpoint"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "peers",
			Help: "Registered endpoints per table.",
		}, []string{"table"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.sessionsOpened, m.sessionsClosed,
		m.requests, m.requestTime,
		m.poolInUse, m.poolExhausted, m.poolDiscarded,
		m.peers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// session.Observer

func (m *Metrics) SessionOpened() { m.sessionsOpened.Inc() }

func (m *Metrics) SessionClosed(reason string) { m.sessionsClosed.WithLabelValues(reason).Inc() }

func (m *Metrics) SweepCompleted(active, pending int) {
	m.sessions.WithLabelValues("active").Set(float64(active))
	m.sessions.WithLabelValues("pending_termination").Set(float64(pending))
}

// ObserveDispatch matches dispatch.Observer.
func (m *Metrics) ObserveDispatch(name string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(name, outcome).Inc()
	if name != "unknown" {
		m.requestTime.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

// pool.Observer

func (m *Metrics) HandleAcquired(ep pool.Endpoint, inUse int) {
	m.poolInUse.WithLabelValues(ep.String()).Set(float64(inUse))
}

func (m *Metrics) HandleReleased(ep pool.Endpoint, inUse int, discarded bool) {
	m.poolInUse.WithLabelValues(ep.String()).Set(float64(inUse))
	if discarded {
		m.poolDiscarded.WithLabelValues(ep.String()).Inc()
	}
}

func (m *Metrics) PoolExhausted(ep pool.Endpoint) {
	m.poolExhausted.WithLabelValues(ep.String()).Inc()
}

// registry.Observer

func (m *Metrics) PeersChanged(table string, n int) {
	m.peers.WithLabelValues(table).Set(float64(n))
}
