package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Metrics struct {
	// Session counters
	SessionsActive atomic.Int64
	SessionsTotal  atomic.Uint64
	SessionsFailed atomic.Uint64 // Initialization failures

	// Frame intake
	FramesReceived atomic.Uint64
	FramesStale    atomic.Uint64
	FrameErrors    atomic.Uint64 // Undecodable uploads

	// Analysis passes
	PassesRun     atomic.Uint64
	PassesSkipped atomic.Uint64 // Tick fired while a pass was in flight
	PassesFailed  atomic.Uint64
	PassLatencyMs atomic.Uint64 // Latency of the most recent pass

	// Violations
	ViolationsAdmitted   atomic.Uint64
	ViolationsSuppressed atomic.Uint64

	// Sink delivery
	SinkErrors atomic.Uint64

	admittedByKind   *prometheus.CounterVec
	suppressedByKind *prometheus.CounterVec
	passDuration     prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admittedByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_admitted_total",
			Help: "Violations that passed the cooldown gate, by kind",
		}, []string{"kind"}),
		suppressedByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_suppressed_total",
			Help: "Violation candidates rejected by the cooldown gate, by kind",
		}, []string{"kind"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_pass_duration_seconds",
			Help:    "Duration of a frame analysis pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.admittedByKind, m.suppressedByKind, m.passDuration)

	// Sessions
	m.gauge("proctor_sessions_active", "Sessions currently initialized and not terminated",
		func() float64 { return float64(m.SessionsActive.Load()) })
	m.gauge("proctor_sessions_total", "Sessions created",
		func() float64 { return float64(m.SessionsTotal.Load()) })
	m.gauge("proctor_sessions_failed_total", "Sessions that failed to initialize",
		func() float64 { return float64(m.SessionsFailed.Load()) })

	// Frames
	m.gauge("proctor_frames_received_total", "Frames received from clients",
		func() float64 { return float64(m.FramesReceived.Load()) })
	m.gauge("proctor_frames_stale_total", "Ticks skipped because the latest frame was too old",
		func() float64 { return float64(m.FramesStale.Load()) })
	m.gauge("proctor_frame_errors_total", "Frames that could not be decoded",
		func() float64 { return float64(m.FrameErrors.Load()) })

	// Passes
	m.gauge("proctor_passes_total", "Analysis passes run",
		func() float64 { return float64(m.PassesRun.Load()) })
	m.gauge("proctor_passes_skipped_total", "Ticks skipped because a pass was still in flight",
		func() float64 { return float64(m.PassesSkipped.Load()) })
	m.gauge("proctor_passes_failed_total", "Analysis passes aborted by an error",
		func() float64 { return float64(m.PassesFailed.Load()) })
	m.gauge("proctor_pass_latency_ms", "Latency of the most recent pass in milliseconds",
		func() float64 { return float64(m.PassLatencyMs.Load()) })

	// Violations
	m.gauge("proctor_violations_total", "Violations delivered to sinks",
		func() float64 { return float64(m.ViolationsAdmitted.Load()) })
	m.gauge("proctor_sink_errors_total", "Sink delivery failures",
		func() float64 { return float64(m.SinkErrors.Load()) })
}

// ObservePass records one finished analysis pass
func (m *Metrics) ObservePass(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.PassesRun.Add(1)
	if err != nil {
		m.PassesFailed.Add(1)
	}
	m.PassLatencyMs.Store(uint64(duration.Milliseconds()))
	m.passDuration.Observe(duration.Seconds())
}

// PassSkipped records a tick dropped by the in-flight guard
func (m *Metrics) PassSkipped() {
	if m == nil {
		return
	}
	m.PassesSkipped.Add(1)
}

// ViolationAdmitted records a violation that reached the sinks
func (m *Metrics) ViolationAdmitted(kind string) {
	if m == nil {
		return
	}
	m.ViolationsAdmitted.Add(1)
	m.admittedByKind.WithLabelValues(kind).Inc()
}

// ViolationSuppressed records a candidate rejected by the cooldown gate
func (m *Metrics) ViolationSuppressed(kind string) {
	if m == nil {
		return
	}
	m.ViolationsSuppressed.Add(1)
	m.suppressedByKind.WithLabelValues(kind).Inc()
}

// SessionStarted records a session that reached Ready
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Add(1)
	m.SessionsActive.Add(1)
}

// SessionEnded records the teardown of a Ready session
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Add(-1)
}

// SessionFailed records an initialization failure
func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Add(1)
}

// FrameReceived records an accepted frame upload
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Add(1)
}

// FrameStale records a tick that found only an outdated frame
func (m *Metrics) FrameStale() {
	if m == nil {
		return
	}
	m.FramesStale.Add(1)
}

// FrameError records an undecodable frame upload
func (m *Metrics) FrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Add(1)
}

// SinkError records a failed delivery to an external sink
func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Add(1)
}

// Registry exposes the Prometheus registry (used by tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
