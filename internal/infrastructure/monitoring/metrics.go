package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// several servers (or tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsStarted   *prometheus.CounterVec
	SessionsExited    *prometheus.CounterVec
	SpawnFailures     prometheus.Counter
	SandboxViolations prometheus.Counter
	SpawnDuration     prometheus.Histogram
	OutputBytes       *prometheus.CounterVec
	InputBytes        prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates a metrics collector with its own registry, including
// the standard Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_sessions_active",
				Help: "Number of registered sessions",
			},
		),
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_sessions_started_total",
				Help: "Total number of sessions started",
			},
			[]string{"kind"},
		),
		SessionsExited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_sessions_exited_total",
				Help: "Total number of sessions that terminated",
			},
			[]string{"reason"},
		),
		SpawnFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_spawn_failures_total",
				Help: "Total number of failed process spawns",
			},
		),
		SandboxViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_sandbox_violations_total",
				Help: "Total number of rejected working directories",
			},
		),
		SpawnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "terminal_spawn_duration_seconds",
				Help:    "Time to create a process, including superseding a previous one",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		OutputBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_output_bytes_total",
				Help: "Bytes read from session processes",
			},
			[]string{"stream"},
		),
		InputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "terminal_input_bytes_total",
				Help: "Bytes written to session processes",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "terminal_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSessionStart records a successful spawn of the given kind.
func (m *Metrics) RecordSessionStart(kind string, duration time.Duration) {
	m.SessionsStarted.WithLabelValues(kind).Inc()
	m.SpawnDuration.Observe(duration.Seconds())
}

// RecordSessionExit records a session reaching Terminated.
func (m *Metrics) RecordSessionExit(reason string) {
	m.SessionsExited.WithLabelValues(reason).Inc()
}

// RecordSpawnFailure records a failed spawn.
func (m *Metrics) RecordSpawnFailure() {
	m.SpawnFailures.Inc()
}

// RecordSandboxViolation records a rejected working directory.
func (m *Metrics) RecordSandboxViolation() {
	m.SandboxViolations.Inc()
}

// RecordOutput records bytes read from a process stream.
func (m *Metrics) RecordOutput(stream string, n int) {
	m.OutputBytes.WithLabelValues(stream).Add(float64(n))
}

// RecordInput records bytes written to a process.
func (m *Metrics) RecordInput(n int) {
	m.InputBytes.Add(float64(n))
}

// SetSessionsActive sets the number of registered sessions.
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordWSMessage records a WebSocket message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
