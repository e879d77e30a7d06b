package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the coordinator.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	telemetryTotal        prometheus.Counter
	statusTotal           prometheus.Counter
	rejectedTotal         prometheus.Counter
	coordinatesTotal      prometheus.Counter
	persistFailuresTotal  prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	sessionsStoppedTotal   prometheus.Counter
	commandsPublishedTotal prometheus.Counter
	commandsFailuresTotal  prometheus.Counter
	activeSessions        prometheus.Gauge
	errorsTotal           prometheus.Counter
}

// New creates and registers Prometheus metrics for the coordinator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	telemetryTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_telemetry_reports_total",
		Help: "Total number of telemetry reports accepted by the pipeline",
	})
	statusTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_status_reports_total",
		Help: "Total number of status reports accepted by the pipeline",
	})
	rejectedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_reports_rejected_total",
		Help: "Total number of inbound messages dropped by the normalizer",
	})
	coordinatesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_coordinates_persisted_total",
		Help: "Total number of trajectory points durably written",
	})
	persistFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_coordinate_persist_failures_total",
		Help: "Total number of trajectory point writes dropped on store failure",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_sessions_started_total",
		Help: "Total number of recording sessions started",
	})
	sessionsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_sessions_stopped_total",
		Help: "Total number of recording sessions stopped",
	})
	commandsPublishedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_commands_published_total",
		Help: "Total number of device commands published",
	})
	commandsFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_command_publish_failures_total",
		Help: "Total number of device commands that failed to publish",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trackhub_active_sessions",
		Help: "Number of devices with an active recording session",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackhub_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		telemetryTotal,
		statusTotal,
		rejectedTotal,
		coordinatesTotal,
		persistFailuresTotal,
		sessionsStartedTotal,
		sessionsStoppedTotal,
		commandsPublishedTotal,
		commandsFailuresTotal,
		activeSessions,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		telemetryTotal:         telemetryTotal,
		statusTotal:            statusTotal,
		rejectedTotal:          rejectedTotal,
		coordinatesTotal:       coordinatesTotal,
		persistFailuresTotal:   persistFailuresTotal,
		sessionsStartedTotal:   sessionsStartedTotal,
		sessionsStoppedTotal:   sessionsStoppedTotal,
		commandsPublishedTotal: commandsPublishedTotal,
		commandsFailuresTotal:  commandsFailuresTotal,
		activeSessions:         activeSessions,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncTelemetry increments the accepted telemetry report counter.
func (m *Metrics) IncTelemetry() { m.telemetryTotal.Inc() }

// IncStatus increments the accepted status report counter.
func (m *Metrics) IncStatus() { m.statusTotal.Inc() }

// IncRejected increments the dropped message counter.
func (m *Metrics) IncRejected() { m.rejectedTotal.Inc() }

// IncCoordinates increments the persisted point counter.
func (m *Metrics) IncCoordinates() { m.coordinatesTotal.Inc() }

// IncPersistFailures increments the dropped point counter.
func (m *Metrics) IncPersistFailures() { m.persistFailuresTotal.Inc() }

// IncSessionsStarted increments the session start counter.
func (m *Metrics) IncSessionsStarted() { m.sessionsStartedTotal.Inc() }

// IncSessionsStopped increments the session stop counter.
func (m *Metrics) IncSessionsStopped() { m.sessionsStoppedTotal.Inc() }

// IncCommandsPublished increments the published command counter.
func (m *Metrics) IncCommandsPublished() { m.commandsPublishedTotal.Inc() }

// IncCommandFailures increments the failed command publish counter.
func (m *Metrics) IncCommandFailures() { m.commandsFailuresTotal.Inc() }

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. the active session count from the registry).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
