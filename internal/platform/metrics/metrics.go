package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the watch service.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	sessionsOpenedTotal  prometheus.Counter
	sessionsClosedTotal  prometheus.Counter
	activeSessions       prometheus.Gauge
	retriesTotal         prometheus.Counter
	mediaRecoveriesTotal prometheus.Counter
	statusChangesTotal   *prometheus.CounterVec
	failuresTotal        *prometheus.CounterVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_sessions_opened_total",
			Help: "Total number of watch sessions opened",
		}),
		sessionsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_sessions_closed_total",
			Help: "Total number of watch sessions closed",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livewatch_active_sessions",
			Help: "Number of watch sessions currently registered",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_retries_scheduled_total",
			Help: "Total number of automatic reconnect attempts scheduled",
		}),
		mediaRecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_media_recoveries_total",
			Help: "Total number of in-place media error recoveries",
		}),
		statusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livewatch_status_changes_total",
			Help: "Total number of session status transitions by target status",
		}, []string{"status"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livewatch_failures_total",
			Help: "Total number of sessions entering failed, by message",
		}, []string{"message"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsOpenedTotal,
		m.sessionsClosedTotal,
		m.activeSessions,
		m.retriesTotal,
		m.mediaRecoveriesTotal,
		m.statusChangesTotal,
		m.failuresTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsOpened increments the sessions opened counter.
func (m *Metrics) IncSessionsOpened() {
	m.sessionsOpenedTotal.Inc()
}

// IncSessionsClosed increments the sessions closed counter.
func (m *Metrics) IncSessionsClosed() {
	m.sessionsClosedTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) IncRetries() {
	m.retriesTotal.Inc()
}

func (m *Metrics) IncMediaRecoveries() {
	m.mediaRecoveriesTotal.Inc()
}

// ObserveStatus counts a transition into status. Failures are also
// counted by their message.
func (m *Metrics) ObserveStatus(status, message string) {
	m.statusChangesTotal.WithLabelValues(status).Inc()
	if status == "failed" {
		m.failuresTotal.WithLabelValues(message).Inc()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
