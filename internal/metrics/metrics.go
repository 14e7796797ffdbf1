// Package metrics exposes the API's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	judgmentsSubmitted prometheus.Counter
	duplicateJudgments *prometheus.CounterVec
	decisionsClosed    prometheus.Counter
	coachStreams       *prometheus.CounterVec
	grantScans         *prometheus.CounterVec
	grantAlertsCreated prometheus.Counter
	upstreamErrors     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		judgmentsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clarvoy_judgments_submitted_total",
			Help: "Judgments accepted.",
		}),
		duplicateJudgments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarvoy_duplicate_judgments_total",
			Help: "Duplicate judgment submissions rejected, by the check that caught them.",
		}, []string{"path"}),
		decisionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clarvoy_decisions_closed_total",
			Help: "Decisions moved to closed.",
		}),
		coachStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarvoy_coach_streams_total",
			Help: "Coaching streams by provider and outcome.",
		}, []string{"provider", "outcome"}),
		grantScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarvoy_grant_scans_total",
			Help: "Grant scans by result.",
		}, []string{"result"}),
		grantAlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clarvoy_grant_alerts_created_total",
			Help: "Grant alerts raised by the scanner.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarvoy_upstream_errors_total",
			Help: "Failed calls to external data services.",
		}, []string{"service"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clarvoy_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.judgmentsSubmitted,
		m.duplicateJudgments,
		m.decisionsClosed,
		m.coachStreams,
		m.grantScans,
		m.grantAlertsCreated,
		m.upstreamErrors,
		m.requestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JudgmentSubmitted() {
	if m != nil {
		m.judgmentsSubmitted.Inc()
	}
}

// DuplicateJudgment counts a rejected duplicate. path is "precheck" or
// "constraint".
func (m *Metrics) DuplicateJudgment(path string) {
	if m != nil {
		m.duplicateJudgments.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) DecisionClosed() {
	if m != nil {
		m.decisionsClosed.Inc()
	}
}

func (m *Metrics) CoachStream(provider, outcome string) {
	if m != nil {
		m.coachStreams.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) GrantScan(ok bool, newAlerts int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.grantScans.WithLabelValues(result).Inc()
	m.grantAlertsCreated.Add(float64(newAlerts))
}

func (m *Metrics) UpstreamError(service string) {
	if m != nil {
		m.upstreamErrors.WithLabelValues(service).Inc()
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m != nil {
		m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
	}
}
