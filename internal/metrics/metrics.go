// Package metrics defines the Prometheus metrics of the auth core.
//
// Metrics are registered with the default registry and served on /metrics.
// Names carry the playlog_ prefix and counters end in _total.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Login and registration outcomes.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeInactive           = "inactive"
	OutcomeThrottled          = "throttled"
	OutcomeValidation         = "validation"
	OutcomeConflict           = "conflict"
	OutcomeError              = "error"
)

var (
	// LoginsTotal counts login attempts by outcome.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_auth_logins_total",
			Help: "Total login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// RegistrationsTotal counts registration attempts by outcome.
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_auth_registrations_total",
			Help: "Total registration attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// GateRejectionsTotal counts requests refused by the auth gate, by reason.
	GateRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playlog_auth_gate_rejections_total",
			Help: "Total requests rejected by the auth gate by reason.",
		},
		[]string{"reason"},
	)

	// SessionsReapedTotal counts expired sessions deactivated by housekeeping.
	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playlog_auth_sessions_reaped_total",
			Help: "Total expired sessions deactivated by the reaper.",
		},
	)

	// HTTPRequestDurationSeconds observes request latency by route and status.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playlog_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		LoginsTotal,
		RegistrationsTotal,
		GateRejectionsTotal,
		SessionsReapedTotal,
		HTTPRequestDurationSeconds,
	)
}

func RecordLogin(outcome string) {
	LoginsTotal.WithLabelValues(outcome).Inc()
}

func RecordRegistration(outcome string) {
	RegistrationsTotal.WithLabelValues(outcome).Inc()
}

func RecordGateRejection(reason string) {
	GateRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordSessionsReaped(n int64) {
	if n > 0 {
		SessionsReapedTotal.Add(float64(n))
	}
}

// RecordRequest observes one served HTTP request. route is the matched route
// pattern, not the raw path.
func RecordRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestDurationSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
