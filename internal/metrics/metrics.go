// Package metrics defines Prometheus metrics for the portalkombat daemon.
//
// All metrics are registered with Registry, which the local API serves on
// /metrics.
//
// Metric naming follows Prometheus conventions:
//   - portalkombat_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector exported by the daemon.
var Registry = prometheus.NewRegistry()

var (
	// ProbesTotal counts connectivity probes by resulting state.
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalkombat_probes_total",
			Help: "Total connectivity probes by resulting state.",
		},
		[]string{"state"},
	)

	// ProbeDurationSeconds is a histogram of probe latency.
	ProbeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portalkombat_probe_duration_seconds",
			Help:    "Duration of connectivity probes in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// LoginAttemptsTotal counts login attempts by outcome.
	LoginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalkombat_login_attempts_total",
			Help: "Total captive portal login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LoginDurationSeconds is a histogram of login handshake duration.
	LoginDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portalkombat_login_duration_seconds",
			Help:    "Duration of captive portal login attempts in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// StateTransitionsTotal counts controller transitions.
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalkombat_state_transitions_total",
			Help: "Total auto-login controller state transitions.",
		},
		[]string{"from", "to"},
	)

	// ActiveLogins is the number of login attempts currently executing.
	ActiveLogins = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portalkombat_active_logins",
			Help: "Number of login attempts currently executing.",
		},
	)

	// StatusSubscribers is the number of live status subscriptions.
	StatusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portalkombat_status_subscribers",
			Help: "Number of active status subscribers.",
		},
	)

	// APIRateLimitBlocksTotal counts mutating API requests rejected by the limiter.
	APIRateLimitBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portalkombat_api_rate_limit_blocks_total",
			Help: "Total local API requests rejected by rate limiting, by client surface.",
		},
		[]string{"surface"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ProbesTotal,
		ProbeDurationSeconds,
		LoginAttemptsTotal,
		LoginDurationSeconds,
		StateTransitionsTotal,
		ActiveLogins,
		StatusSubscribers,
		APIRateLimitBlocksTotal,
	)
}

// RecordProbe records metrics for a completed probe.
func RecordProbe(state string, duration time.Duration) {
	ProbesTotal.WithLabelValues(state).Inc()
	ProbeDurationSeconds.Observe(duration.Seconds())
}

// RecordLogin records metrics for a completed login attempt.
func RecordLogin(outcome string, duration time.Duration) {
	LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	LoginDurationSeconds.Observe(duration.Seconds())
}

// RecordTransition records a single controller transition.
func RecordTransition(from, to string) {
	StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordAPIRateLimitBlock records a rate-limited API request.
func RecordAPIRateLimitBlock(surface string) {
	APIRateLimitBlocksTotal.WithLabelValues(surface).Inc()
}
