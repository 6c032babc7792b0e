package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tabgate",
		Subsystem: "sessions",
		Name:      "opened_total",
		Help:      "Total sessions opened.",
	})

	sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabgate",
		Subsystem: "sessions",
		Name:      "finished_total",
		Help:      "Total sessions finished by terminal status.",
	}, []string{"status"}) // "closed", "expired"

	usageRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabgate",
		Subsystem: "sessions",
		Name:      "usage_entries_total",
		Help:      "Total usage entries recorded by model and escalation reason.",
	}, []string{"model", "reason"})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tabgate",
		Subsystem: "sessions",
		Name:      "duration_seconds",
		Help:      "Time from session open to close or expiry in seconds.",
		Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	depositAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tabgate",
		Subsystem: "sessions",
		Name:      "deposit_cents",
		Help:      "Distribution of session deposit sizes in cents.",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		sessionsOpened,
		sessionsClosed,
		usageRecorded,
		sessionDuration,
		depositAmount,
	)
}
