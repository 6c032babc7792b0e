package paywall

import "github.com/prometheus/client_golang/prometheus"

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabgate",
			Subsystem: "paywall",
			Name:      "payments_total",
			Help:      "Per-call payment proofs by outcome.",
		},
		[]string{"outcome"},
	)

	bypassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabgate",
			Subsystem: "paywall",
			Name:      "session_bypasses_total",
			Help:      "Session-token bypass checks by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(paymentsTotal, bypassesTotal)
}
