package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabgate",
			Subsystem: "chat",
			Name:      "queries_total",
			Help:      "Answered turns by backend model and escalation reason.",
		},
		[]string{"model", "reason"},
	)

	streamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tabgate",
			Subsystem: "chat",
			Name:      "stream_duration_seconds",
			Help:      "Wall time of a full chat turn, open to sentinel.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal, streamDuration)
}
