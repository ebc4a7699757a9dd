package sched

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "sched",
			Name:      "tasks_total",
			Help:      "Tasks by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inferd",
		Subsystem: "sched",
		Name:      "queue_depth",
		Help:      "Tasks accepted but not yet terminally called back",
	})

	decodeTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "sched",
		Name:      "decode_tokens_total",
		Help:      "Tokens produced by decode tasks",
	})
)

func init() {
	prometheus.MustRegister(tasksTotal, queueDepth, decodeTokensTotal)
}
