package resource

import "github.com/prometheus/client_golang/prometheus"

var (
	contextSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "runtime",
		Name:      "context_swaps_total",
		Help:      "Context switches performed on the executor",
	})

	prefixMatchedTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "runtime",
		Name:      "prefix_matched_tokens_total",
		Help:      "Prefill tokens skipped because they matched the resident prefix",
	})

	cowDivergencesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "runtime",
		Name:      "cow_divergences_total",
		Help:      "Copy-on-write snapshots taken when a shared context diverged",
	})

	stepClampsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "runtime",
		Name:      "step_clamps_total",
		Help:      "Out-of-range current_step values clamped during restore or prefill",
	})
)

func init() {
	prometheus.MustRegister(contextSwapsTotal, prefixMatchedTokensTotal,
		cowDivergencesTotal, stepClampsTotal)
}
