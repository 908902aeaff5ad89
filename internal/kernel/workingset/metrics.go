package workingset

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentd_context_build_duration_seconds",
		Help:    "Working set assembly latency by phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_context_candidates_total",
		Help: "Candidates produced per source before selection.",
	}, []string{"source"})

	selectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_context_selected_total",
		Help: "Items chosen into a working set, by scorer and lane.",
	}, []string{"scorer", "lane"})

	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_context_threshold_fallback_total",
		Help: "Builds where no candidate cleared min_score and the best-available set was kept instead.",
	})
)

// timePhase observes the elapsed time for a build phase under the given
// label. Call with defer: `defer timePhase("retrieve")()`.
func timePhase(phase string) func() {
	start := time.Now()
	return func() {
		buildDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}
