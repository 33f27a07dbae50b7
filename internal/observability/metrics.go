package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed by the optional
// diagnostics server, which is the only caller of NewMetrics. The server
// updates the reflection outcome, merge, prune and evict counters from the
// audit ledger; the selection, reflection-duration and LLM collectors are
// registered but nothing records into them.
type Metrics struct {
	SelectionDuration   prometheus.Histogram
	SelectionCandidates prometheus.Histogram
	SelectionReturned   prometheus.Histogram
	ReflectionDuration  prometheus.Histogram
	ReflectionOutcomes  *prometheus.CounterVec
	MergesApplied       prometheus.Counter
	KPTsPruned          prometheus.Counter
	KPTsEvicted         prometheus.Counter
	LLMRetries          *prometheus.CounterVec
	LLMFallbacks        prometheus.Counter
}

// NewMetrics registers and returns the playbookd metric set.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		SelectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playbookd_selection_duration_seconds",
			Help:    "Time spent choosing KPTs to inject for a prompt.",
			Buckets: prometheus.DefBuckets,
		}),
		SelectionCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playbookd_selection_candidates",
			Help:    "Number of candidate KPTs considered before truncation.",
			Buckets: []float64{1, 2, 5, 10, 15, 25, 50, 100},
		}),
		SelectionReturned: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playbookd_selection_returned",
			Help:    "Number of KPTs actually injected.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		}),
		ReflectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playbookd_reflection_duration_seconds",
			Help:    "Time spent running a full reflection pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReflectionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playbookd_reflection_outcomes_total",
			Help: "Reflection runs grouped by terminal outcome.",
		}, []string{"outcome"}),
		MergesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "playbookd_merges_applied_total",
			Help: "KPT pairs merged across all reflections.",
		}),
		KPTsPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "playbookd_kpts_pruned_total",
			Help: "KPTs removed for falling below the prune threshold.",
		}),
		KPTsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "playbookd_kpts_evicted_total",
			Help: "KPTs removed for exceeding the max playbook size.",
		}),
		LLMRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playbookd_llm_retries_total",
			Help: "LLM gateway call retries grouped by method.",
		}, []string{"method"}),
		LLMFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "playbookd_llm_fallbacks_total",
			Help: "Times the local heuristic fallback was used instead of the LLM.",
		}),
	}
}
