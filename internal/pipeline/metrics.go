package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds all Prometheus metrics owned by the pipeline. One instance
// is created per Pipeline so tests can inject a fresh prometheus.Registry
// without polluting the default one.
type metrics struct {
	// stageRunsTotal counts completed stage executions, partitioned by
	// stage name and outcome ("success" or "failed").
	stageRunsTotal *prometheus.CounterVec

	// stageDurationSeconds records the wall-clock duration of each stage
	// execution including its retries.
	stageDurationSeconds *prometheus.HistogramVec

	// stageRetriesTotal counts stage-level retry attempts.
	stageRetriesTotal *prometheus.CounterVec

	// runsTotal counts whole pipeline runs, partitioned by mode and
	// outcome.
	runsTotal *prometheus.CounterVec

	// inconsistenciesTotal counts cross-store count mismatches found by
	// the consistency validator.
	inconsistenciesTotal prometheus.Counter
}

// newMetrics registers the pipeline metrics against reg. promauto.With(reg)
// registers into the provided registry rather than the global default,
// which keeps unit tests hermetic.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		stageRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biograph",
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Completed stage executions, partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),

		stageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "biograph",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage executions including retries.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 7200},
		}, []string{"stage"}),

		stageRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biograph",
			Subsystem: "pipeline",
			Name:      "stage_retries_total",
			Help:      "Stage-level retry attempts.",
		}, []string{"stage"}),

		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biograph",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Whole pipeline runs, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),

		inconsistenciesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "biograph",
			Subsystem: "pipeline",
			Name:      "inconsistencies_total",
			Help:      "Cross-store count mismatches found by the consistency validator.",
		}),
	}
}
