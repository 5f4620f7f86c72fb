package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates pipeline counters and timings. A nil registerer yields
// working but unregistered collectors, which keeps tests isolated.
type Metrics struct {
	RecordsLoaded  *prometheus.CounterVec
	RecordsSkipped *prometheus.CounterVec
	StageRuns      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
}

// NewMetrics constructs the collector set, registering with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencore",
			Name:      "records_loaded_total",
			Help:      "Normalized records upserted into the store.",
		}, []string{"source", "entity"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencore",
			Name:      "records_skipped_total",
			Help:      "Raw records dropped by validation.",
		}, []string{"source"}),
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gencore",
			Name:      "stage_runs_total",
			Help:      "Stage invocations by terminal status.",
		}, []string{"source", "stage", "status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gencore",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"source", "stage"}),
	}
}
