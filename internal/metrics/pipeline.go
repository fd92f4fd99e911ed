// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the wishreel pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// StageDuration tracks wall time per pipeline stage, successful runs only.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wishreel_stage_duration_seconds",
		Help:    "Stage execution time in seconds, by stage.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"stage"})

	// StageErrorsTotal counts stage failures by stage and fault kind.
	StageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_stage_errors_total",
		Help: "Total stage failures, by stage and fault kind.",
	}, []string{"stage", "kind"})

	// StageRetriesTotal counts per-stage retry attempts beyond the first.
	StageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_stage_retries_total",
		Help: "Total stage retry attempts, by stage.",
	}, []string{"stage"})

	// JobDuration tracks end-to-end job time from accept to terminal state.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wishreel_job_duration_seconds",
		Help:    "End-to-end job time in seconds, by outcome.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
	}, []string{"outcome"})

	// JobsTotal counts jobs reaching a terminal state.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_jobs_total",
		Help: "Total jobs by terminal state.",
	}, []string{"state"})

	// ActiveJobs tracks jobs currently between accept and terminal state.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_active_jobs",
		Help: "Current number of in-flight jobs.",
	})

	// JobsRejectedTotal counts generate requests refused before job creation.
	JobsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_jobs_rejected_total",
		Help: "Total rejected generate requests, by reason.",
	}, []string{"reason"})

	// ProsodyFallbackTotal counts adjustments that returned the original audio.
	ProsodyFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_prosody_fallback_total",
		Help: "Total prosody adjustments that fell back to the original audio, by reason (low_confidence|engine_error).",
	}, []string{"reason"})
)

// ObserveStageDuration records a completed stage run.
func ObserveStageDuration(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStageError increments the stage failure counter.
func RecordStageError(stage, kind string) {
	StageErrorsTotal.WithLabelValues(stage, kind).Inc()
}

// RecordStageRetry increments the retry counter for a stage.
func RecordStageRetry(stage string) {
	StageRetriesTotal.WithLabelValues(stage).Inc()
}

// ObserveJobDuration records a finished job with its terminal outcome.
func ObserveJobDuration(outcome string, d time.Duration) {
	JobDuration.WithLabelValues(outcome).Observe(d.Seconds())
	JobsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveJobs increments the in-flight job gauge.
func IncActiveJobs() { ActiveJobs.Inc() }

// DecActiveJobs decrements the in-flight job gauge.
func DecActiveJobs() { ActiveJobs.Dec() }

// RecordJobRejected increments the rejection counter.
func RecordJobRejected(reason string) {
	JobsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordProsodyFallback increments the prosody fallback counter.
func RecordProsodyFallback(reason string) {
	ProsodyFallbackTotal.WithLabelValues(reason).Inc()
}

// GetActiveJobs returns the current gauge value (for testing).
func GetActiveJobs() float64 {
	var m dto.Metric
	if err := ActiveJobs.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
