// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// VRAMUsedMB tracks VRAM currently reserved by admitted stages.
	VRAMUsedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_admission_vram_used_mb",
		Help: "VRAM currently reserved by admitted model executions, in MiB.",
	})

	// VRAMHighWaterMB tracks the highest VRAM reservation seen since start.
	VRAMHighWaterMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_admission_vram_high_water_mb",
		Help: "Highest VRAM reservation observed since process start, in MiB.",
	})

	// AdmissionQueueDepth tracks callers waiting for admission, by model.
	AdmissionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wishreel_admission_queue_depth",
		Help: "Current number of stages queued for admission, by model.",
	}, []string{"model"})

	// AdmissionWaitDuration tracks the time spent waiting for admission.
	AdmissionWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wishreel_admission_wait_duration_seconds",
		Help:    "Time spent queued before admission, by model.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	// AdmissionRequeueTotal counts OOM-triggered re-admissions, by model.
	AdmissionRequeueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_admission_requeue_total",
		Help: "Total OOM requeue events, by model.",
	}, []string{"model"})

	// AdmissionRejectTotal counts admission failures, by model and reason.
	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_admission_reject_total",
		Help: "Total admission failures, by model and reason (timeout|cancelled|oversized).",
	}, []string{"model", "reason"})
)

// SetVRAMUsed updates the reservation gauge and the high-water mark.
func SetVRAMUsed(mb int64, highWater int64) {
	VRAMUsedMB.Set(float64(mb))
	VRAMHighWaterMB.Set(float64(highWater))
}

// SetAdmissionQueueDepth updates the per-model waiter gauge.
func SetAdmissionQueueDepth(model string, depth int) {
	AdmissionQueueDepth.WithLabelValues(model).Set(float64(depth))
}

// ObserveAdmissionWait records the queueing delay for an admitted stage.
func ObserveAdmissionWait(model string, d time.Duration) {
	AdmissionWaitDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordAdmissionRequeue increments the OOM requeue counter.
func RecordAdmissionRequeue(model string) {
	AdmissionRequeueTotal.WithLabelValues(model).Inc()
}

// RecordAdmissionReject increments the admission failure counter.
func RecordAdmissionReject(model, reason string) {
	AdmissionRejectTotal.WithLabelValues(model, reason).Inc()
}

// GetVRAMUsedMB returns the current gauge value (for testing).
func GetVRAMUsedMB() float64 {
	var m dto.Metric
	if err := VRAMUsedMB.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
