// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Job attributes
	JobTaskIDKey     = "job.task_id"
	JobStateKey      = "job.state"
	JobDurationKey   = "job.duration_ms"
	JobPersonSlotKey = "job.person_slot"

	// Stage attributes
	StageNameKey        = "stage.name"
	StageAttemptKey     = "stage.attempt"
	StageCacheKey       = "stage.cache_outcome"
	StageFingerprintKey = "stage.fingerprint"

	// Admission attributes
	AdmissionModelKey  = "admission.model"
	AdmissionVRAMKey   = "admission.vram_mb"
	AdmissionWaitMSKey = "admission.wait_ms"

	// Provider attributes
	ProviderTaskIDKey    = "provider.task_id"
	ProviderOperationKey = "provider.operation"
	ProviderStatusKey    = "provider.status_code"

	// Error attributes
	ErrorKey     = "error"
	ErrorKindKey = "error.kind"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// JobAttributes creates job-level span attributes.
func JobAttributes(taskID, state string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTaskIDKey, taskID),
		attribute.String(JobStateKey, state),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// StageAttributes creates stage-level span attributes.
func StageAttributes(stage string, attempt int, cacheOutcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(StageNameKey, stage),
		attribute.Int(StageAttemptKey, attempt),
	}
	if cacheOutcome != "" {
		attrs = append(attrs, attribute.String(StageCacheKey, cacheOutcome))
	}
	return attrs
}

// AdmissionAttributes creates admission-related span attributes.
func AdmissionAttributes(model string, vramMB int, waitMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AdmissionModelKey, model),
		attribute.Int(AdmissionVRAMKey, vramMB),
		attribute.Int64(AdmissionWaitMSKey, waitMS),
	}
}

// ProviderAttributes creates talking-head provider span attributes.
func ProviderAttributes(operation, providerTaskID string, statusCode int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ProviderOperationKey, operation),
	}
	if providerTaskID != "" {
		attrs = append(attrs, attribute.String(ProviderTaskIDKey, providerTaskID))
	}
	if statusCode != 0 {
		attrs = append(attrs, attribute.Int(ProviderStatusKey, statusCode))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorKindKey, kind),
	}
}
