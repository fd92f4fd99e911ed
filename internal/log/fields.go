// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID      = "request_id"
	FieldTaskID         = "task_id"
	FieldProviderTaskID = "provider_task_id"
	FieldClientKey      = "client_key"

	// Pipeline fields
	FieldEvent       = "event"
	FieldComponent   = "component"
	FieldStage       = "stage"
	FieldOperator    = "operator"
	FieldFingerprint = "fingerprint"
	FieldAttempt     = "attempt"

	// Resource fields
	FieldModel  = "model"
	FieldVRAMMB = "vram_mb"

	// Artifact fields
	FieldArtifact  = "artifact"
	FieldSizeBytes = "size_bytes"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
