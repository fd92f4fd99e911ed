// SPDX-License-Identifier: MIT

// Package registry is the authoritative in-memory index of live jobs.
// Mutations run under a per-job lock, readers get stable deep copies,
// and terminal jobs stay queryable for the retention window, surviving
// restarts through JSON snapshots.
package registry

import (
	"errors"
	"maps"
	"time"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/operator"
)

// Status is the job-level state. Terminal states are sticky.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StageState tracks one pipeline stage inside a job.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCached    StageState = "cached"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// StageStatus is the per-stage progress record inside a job.
type StageStatus struct {
	State      StageState `json:"state"`
	Attempts   int        `json:"attempts,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobError is the user-visible failure description of a terminal job.
type JobError struct {
	Kind    fault.Kind `json:"kind"`
	Stage   string     `json:"stage,omitempty"`
	Message string     `json:"message"`
}

// Describe reduces an internal error chain to its user-visible form.
func Describe(err error) *JobError {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return &JobError{Kind: fe.Kind, Stage: fe.Stage, Message: fe.Msg}
	}
	return &JobError{Kind: fault.KindOf(err), Message: err.Error()}
}

// Job is one generation task. Artifacts maps stage ids to content hashes
// in the blob store; the registry releases those references when the job
// is reaped.
type Job struct {
	ID              string                 `json:"task_id"`
	Client          string                 `json:"client,omitempty"`
	Status          Status                 `json:"status"`
	Stages          map[string]StageStatus `json:"stages"`
	Artifacts       map[string]string      `json:"artifacts,omitempty"`
	Error           *JobError              `json:"error,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Deadline        time.Time              `json:"deadline"`
}

func (j Job) clone() Job {
	out := j
	out.Stages = maps.Clone(j.Stages)
	out.Artifacts = maps.Clone(j.Artifacts)
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

// stageWeights skew progress toward the expensive stages. Unknown stage
// names fall back to defaultStageWeight so a snapshot from an older
// build still renders.
var stageWeights = map[string]int{
	operator.StageDetection:   10,
	operator.StageMatting:     10,
	operator.StageTTS:         15,
	operator.StageProsody:     10,
	operator.StageTalkingHead: 45,
	operator.StageBGMMix:      10,
}

const defaultStageWeight = 10

// Progress reports completion as a percentage over the stages this job
// actually runs. Skipped and cached stages count as done, a running
// stage as half done.
func (j Job) Progress() int {
	if j.Status == StatusSucceeded {
		return 100
	}
	total, earned := 0, 0
	for name, st := range j.Stages {
		w, ok := stageWeights[name]
		if !ok {
			w = defaultStageWeight
		}
		total += w
		switch st.State {
		case StageSucceeded, StageCached, StageSkipped:
			earned += w
		case StageRunning:
			earned += w / 2
		}
	}
	if total == 0 {
		return 0
	}
	return earned * 100 / total
}
