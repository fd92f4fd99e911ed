// SPDX-License-Identifier: MIT

// Package operator implements the pipeline stages as a uniform abstraction:
// each operator declares its identity and resource needs, derives a cache
// fingerprint from its inputs, and produces one artifact. The orchestrator
// composes operators without knowing what they compute.
package operator

import (
	"context"
	"time"

	"github.com/wishreel/wishreel/internal/fault"
)

// Stage names. They double as metrics labels and cache stage tags.
const (
	StageDetection   = "detection"
	StageMatting     = "matting"
	StageTTS         = "tts"
	StageProsody     = "prosody"
	StageTalkingHead = "talking_head"
	StageBGMMix      = "bgm_mix"
)

// Input slot names. An operator's required slots must be present in
// Inputs.Artifacts before Execute runs.
const (
	SlotImage     = "image"
	SlotAudio     = "audio"
	SlotDetection = "detection"
)

// Meta describes an operator to the orchestrator.
type Meta struct {
	// ID names the stage; it is folded into every fingerprint.
	ID string
	// Version invalidates cached results when the implementation changes.
	Version string
	// Model is the admission model to acquire before Execute, "" when the
	// operator needs no device memory.
	Model string
	// TTL bounds how long a cached result stays valid. Ignored when
	// Cacheable is false.
	TTL time.Duration
	// Cacheable is false for stages whose output is never cached.
	Cacheable bool
}

// Inputs carries the materialized upstream artifacts into an operator.
type Inputs struct {
	TaskID string
	// TmpDir is the job's scratch directory. The orchestrator removes it
	// when the job reaches a terminal state.
	TmpDir string
	// Artifacts maps slot name to the content digest of an artifact in the
	// local store.
	Artifacts map[string]string
}

// Digest returns the artifact digest bound to a slot. A missing required
// slot is a wiring bug, reported as an internal fault.
func (in Inputs) Digest(slot string) (string, error) {
	sha, ok := in.Artifacts[slot]
	if !ok || sha == "" {
		return "", fault.Newf(fault.KindInternal, "operator input slot %q not materialized", slot)
	}
	return sha, nil
}

// Result is one produced artifact: its bytes plus descriptive metadata
// (dimensions, sample rate, duration) stored alongside the cache entry.
type Result struct {
	Data []byte
	Meta map[string]string
}

// Loader fetches artifact bytes by content digest. *artifact.Store
// satisfies it.
type Loader interface {
	Get(sha string) ([]byte, error)
}

// Operator is one stage of the generation pipeline.
type Operator interface {
	Meta() Meta
	// Fingerprint derives the cache key for these inputs. Everything that
	// influences the output must be folded in; hint-only inputs must not.
	Fingerprint(in Inputs) (string, error)
	// Execute produces the stage artifact. Implementations honor ctx and
	// remove any scratch files outside TmpDir on all exit paths.
	Execute(ctx context.Context, in Inputs) (*Result, error)
}
