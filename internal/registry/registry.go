// SPDX-License-Identifier: MIT

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
)

// ErrTerminal reports an update attempted on a job that already reached
// a final state. The caller sees the unchanged snapshot alongside it.
var ErrTerminal = errors.New("registry: job already terminal")

// RefReleaser drops one artifact reference when a reaped job lets go of
// its outputs. *artifact.Index satisfies it.
type RefReleaser interface {
	ReleaseRef(sha string) error
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// Registry indexes live jobs and persists terminal snapshots under dir.
type Registry struct {
	dir       string
	retention time.Duration
	refs      RefReleaser
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*entry
}

// New builds an empty registry. Call Load to recover terminal snapshots
// from a previous run.
func New(dir string, retention time.Duration, refs RefReleaser, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:       dir,
		retention: retention,
		refs:      refs,
		logger:    logger.With().Str("component", "registry").Logger(),
		now:       time.Now,
		jobs:      make(map[string]*entry),
	}
}

// Create registers a new job covering the given stages and returns its
// snapshot. The id is an opaque UUID.
func (r *Registry) Create(client string, stages []string, deadline time.Time) Job {
	now := r.now()
	j := Job{
		ID:        uuid.NewString(),
		Client:    client,
		Status:    StatusSubmitted,
		Stages:    make(map[string]StageStatus, len(stages)),
		Artifacts: make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  deadline,
	}
	for _, s := range stages {
		j.Stages[s] = StageStatus{State: StagePending}
	}

	r.mu.Lock()
	r.jobs[j.ID] = &entry{job: j}
	r.mu.Unlock()
	return j.clone()
}

// Get returns a stable snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, fault.Newf(fault.KindNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Update applies the mutator under the job's lock. A terminal job is
// never mutated: the call returns the current snapshot and ErrTerminal.
// When the mutation itself reaches a terminal state, the snapshot is
// written to disk before the lock is released.
func (r *Registry) Update(id string, mutate func(*Job)) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, fault.Newf(fault.KindNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return e.job.clone(), ErrTerminal
	}
	wasStatus := e.job.Status
	mutate(&e.job)
	e.job.ID = id // the mutator cannot rename a job
	e.job.UpdatedAt = r.now()

	if e.job.Status.Terminal() && !wasStatus.Terminal() {
		r.persist(e.job)
	}
	return e.job.clone(), nil
}

// RequestCancel flags the job for cancellation. Idempotent: a terminal
// or already-flagged job returns its snapshot unchanged.
func (r *Registry) RequestCancel(id string) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, fault.Newf(fault.KindNotFound, "task %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() || e.job.CancelRequested {
		return e.job.clone(), nil
	}
	e.job.CancelRequested = true
	e.job.UpdatedAt = r.now()
	return e.job.clone(), nil
}

// Len reports the number of indexed jobs, live and retained.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Active counts jobs that have not reached a terminal state. The
// admission gate for new submissions keys off this, not Len, so
// retained terminal jobs never block new work.
func (r *Registry) Active() int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	active := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.job.Status.Terminal() {
			active++
		}
		e.mu.Unlock()
	}
	return active
}

// Reap drops terminal jobs older than the retention window, releasing
// their artifact references and removing their snapshots. Returns the
// number of jobs removed.
func (r *Registry) Reap(now time.Time) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, id := range ids {
		e, ok := r.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.job.Status.Terminal() || now.Sub(e.job.UpdatedAt) < r.retention {
			e.mu.Unlock()
			continue
		}
		job := e.job.clone()
		r.mu.Lock()
		delete(r.jobs, id)
		r.mu.Unlock()
		e.mu.Unlock()

		if r.refs != nil {
			for _, sha := range job.Artifacts {
				if err := r.refs.ReleaseRef(sha); err != nil {
					r.logger.Warn().Err(err).Str("sha", sha).Msg("release artifact ref")
				}
			}
		}
		if err := os.Remove(r.snapshotPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Err(err).Str("task_id", id).Msg("remove job snapshot")
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info().Int("jobs", reaped).Msg("reaped terminal jobs")
	}
	return reaped
}

// Load recovers terminal snapshots written by a previous run so their
// status stays queryable across a restart. Expired and corrupt files
// are removed on sight.
func (r *Registry) Load() error {
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("create job snapshot dir: %w", err)
	}
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("scan job snapshots: %w", err)
	}

	now := r.now()
	recovered := 0
	for _, de := range files {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("file", de.Name()).Msg("read job snapshot")
			continue
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil || j.ID == "" {
			r.logger.Warn().Err(err).Str("file", de.Name()).Msg("discard corrupt job snapshot")
			_ = os.Remove(path)
			continue
		}
		// Only terminal jobs are ever persisted; anything else is stale.
		if !j.Status.Terminal() || now.Sub(j.UpdatedAt) >= r.retention {
			_ = os.Remove(path)
			continue
		}
		if j.Stages == nil {
			j.Stages = make(map[string]StageStatus)
		}
		if j.Artifacts == nil {
			j.Artifacts = make(map[string]string)
		}
		r.mu.Lock()
		r.jobs[j.ID] = &entry{job: j}
		r.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		r.logger.Info().Int("jobs", recovered).Msg("recovered terminal job snapshots")
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

func (r *Registry) snapshotPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// persist writes the terminal snapshot atomically. Failure is logged
// and swallowed: losing restart durability must not fail the job's own
// state transition.
func (r *Registry) persist(j Job) {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", j.ID).Msg("encode job snapshot")
		return
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		r.logger.Error().Err(err).Str("task_id", j.ID).Msg("create job snapshot dir")
		return
	}
	if err := renameio.WriteFile(r.snapshotPath(j.ID), data, 0o640); err != nil {
		r.logger.Error().Err(err).Str("task_id", j.ID).Msg("persist job snapshot")
	}
}
