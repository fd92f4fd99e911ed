// SPDX-License-Identifier: MIT

// Package pipeline drives generation jobs through the stage graph: the
// image branch (detection, optional matting) and the audio branch (TTS,
// prosody) run concurrently, merge at the talking-head render, and an
// optional BGM mix produces the final soundtrack. The coordinator owns
// job lifecycle end to end: admission at submission, per-stage caching
// and retries, cancellation, terminal bookkeeping and completion
// callbacks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/wishreel/wishreel/internal/admission"
	"github.com/wishreel/wishreel/internal/artifact"
	"github.com/wishreel/wishreel/internal/cache"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/notify"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/telemetry"
)

// inputTTL bounds how long raw submission inputs stay reclaimable in the
// blob store when no job ends up referencing them.
const inputTTL = 24 * time.Hour

// Artifact keys for the raw submission inputs, alongside the per-stage
// keys in Job.Artifacts.
const (
	artifactInputImage = "input_image"
	artifactInputAudio = "input_audio"
)

// Terminal causes injected into the job context so finalize can tell a
// deadline from a user cancel.
var (
	errJobDeadline  = fault.New(fault.KindTimeout, "job deadline exceeded")
	errJobCancelled = fault.New(fault.KindCancelled, "cancelled by caller")
	errShutdown     = fault.New(fault.KindCancelled, "shutting down")
)

// StageTimeouts caps each stage attempt. Zero fields fall back to the
// documented defaults.
type StageTimeouts struct {
	Detection   time.Duration
	Matting     time.Duration
	TTS         time.Duration
	Prosody     time.Duration
	TalkingHead time.Duration
	Mix         time.Duration
}

func (t StageTimeouts) withDefaults() StageTimeouts {
	def := func(d *time.Duration, fallback time.Duration) {
		if *d <= 0 {
			*d = fallback
		}
	}
	def(&t.Detection, 30*time.Second)
	def(&t.Matting, 30*time.Second)
	def(&t.TTS, 30*time.Second)
	def(&t.Prosody, 10*time.Second)
	def(&t.TalkingHead, 120*time.Second)
	def(&t.Mix, 15*time.Second)
	return t
}

// Config bounds the coordinator. The daemon fills it from the app config.
type Config struct {
	// TmpRoot is the scratch root; each job gets a directory under it that
	// is removed when the job reaches a terminal state.
	TmpRoot string
	// JobDeadline caps a job end to end. Expiry cancels both branches and
	// marks the job Cancelled with a timeout error.
	JobDeadline time.Duration
	// MaxActive caps concurrently live jobs; submissions beyond it are
	// rejected, not queued. 0 means unlimited.
	MaxActive int
	Stages    StageTimeouts
}

func (c Config) withDefaults() Config {
	if c.JobDeadline <= 0 {
		c.JobDeadline = 180 * time.Second
	}
	if c.MaxActive == 0 {
		c.MaxActive = 8
	}
	c.Stages = c.Stages.withDefaults()
	return c
}

// Gateway is the union of the model-serving surfaces the branch operators
// call. *inference.Client satisfies it.
type Gateway interface {
	operator.DetectGateway
	operator.MatteGateway
	operator.TTSGateway
}

// Notifier delivers terminal-state callbacks. *notify.Notifier satisfies
// it.
type Notifier interface {
	Enabled() bool
	Deliver(ctx context.Context, callbackURL string, ev notify.Event) error
}

// Deps wires the coordinator's collaborators. Tracks and Notifier are
// optional; everything else is required.
type Deps struct {
	Registry  *registry.Registry
	Store     *artifact.Store
	Index     *artifact.Index
	Resolver  *cache.Resolver
	Admission *admission.Controller
	Gateway   Gateway
	Prosody   operator.ProsodyEngine
	Renderer  operator.Renderer
	Tracks    operator.TrackSource
	Notifier  Notifier
	Logger    zerolog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("pipeline: registry is required")
	case d.Store == nil:
		return errors.New("pipeline: artifact store is required")
	case d.Index == nil:
		return errors.New("pipeline: artifact index is required")
	case d.Resolver == nil:
		return errors.New("pipeline: cache resolver is required")
	case d.Admission == nil:
		return errors.New("pipeline: admission controller is required")
	case d.Gateway == nil:
		return errors.New("pipeline: inference gateway is required")
	case d.Prosody == nil:
		return errors.New("pipeline: prosody engine is required")
	case d.Renderer == nil:
		return errors.New("pipeline: renderer is required")
	}
	return nil
}

// Coordinator runs the stage graph for every accepted job.
type Coordinator struct {
	cfg Config

	registry *registry.Registry
	store    *artifact.Store
	index    *artifact.Index
	resolver *cache.Resolver
	gpu      *admission.Controller
	gateway  Gateway
	prosody  operator.ProsodyEngine
	renderer operator.Renderer
	tracks   operator.TrackSource
	notifier Notifier

	logger zerolog.Logger
	tracer trace.Tracer

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
	runs   map[string]context.CancelCauseFunc
}

// New validates the wiring and prepares the scratch root.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.TmpRoot == "" {
		return nil, errors.New("pipeline: tmp root is required")
	}
	if err := os.MkdirAll(cfg.TmpRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}

	root, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		store:      deps.Store,
		index:      deps.Index,
		resolver:   deps.Resolver,
		gpu:        deps.Admission,
		gateway:    deps.Gateway,
		prosody:    deps.Prosody,
		renderer:   deps.Renderer,
		tracks:     deps.Tracks,
		notifier:   deps.Notifier,
		logger:     deps.Logger.With().Str("component", "pipeline").Logger(),
		tracer:     telemetry.Tracer("pipeline"),
		root:       root,
		rootCancel: cancel,
		runs:       make(map[string]context.CancelCauseFunc),
	}, nil
}

// Submit admits one generation job. Parameter faults surface here, before
// a job exists; past this point failures are reported through the job's
// terminal state. The returned snapshot already reflects skipped stages.
func (c *Coordinator) Submit(ctx context.Context, req Request) (registry.Job, error) {
	ops, err := c.buildStages(req)
	if err != nil {
		metrics.RecordJobRejected("invalid_input")
		return registry.Job{}, err
	}

	// Raw inputs go into the blob store up front so every stage addresses
	// them by digest. Tracked without references: if the gate rejects the
	// job below, the blobs age out on their own.
	now := time.Now()
	imageSHA, err := c.store.Put(req.Image)
	if err != nil {
		return registry.Job{}, fault.Wrap(fault.KindInternal, "store input image", err)
	}
	c.track(imageSHA, artifactInputImage, int64(len(req.Image)), inputTTL, now)
	audioSHA := ""
	if len(req.Audio) > 0 {
		audioSHA, err = c.store.Put(req.Audio)
		if err != nil {
			return registry.Job{}, fault.Wrap(fault.KindInternal, "store input audio", err)
		}
		c.track(audioSHA, artifactInputAudio, int64(len(req.Audio)), inputTTL, now)
	}

	// Gate and create under one lock so a burst cannot overshoot the
	// active-job ceiling.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.RecordJobRejected("shutdown")
		return registry.Job{}, fault.New(fault.KindResourceExhausted, "not accepting new jobs")
	}
	if c.cfg.MaxActive > 0 && c.registry.Active() >= c.cfg.MaxActive {
		c.mu.Unlock()
		metrics.RecordJobRejected("max_active")
		return registry.Job{}, fault.Newf(fault.KindResourceExhausted, "active job limit %d reached", c.cfg.MaxActive)
	}

	job := c.registry.Create(req.Client, []string{
		operator.StageDetection,
		operator.StageMatting,
		operator.StageTTS,
		operator.StageProsody,
		operator.StageTalkingHead,
		operator.StageBGMMix,
	}, now.Add(c.cfg.JobDeadline))

	jobCtx, cancelCause := context.WithCancelCause(c.root)
	jobCtx, cancelTimer := context.WithDeadlineCause(jobCtx, job.Deadline, errJobDeadline)
	c.runs[job.ID] = cancelCause
	c.mu.Unlock()

	id := job.ID
	job, err = c.registry.Update(id, func(j *registry.Job) {
		j.Artifacts[artifactInputImage] = imageSHA
		if audioSHA != "" {
			j.Artifacts[artifactInputAudio] = audioSHA
		}
		for _, stage := range ops.skipped() {
			j.Stages[stage] = registry.StageStatus{State: registry.StageSkipped}
		}
	})
	if err != nil {
		cancelCause(nil)
		cancelTimer()
		c.mu.Lock()
		delete(c.runs, id)
		c.mu.Unlock()
		return registry.Job{}, err
	}
	c.addRef(imageSHA)
	if audioSHA != "" {
		c.addRef(audioSHA)
	}

	c.logger.Info().
		Str("event", "pipeline.job_accepted").
		Str("task_id", job.ID).
		Str("client", req.Client).
		Bool("synthesize", req.synthesizes()).
		Bool("remove_background", req.RemoveBackground).
		Str("bgm_id", req.BGMID).
		Msg("job accepted")

	c.wg.Add(1)
	go func() {
		defer cancelTimer()
		defer cancelCause(nil)
		c.run(jobCtx, job.ID, req, ops, imageSHA, audioSHA)
	}()
	return job, nil
}

// Cancel flags the job and interrupts its branches. Idempotent; a
// terminal job returns its terminal snapshot unchanged.
func (c *Coordinator) Cancel(id string) (registry.Job, error) {
	job, err := c.registry.RequestCancel(id)
	if err != nil {
		return registry.Job{}, err
	}
	c.mu.Lock()
	cancel, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return job, nil
}

// Close stops accepting jobs, cancels the ones in flight and waits for
// their terminal bookkeeping to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.rootCancel()
	c.wg.Wait()
}

// run owns one job from Running to its terminal state.
func (c *Coordinator) run(ctx context.Context, id string, req Request, ops *stageSet, imageSHA, audioSHA string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.runs, id)
		c.mu.Unlock()
	}()

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	started := time.Now()
	logger := c.logger.With().Str("task_id", id).Logger()
	ctx, span := c.tracer.Start(ctx, "pipeline.job")
	defer span.End()

	tmpDir := filepath.Join(c.cfg.TmpRoot, id)
	var err error
	if err = os.MkdirAll(tmpDir, 0o750); err != nil {
		err = fault.Wrap(fault.KindInternal, "create job scratch dir", err)
	} else {
		defer os.RemoveAll(tmpDir)
		err = c.execute(ctx, logger, id, ops, imageSHA, audioSHA, tmpDir)
	}
	c.finalize(ctx, span, logger, id, req.NotifyURL, err, time.Since(started))
}

// finalize records the terminal state and fires the completion callback.
// The deadline and user-cancel causes map to Cancelled; everything else
// that errored is Failed with the originating fault.
func (c *Coordinator) finalize(ctx context.Context, span trace.Span, logger zerolog.Logger, id, notifyURL string, runErr error, elapsed time.Duration) {
	status := registry.StatusSucceeded
	var desc *registry.JobError
	if runErr != nil {
		status = registry.StatusFailed
		desc = registry.Describe(runErr)
		if ctx.Err() != nil {
			status = registry.StatusCancelled
			cause := context.Cause(ctx)
			if errors.Is(cause, context.Canceled) {
				cause = errShutdown
			}
			desc = registry.Describe(cause)
		}
	}

	job, err := c.registry.Update(id, func(j *registry.Job) {
		j.Status = status
		j.Error = desc
	})
	if err != nil {
		if !errors.Is(err, registry.ErrTerminal) {
			logger.Error().Err(err).Str("event", "pipeline.finalize_failed").Msg("record terminal state")
			return
		}
		// A concurrent transition won; report that state.
		status = job.Status
	}

	metrics.ObserveJobDuration(string(status), elapsed)
	span.SetAttributes(telemetry.JobAttributes(id, string(status), elapsed.Milliseconds())...)

	ev := logger.Info()
	if status == registry.StatusFailed {
		ev = logger.Error()
	}
	le := ev.Str("event", "pipeline.job_done").
		Str("status", string(status)).
		Dur("elapsed", elapsed)
	if job.Error != nil {
		le = le.Str("error_kind", string(job.Error.Kind)).Str("error_stage", job.Error.Stage)
	}
	le.Msg("job finished")

	if notifyURL == "" || c.notifier == nil || !c.notifier.Enabled() {
		return
	}
	event := notify.Event{TaskID: id, State: string(status)}
	if status == registry.StatusSucceeded {
		event.ResultURL = "/pipeline/result/" + id
	} else if job.Error != nil {
		event.ErrorCode = string(job.Error.Kind)
		event.ErrorMsg = job.Error.Message
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Delivery failures are logged by the notifier; they never touch
		// job state.
		_ = c.notifier.Deliver(c.root, notifyURL, event)
	}()
}

// track registers a blob in the lifecycle index. Index trouble is soft:
// the blob stays usable, it just loses GC bookkeeping until re-tracked.
func (c *Coordinator) track(sha, stage string, size int64, ttl time.Duration, now time.Time) {
	if err := c.index.Track(sha, stage, size, ttl, now); err != nil {
		c.logger.Warn().Err(err).Str("sha", sha).Str("stage", stage).Msg("track artifact")
	}
}

func (c *Coordinator) addRef(sha string) {
	if err := c.index.AddRef(sha); err != nil {
		c.logger.Warn().Err(err).Str("sha", sha).Msg("add artifact ref")
	}
}
