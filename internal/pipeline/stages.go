// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wishreel/wishreel/internal/cache"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
	"github.com/wishreel/wishreel/internal/operator"
	"github.com/wishreel/wishreel/internal/registry"
	"github.com/wishreel/wishreel/internal/telemetry"
)

// stageSet holds the operators one job actually runs. Nil slots are the
// stages the request skips; they are marked Skipped at submission.
type stageSet struct {
	detector *operator.PersonDetector
	matte    *operator.BackgroundRemover
	tts      *operator.TTSSynthesizer
	prosody  *operator.ProsodyAdjuster
	render   *operator.TalkingHead
	mixer    *operator.BGMMixer
}

func (s *stageSet) skipped() []string {
	var out []string
	if s.matte == nil {
		out = append(out, operator.StageMatting)
	}
	if s.tts == nil {
		out = append(out, operator.StageTTS)
	}
	if s.prosody == nil {
		out = append(out, operator.StageProsody)
	}
	if s.mixer == nil {
		out = append(out, operator.StageBGMMix)
	}
	return out
}

// buildStages constructs the job's operators. The constructors revalidate
// every parameter, so this is also the submission-time parameter check:
// anything out of bounds comes back as an InvalidInput fault before a job
// is created.
func (c *Coordinator) buildStages(req Request) (*stageSet, error) {
	set := &stageSet{}

	var err error
	set.detector, err = operator.NewPersonDetector(c.gateway, c.store, req.Detector)
	if err != nil {
		return nil, err
	}
	if req.RemoveBackground {
		set.matte = operator.NewBackgroundRemover(c.gateway, c.store, operator.MatteParams{Smoothing: req.Smoothing}, c.logger)
	}
	if req.synthesizes() {
		params := operator.DefaultTTSParams()
		params.Text = req.Text
		params.Voice = req.Voice
		set.tts, err = operator.NewTTSSynthesizer(c.gateway, params)
		if err != nil {
			return nil, err
		}
		if !req.Plan.Identity() {
			set.prosody = operator.NewProsodyAdjuster(c.prosody, c.store, req.Plan)
		}
	}
	set.render, err = operator.NewTalkingHead(c.renderer, c.store, req.Quality)
	if err != nil {
		return nil, err
	}
	if req.BGMID != "" {
		if c.tracks == nil {
			return nil, fault.New(fault.KindInvalidInput, "bgm is not available on this deployment")
		}
		set.mixer, err = operator.NewBGMMixer(c.tracks, c.store, operator.MixerParams{
			TrackID:   req.BGMID,
			GainDB:    req.BGMGainDB,
			DuckRatio: req.DuckRatio,
		})
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

// execute walks the stage graph. The two branches run concurrently and
// the first failure cancels the sibling: the error that comes back from
// Wait is always the originating one.
func (c *Coordinator) execute(ctx context.Context, logger zerolog.Logger, id string, ops *stageSet, imageSHA, audioSHA, tmpDir string) error {
	if _, err := c.registry.Update(id, func(j *registry.Job) {
		j.Status = registry.StatusRunning
	}); err != nil {
		return err
	}

	var imageOut, audioOut string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := c.imageBranch(gctx, logger, id, ops, imageSHA, tmpDir)
		imageOut = out
		return err
	})
	g.Go(func() error {
		out, err := c.audioBranch(gctx, logger, id, ops, audioSHA, tmpDir)
		audioOut = out
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Merge barrier: the render needs both branch outputs materialized.
	in := operator.Inputs{
		TaskID: id,
		TmpDir: tmpDir,
		Artifacts: map[string]string{
			operator.SlotImage: imageOut,
			operator.SlotAudio: audioOut,
		},
	}
	if _, err := c.runStage(ctx, logger, id, ops.render, in, c.cfg.Stages.TalkingHead); err != nil {
		return err
	}

	if ops.mixer != nil {
		in = operator.Inputs{
			TaskID:    id,
			TmpDir:    tmpDir,
			Artifacts: map[string]string{operator.SlotAudio: audioOut},
		}
		if _, err := c.runStage(ctx, logger, id, ops.mixer, in, c.cfg.Stages.Mix); err != nil {
			return err
		}
	}
	return nil
}

// imageBranch runs detection and, when enabled, matting. It returns the
// digest of the frame the renderer should use.
func (c *Coordinator) imageBranch(ctx context.Context, logger zerolog.Logger, id string, ops *stageSet, imageSHA, tmpDir string) (string, error) {
	in := operator.Inputs{
		TaskID:    id,
		TmpDir:    tmpDir,
		Artifacts: map[string]string{operator.SlotImage: imageSHA},
	}
	detSHA, err := c.runStage(ctx, logger, id, ops.detector, in, c.cfg.Stages.Detection)
	if err != nil {
		return "", err
	}

	data, err := c.store.Get(detSHA)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "load detection artifact", err)
	}
	det, err := operator.DecodeDetections(data)
	if err != nil {
		return "", err
	}
	if det.PersonsDetected == 0 {
		return "", fault.AtStage(fault.New(fault.KindInvalidInput, "no person detected in the image"), operator.StageDetection)
	}
	logger.Debug().
		Str("event", "pipeline.persons_detected").
		Int("persons", det.PersonsDetected).
		Msg("detection complete")

	if ops.matte == nil {
		return imageSHA, nil
	}
	in = operator.Inputs{
		TaskID: id,
		TmpDir: tmpDir,
		Artifacts: map[string]string{
			operator.SlotImage:     imageSHA,
			operator.SlotDetection: detSHA,
		},
	}
	return c.runStage(ctx, logger, id, ops.matte, in, c.cfg.Stages.Matting)
}

// audioBranch synthesizes and reshapes the speech, or passes uploaded
// audio straight through. It returns the digest of the soundtrack the
// renderer should lip-sync to.
func (c *Coordinator) audioBranch(ctx context.Context, logger zerolog.Logger, id string, ops *stageSet, audioSHA, tmpDir string) (string, error) {
	if ops.tts == nil {
		return audioSHA, nil
	}
	in := operator.Inputs{
		TaskID:    id,
		TmpDir:    tmpDir,
		Artifacts: map[string]string{},
	}
	ttsSHA, err := c.runStage(ctx, logger, id, ops.tts, in, c.cfg.Stages.TTS)
	if err != nil {
		return "", err
	}
	if ops.prosody == nil {
		return ttsSHA, nil
	}
	in = operator.Inputs{
		TaskID:    id,
		TmpDir:    tmpDir,
		Artifacts: map[string]string{operator.SlotAudio: ttsSHA},
	}
	return c.runStage(ctx, logger, id, ops.prosody, in, c.cfg.Stages.Prosody)
}

// countingOperator records how many times Execute actually ran, so the
// stage status can report true attempts. Cache hits and shared flights
// leave it at zero.
type countingOperator struct {
	operator.Operator
	attempts atomic.Int32
}

func (o *countingOperator) Execute(ctx context.Context, in operator.Inputs) (*operator.Result, error) {
	o.attempts.Add(1)
	return o.Operator.Execute(ctx, in)
}

// runStage executes one stage: fingerprint, cache lookup, admission,
// retries, artifact bookkeeping, status transitions. The cache put of a
// produced artifact happens inside the resolver flight, strictly before
// the stage is marked done.
func (c *Coordinator) runStage(ctx context.Context, logger zerolog.Logger, id string, op operator.Operator, in operator.Inputs, timeout time.Duration) (string, error) {
	meta := op.Meta()
	ctx, span := c.tracer.Start(ctx, "pipeline."+meta.ID)
	defer span.End()

	if _, err := c.registry.Update(id, func(j *registry.Job) {
		j.Stages[meta.ID] = registry.StageStatus{State: registry.StageRunning}
	}); err != nil {
		return "", err
	}
	started := time.Now()
	counted := &countingOperator{Operator: op}

	fp, err := op.Fingerprint(in)
	if err != nil {
		err = fault.AtStage(err, meta.ID)
		return "", c.failStage(span, logger, id, meta.ID, started, 0, err)
	}

	pol := operator.Policy{StageTimeout: timeout}
	produce := func(pctx context.Context) (cache.Entry, error) {
		var res *operator.Result
		exec := func(ectx context.Context) error {
			r, rerr := operator.Run(ectx, logger, counted, in, pol)
			if rerr != nil {
				return rerr
			}
			res = r
			return nil
		}
		var perr error
		if meta.Model != "" {
			perr = c.gpu.RunWithRequeue(pctx, meta.Model, exec)
		} else {
			perr = exec(pctx)
		}
		if perr != nil {
			return cache.Entry{}, perr
		}

		sha, serr := c.store.Put(res.Data)
		if serr != nil {
			return cache.Entry{}, fault.AtStage(fault.Wrap(fault.KindInternal, "store stage artifact", serr), meta.ID)
		}
		// Uncached artifacts only need to outlive the job; its references
		// protect them until the registry reaps it.
		ttl := meta.TTL
		if ttl <= 0 {
			ttl = c.cfg.JobDeadline
		}
		c.track(sha, meta.ID, int64(len(res.Data)), ttl, time.Now())
		return cache.Entry{SHA: sha, Stage: meta.ID, SizeBytes: int64(len(res.Data)), Meta: res.Meta}, nil
	}

	var (
		entry   cache.Entry
		outcome string
	)
	if meta.Cacheable {
		entry, outcome, err = c.resolver.GetOrProduce(ctx, fp, meta.ID, meta.TTL, produce)
		if err == nil && outcome == cache.OutcomeHit && !c.store.Has(entry.SHA) {
			// A hit whose blob was swept is a miss.
			c.resolver.Invalidate(fp)
			entry, err = produce(ctx)
			outcome = cache.OutcomeMiss
		}
	} else {
		entry, err = produce(ctx)
	}
	attempts := int(counted.attempts.Load())
	if err != nil {
		return "", c.failStage(span, logger, id, meta.ID, started, attempts, err)
	}

	c.addRef(entry.SHA)
	if outcome == cache.OutcomeHit {
		if terr := c.index.Touch(entry.SHA, time.Now()); terr != nil {
			logger.Warn().Err(terr).Str("sha", entry.SHA).Msg("touch artifact")
		}
	}

	state := registry.StageSucceeded
	if outcome == cache.OutcomeHit {
		state = registry.StageCached
	}
	elapsed := time.Since(started)
	if _, uerr := c.registry.Update(id, func(j *registry.Job) {
		j.Stages[meta.ID] = registry.StageStatus{
			State:      state,
			Attempts:   attempts,
			DurationMS: elapsed.Milliseconds(),
		}
		j.Artifacts[meta.ID] = entry.SHA
	}); uerr != nil {
		return "", uerr
	}

	metrics.ObserveStageDuration(meta.ID, elapsed)
	span.SetAttributes(telemetry.StageAttributes(meta.ID, attempts, outcome)...)
	logger.Info().
		Str("event", "pipeline.stage_done").
		Str("stage", meta.ID).
		Str("state", string(state)).
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("stage finished")
	return entry.SHA, nil
}

// failStage records the stage failure and passes the error through for
// the branch to abort on.
func (c *Coordinator) failStage(span trace.Span, logger zerolog.Logger, id, stage string, started time.Time, attempts int, err error) error {
	desc := registry.Describe(err)
	elapsed := time.Since(started)
	_, _ = c.registry.Update(id, func(j *registry.Job) {
		j.Stages[stage] = registry.StageStatus{
			State:      registry.StageFailed,
			Attempts:   attempts,
			DurationMS: elapsed.Milliseconds(),
			Error:      desc.Message,
		}
	})
	metrics.RecordStageError(stage, string(desc.Kind))
	span.RecordError(err)
	span.SetAttributes(telemetry.ErrorAttributes(err, string(desc.Kind))...)
	logger.Warn().
		Err(err).
		Str("event", "pipeline.stage_failed").
		Str("stage", stage).
		Str("kind", string(desc.Kind)).
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("stage failed")
	return err
}
