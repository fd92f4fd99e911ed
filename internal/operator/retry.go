// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultInitialWait = 500 * time.Millisecond
)

// Policy bounds one stage execution.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// Initial is the first backoff interval; it doubles per retry with
	// ±20% jitter.
	Initial time.Duration
	// StageTimeout is the per-attempt deadline. 0 disables it.
	StageTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitialWait
	}
	return p
}

// Run executes the operator under the stage retry policy. Only retriable
// faults are tried again; validation and confidence outcomes propagate
// immediately. Each attempt runs under its own stage deadline, and the
// job context ending stops the loop at once.
func Run(ctx context.Context, logger zerolog.Logger, op Operator, in Inputs, pol Policy) (*Result, error) {
	pol = pol.withDefaults()
	meta := op.Meta()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.Initial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var (
		res     *Result
		attempt int
	)
	operation := func() error {
		attempt++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if pol.StageTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.StageTimeout)
		}
		r, err := op.Execute(attemptCtx, in)
		cancel()
		if err == nil {
			res = r
			return nil
		}
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			// The stage deadline ended this attempt, not the job.
			err = fault.Wrap(fault.KindTimeout, "attempt deadline exceeded", err)
		}
		if ctx.Err() != nil || !fault.Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordStageRetry(meta.ID)
		logger.Warn().Err(err).Str("stage", meta.ID).Int("attempt", attempt).
			Dur("backoff", wait).Msg("stage attempt failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(pol.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, fault.AtStage(err, meta.ID)
	}
	return res, nil
}
