// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"errors"
	"time"

	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/metrics"
)

// ErrOOM marks a device out-of-memory failure. Callers wrap the upstream
// error with it to request a requeue instead of a hard failure.
var ErrOOM = errors.New("admission: device out of memory")

const maxRequeues = 2

var requeueBase = time.Second

// RunWithRequeue acquires a reservation for model, runs fn, and releases.
// When fn fails with ErrOOM the reservation is given back and the run is
// requeued after a backoff, at most maxRequeues times.
func (c *Controller) RunWithRequeue(ctx context.Context, model string, fn func(context.Context) error) error {
	delay := requeueBase
	for attempt := 0; ; attempt++ {
		t, err := c.Acquire(ctx, model)
		if err != nil {
			return err
		}
		err = fn(ctx)
		t.Release()

		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrOOM) || attempt >= maxRequeues {
			return err
		}

		metrics.RecordAdmissionRequeue(model)
		c.logger.Warn().
			Str("model", model).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("device out of memory, requeueing")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fault.Wrap(fault.KindOf(ctx.Err()), "requeue backoff interrupted", ctx.Err())
		}
		delay *= 2
	}
}
