// SPDX-License-Identifier: MIT

package operator

import (
	"context"
	"errors"
	"fmt"

	"github.com/wishreel/wishreel/internal/admission"
	"github.com/wishreel/wishreel/internal/fault"
	"github.com/wishreel/wishreel/internal/inference"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

// classifyGateway maps inference gateway failures onto the fault taxonomy.
// Context endings pass through untouched so the caller's cancellation
// handling still sees them.
func classifyGateway(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, inference.ErrModelOOM):
		// Chain the admission sentinel so the requeue helper can spot it.
		return fault.Wrap(fault.KindResourceExhausted, operation+" ran out of device memory",
			fmt.Errorf("%w: %w", admission.ErrOOM, err))
	case errors.Is(err, inference.ErrRejected):
		return fault.Wrap(fault.KindInvalidInput, operation+" rejected by gateway", err)
	case errors.Is(err, inference.ErrBadResponse):
		return fault.Wrap(fault.KindUpstreamFailed, operation+" returned a malformed response", err).Final()
	case errors.Is(err, inference.ErrProviderUnavailable),
		errors.Is(err, inference.ErrOverloaded),
		errors.Is(err, inference.ErrUnavailable),
		errors.Is(err, inference.ErrInternal):
		return fault.Wrap(fault.KindUpstreamFailed, operation+" unavailable", err)
	default:
		return fault.Wrap(fault.KindUpstreamFailed, operation+" failed", err)
	}
}

// classifyProvider maps talking-head provider failures onto the fault
// taxonomy. Render deadline overruns stay retriable at the stage level;
// explicit provider verdicts do not.
func classifyProvider(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, talkinghead.ErrDeadline):
		return fault.Wrap(fault.KindTimeout, "render did not finish in time", err)
	case errors.Is(err, talkinghead.ErrTaskFailed):
		return fault.Wrap(fault.KindUpstreamFailed, "provider reported the render failed", err).Final()
	case errors.Is(err, talkinghead.ErrProviderRejected):
		return fault.Wrap(fault.KindUpstreamFailed, "provider rejected the submission", err).Final()
	case errors.Is(err, talkinghead.ErrBadResponse):
		return fault.Wrap(fault.KindUpstreamFailed, "provider returned a malformed response", err).Final()
	default:
		return fault.Wrap(fault.KindUpstreamFailed, "provider request failed", err)
	}
}
