// SPDX-License-Identifier: MIT

package talkinghead

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Sentinel errors for errors.Is checks at the operator boundary.
	ErrUnavailable      = errors.New("talkinghead: provider unreachable or transport failure")
	ErrProviderRejected = errors.New("talkinghead: provider rejected the request")
	ErrTaskFailed       = errors.New("talkinghead: provider reported the render failed")
	ErrBadResponse      = errors.New("talkinghead: invalid response format or malformed data")
	ErrDeadline         = errors.New("talkinghead: render deadline exceeded")
)

// ProviderError wraps a sentinel with request context.
type ProviderError struct {
	Sentinel   error
	Operation  string
	Status     int
	Message    string
	RetryAfter time.Duration // from a 429 Retry-After header, 0 otherwise
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("talkinghead: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Sentinel
}
