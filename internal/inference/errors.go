// SPDX-License-Identifier: MIT

package inference

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the operator boundary.
	ErrUnavailable         = errors.New("inference: gateway unreachable or transport failure")
	ErrRejected            = errors.New("inference: request rejected by gateway")
	ErrOverloaded          = errors.New("inference: gateway overloaded")
	ErrInternal            = errors.New("inference: gateway internal error")
	ErrBadResponse         = errors.New("inference: invalid response format or malformed data")
	ErrModelOOM            = errors.New("inference: model device out of memory")
	ErrProviderUnavailable = errors.New("inference: voice provider unavailable")
)

// GatewayError wraps a sentinel with request context.
type GatewayError struct {
	Sentinel  error
	Operation string
	Status    int
	Code      string // gateway error code, if the body carried one
	Message   string
	Err       error // nested lower-level error (e.g. net.Error)
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("inference: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Sentinel
}
