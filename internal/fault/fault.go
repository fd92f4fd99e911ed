// SPDX-License-Identifier: MIT

// Package fault defines the error taxonomy shared by the pipeline, its
// operators and the HTTP surface. Every error that crosses a component
// boundary is classified into a Kind; the retry loop and the API error
// envelope are both driven off that classification.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error. The values double as the wire codes of the
// API error envelope.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindFileTooLarge      Kind = "FILE_TOO_LARGE"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindUpstreamFailed    Kind = "UPSTREAM_FAILED"
	KindTimeout           Kind = "TIMEOUT"
	KindCancelled         Kind = "CANCELLED"
	KindNotFound          Kind = "NOT_FOUND"
	KindTransient         Kind = "TRANSIENT"
	KindInternal          Kind = "INTERNAL"
)

// String returns the wire representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// defaultRetriable is the retry default per kind; individual errors may
// override it (e.g. an upstream 404 is UPSTREAM_FAILED but final).
func (k Kind) defaultRetriable() bool {
	switch k {
	case KindTransient, KindTimeout, KindUpstreamFailed, KindResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is the taxonomy-aware error carried between components.
type Error struct {
	Kind      Kind
	Stage     string // pipeline stage that produced the error, if any
	Msg       string
	Retriable bool
	Err       error // wrapped cause
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("stage %s: %s", e.Stage, msg)
	}
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a fresh error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Retriable: kind.defaultRetriable()}
}

// Newf builds a fresh error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Retriable: kind.defaultRetriable(), Err: err}
}

// Final marks the error non-retriable regardless of kind default.
func (e *Error) Final() *Error {
	e.Retriable = false
	return e
}

// AtStage annotates the error with the pipeline stage it came from.
// Already-annotated errors keep their original stage.
func AtStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage == "" {
			fe.Stage = stage
		}
		return err
	}
	return &Error{Kind: classify(err), Stage: stage, Retriable: classify(err).defaultRetriable(), Err: err}
}

// KindOf extracts the kind of any error. Context errors map to
// CANCELLED / TIMEOUT; everything unclassified is INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Retriable reports whether the error may be retried by a stage retry loop.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retriable
	}
	return classify(err).defaultRetriable()
}

// IsTerminalKind reports whether the kind describes a user-visible terminal
// outcome rather than an internal intermediate classification.
func IsTerminalKind(k Kind) bool {
	return k != KindTransient && k != ""
}
