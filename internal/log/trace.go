// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// WithTraceContext returns a logger enriched with the active span's trace_id
// and span_id so log lines can be joined with traces. Falls back to the base
// logger when no valid span is recorded on ctx.
func WithTraceContext(ctx context.Context) zerolog.Logger {
	l := logger()
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return WithContext(ctx, l)
	}
	return WithContext(ctx, l.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger())
}
