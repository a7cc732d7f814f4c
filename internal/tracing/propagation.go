package tracing

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// TraceHeader carries the trace ID across HTTP hops.
const TraceHeader = "X-Trace-Id"

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.ConnectionID != "" {
		logger = logger.With().Str("connection_id", tc.ConnectionID).Logger()
	}
	if tc.UserID != "" {
		logger = logger.With().Str("user_id", tc.UserID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
// without overwriting values target already has.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.ConnectionID != "" && GetConnectionID(target) == "" {
		target = WithConnectionID(target, tc.ConnectionID)
	}
	if tc.UserID != "" && GetUserID(target) == "" {
		target = WithUserID(target, tc.UserID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// CloneContext detaches tracing information from ctx's cancellation.
func CloneContext(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// InjectHeader writes the context's trace ID into h.
func InjectHeader(ctx context.Context, h http.Header) {
	if traceID := GetTraceID(ctx); traceID != "" {
		h.Set(TraceHeader, traceID)
	}
}

// ExtractHeader returns ctx carrying the trace ID from h, or a fresh one.
func ExtractHeader(ctx context.Context, h http.Header) context.Context {
	if traceID := h.Get(TraceHeader); traceID != "" {
		return WithTraceID(ctx, traceID)
	}
	return NewRequestContext(ctx)
}
