package tracing

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithConnectionID(WithTraceID(context.Background(), "trace-1"), "conn-1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-1"`) {
		t.Errorf("Expected trace_id in output, got %s", out)
	}
	if !strings.Contains(out, `"connection_id":"conn-1"`) {
		t.Errorf("Expected connection_id in output, got %s", out)
	}
}

func TestMergeContextKeepsTarget(t *testing.T) {
	target := WithTraceID(context.Background(), "target")
	source := WithUserID(WithTraceID(context.Background(), "source"), "u1")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "target" {
		t.Errorf("Expected target trace ID to win, got %s", GetTraceID(merged))
	}
	if GetUserID(merged) != "u1" {
		t.Errorf("Expected user ID u1, got %s", GetUserID(merged))
	}
}

func TestCloneContextDetachesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(WithTraceID(context.Background(), "t"))
	cancel()

	clone := CloneContext(ctx)
	if clone.Err() != nil {
		t.Error("Expected clone to be live")
	}
	if GetTraceID(clone) != "t" {
		t.Errorf("Expected trace ID t, got %s", GetTraceID(clone))
	}
}

func TestHeaderPropagation(t *testing.T) {
	h := http.Header{}
	InjectHeader(WithTraceID(context.Background(), "abc"), h)

	if h.Get(TraceHeader) != "abc" {
		t.Fatalf("Expected header abc, got %s", h.Get(TraceHeader))
	}

	ctx := ExtractHeader(context.Background(), h)
	if GetTraceID(ctx) != "abc" {
		t.Errorf("Expected trace ID abc, got %s", GetTraceID(ctx))
	}

	fresh := ExtractHeader(context.Background(), http.Header{})
	if GetTraceID(fresh) == "" {
		t.Error("Expected a generated trace ID")
	}
}
