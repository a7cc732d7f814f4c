package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/tether/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	before := testutil.ToFloat64(m.resumeTotal.WithLabelValues("success"))
	RecordResume("success", 3)
	assert.Equal(t, before+1, testutil.ToFloat64(m.resumeTotal.WithLabelValues("success")))

	SetOutboxPending(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.outboxPending))

	evictedBefore := testutil.ToFloat64(m.historyEvictions.WithLabelValues("capacity"))
	RecordHistoryAppend(1)
	RecordHistoryAppend(0)
	assert.Equal(t, evictedBefore+1, testutil.ToFloat64(m.historyEvictions.WithLabelValues("capacity")))

	RecordHeartbeatRTT(15 * time.Millisecond)
	RecordQueueCompletion("outbox.flush", time.Millisecond, true, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.queueSize.WithLabelValues("outbox.flush")))
}

func TestMetricsHandler(t *testing.T) {
	RecordReconnectAttempt()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconnect_attempts_total")
}

func TestAuditLogger_WritesTraceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer GetAuditLogger().Close()

	ctx := tracing.WithTraceID(context.Background(), "trace-42")
	RecordSessionAudit(ctx, "resume", "user-1", "success", map[string]interface{}{"rooms": 2})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trace_id":"trace-42"`)
	assert.Contains(t, string(data), `"action":"resume"`)
	assert.Contains(t, string(data), `"type":"session"`)
}

func TestAuditLogger_ConfigEventAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	require.NoError(t, InitAuditLogger(path))

	ctx := tracing.WithConnectionID(context.Background(), "conn-7")
	RecordConfigAudit(ctx, "config.reload", map[string]interface{}{"level": "debug"})
	require.NoError(t, GetAuditLogger().Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"config"`)
	assert.Contains(t, string(data), `"connection_id":"conn-7"`)
	assert.Contains(t, string(data), `"level":"debug"`)

	assert.NoError(t, GetAuditLogger().Close())
}
