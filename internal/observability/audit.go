package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/tether/internal/tracing"
	"github.com/rs/zerolog"
)

// Audit record kinds.
const (
	AuditSession  = "session"
	AuditSecurity = "security"
	AuditConfig   = "config"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type         string
	Timestamp    time.Time
	Actor        string // user id, or the connection id before authentication
	Action       string // "authenticate", "session.resume", "session.expired", ...
	Status       string // "success" or "failure"
	ConnectionID string
	TraceID      string
	Metadata     map[string]interface{}
}

// AuditLogger appends session and security events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = newAuditLogger(os.Stderr, nil)
)

func newAuditLogger(w io.Writer, c io.Closer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		closer: c,
	}
}

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds it writes to stderr.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger points the audit log at path, creating its directory.
// The file is owner-readable only since it records user ids.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	auditMu.Lock()
	auditInst = newAuditLogger(file, file)
	auditMu.Unlock()
	return nil
}

// Record writes event, filling timestamp, trace id and connection id from ctx
// when they are unset.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	if event.ConnectionID == "" {
		event.ConnectionID = tracing.GetConnectionID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status).
		Time("at", event.Timestamp)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.ConnectionID != "" {
		entry = entry.Str("connection_id", event.ConnectionID)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Fields(event.Metadata)
	}
	entry.Send()
}

// Close releases the audit file, if any. Later records go to stderr.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	closer := a.closer
	a.closer = nil
	a.logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	a.mu.Unlock()

	if closer == nil {
		return nil
	}
	return closer.Close()
}

// RecordSessionAudit records authenticate, resume and expiry outcomes.
func RecordSessionAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSession,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordConfigAudit records a configuration change applied at runtime.
func RecordConfigAudit(ctx context.Context, action string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Actor:    "daemon",
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
