// Package resume implements the server side of session resumption: it
// validates the previous session, moves it to the new connection, rejoins
// its rooms and replays what the client missed.
package resume

import (
	"context"
	"errors"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/history"
	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/session"
	"github.com/rs/zerolog"
)

// Outcomes recorded in metrics and the audit log.
const (
	OutcomeResumed  = "resumed"
	OutcomeNotFound = "not_found"
	OutcomeExpired  = "expired"
)

// RoomJoiner attaches a live connection to a room's fan-out.
type RoomJoiner interface {
	JoinRoom(connID, room string)
}

// Config configures a Service.
type Config struct {
	Registry *session.Registry
	History  *history.Buffer
	Joiner   RoomJoiner
	// Timeout is how long after its last activity a session can be resumed.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Service answers reconnect and missed-messages requests.
type Service struct {
	registry *session.Registry
	history  *history.Buffer
	joiner   RoomJoiner
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates a service.
func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("resume: registry is required")
	}
	if cfg.History == nil {
		return nil, errors.New("resume: history is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = session.DefaultTimeout
	}
	observability.EnsureRegistered()

	return &Service{
		registry: cfg.Registry,
		history:  cfg.History,
		joiner:   cfg.Joiner,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "resume").Logger(),
	}, nil
}

// Timeout returns the session timeout.
func (s *Service) Timeout() time.Duration {
	return s.timeout
}

// Resume carries the session named by req over to newConnID. Failures are
// reported in the response, never as a Go error: the client starts fresh.
func (s *Service) Resume(ctx context.Context, newConnID, userID string, req protocol.ReconnectRequest) protocol.ReconnectResponse {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	sess, err := s.registry.Resume(req.OldConnectionID, newConnID, userID, s.timeout)
	if err != nil {
		outcome, message := OutcomeNotFound, protocol.ResumeErrNotFound
		if errors.Is(err, session.ErrSessionExpired) {
			outcome, message = OutcomeExpired, protocol.ResumeErrExpired
		}
		observability.RecordResume(outcome, 0)
		observability.RecordSessionAudit(ctx, "session.resume", userID, "failure", map[string]interface{}{
			"oldConnectionId": req.OldConnectionID,
			"connectionId":    newConnID,
			"reason":          message,
		})
		logger.Info().
			Str("oldConnectionId", req.OldConnectionID).
			Str("outcome", outcome).
			Msg("Resume refused")
		return protocol.ReconnectResponse{Success: false, Error: message}
	}

	if s.joiner != nil {
		for _, room := range sess.Rooms {
			s.joiner.JoinRoom(newConnID, room)
		}
	}

	var missed []protocol.HistoryEntry
	if req.Since != nil {
		missed = s.history.SinceRooms(sess.Rooms, *req.Since)
	}
	if missed == nil {
		missed = []protocol.HistoryEntry{}
	}

	observability.RecordResume(OutcomeResumed, len(missed))
	observability.RecordSessionAudit(ctx, "session.resume", userID, "success", map[string]interface{}{
		"oldConnectionId": req.OldConnectionID,
		"connectionId":    newConnID,
		"rooms":           len(sess.Rooms),
		"missed":          len(missed),
	})
	logger.Info().
		Str("oldConnectionId", req.OldConnectionID).
		Strs("rooms", sess.Rooms).
		Int("missed", len(missed)).
		Msg("Session resumed")

	return protocol.ReconnectResponse{
		Success:        true,
		Rooms:          sess.Rooms,
		MissedMessages: missed,
	}
}

// Missed returns the history of connID's rooms after since.
func (s *Service) Missed(connID string, since int64) (protocol.MissedMessagesResponse, error) {
	sess, err := s.registry.Get(connID)
	if err != nil {
		return protocol.MissedMessagesResponse{}, err
	}
	messages := s.history.SinceRooms(sess.Rooms, since)
	if messages == nil {
		messages = []protocol.HistoryEntry{}
	}
	return protocol.MissedMessagesResponse{Success: true, Messages: messages}, nil
}
