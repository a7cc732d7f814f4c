package connection

import (
	"context"
	"time"

	"github.com/harun/tether/pkg/protocol"
)

type resumeOutcome struct {
	resp protocol.ReconnectResponse
}

// resume asks the server to carry the previous session over to conn. A
// refusal is not an error: it ends up as a session reset.
func (m *Manager) resume(ctx context.Context, conn *rpcConn, oldID string, since time.Time) (*resumeOutcome, error) {
	req := protocol.ReconnectRequest{OldConnectionID: oldID}
	if !since.IsZero() {
		// History queries are strict; include events stamped in the
		// millisecond of the last good frame.
		ms := since.UnixMilli() - 1
		req.Since = &ms
	}

	var resp protocol.ReconnectResponse
	if err := conn.Call(ctx, protocol.MethodReconnect, req, &resp); err != nil {
		return nil, err
	}
	return &resumeOutcome{resp: resp}, nil
}

// applyResume publishes the replay before any live event of the new
// connection is released.
func (m *Manager) applyResume(connID, oldID string, outcome *resumeOutcome) {
	resp := outcome.resp

	if !resp.Success {
		m.mu.Lock()
		m.rooms = make(map[string]struct{})
		m.mu.Unlock()

		m.logger.Warn().
			Str("oldConnectionId", oldID).
			Str("reason", resp.Error).
			Msg("Session could not be resumed, starting fresh")
		m.bus.Publish(TopicSessionReset, SessionReset{OldConnectionID: oldID, Reason: resp.Error})
		return
	}

	m.setRooms(resp.Rooms)

	for _, entry := range resp.MissedMessages {
		m.markGood(time.UnixMilli(entry.Timestamp))
		m.bus.Publish(TopicRoomEvent, RoomEvent{
			Room:      entry.RoomID,
			Event:     entry.EventName,
			Data:      entry.Payload,
			Timestamp: time.UnixMilli(entry.Timestamp),
			Replayed:  true,
		})
	}

	m.logger.Info().
		Str("oldConnectionId", oldID).
		Strs("rooms", resp.Rooms).
		Int("missed", len(resp.MissedMessages)).
		Msg("Session resumed")

	m.bus.Publish(TopicResumed, Resumed{
		ConnectionID:    connID,
		OldConnectionID: oldID,
		Rooms:           resp.Rooms,
		Missed:          len(resp.MissedMessages),
	})
}
