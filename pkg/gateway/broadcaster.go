package gateway

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/history"
	"github.com/harun/tether/pkg/protocol"
	"github.com/rs/zerolog"
)

// EventBroadcaster records room events into history and fans them out to
// the room's live members.
type EventBroadcaster struct {
	clients *ClientRegistry
	history *history.Buffer
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, buffer *history.Buffer, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		history: buffer,
		logger:  logger,
	}
}

// Publish appends the event to the room history, then writes it to every
// member. The history append happens first so a client resuming
// concurrently sees the event either live or in its replay.
func (b *EventBroadcaster) Publish(room, event string, payload json.RawMessage) (protocol.HistoryEntry, error) {
	if room == "" || event == "" {
		return protocol.HistoryEntry{}, errors.New("room and event are required")
	}

	entry, err := b.history.Append(room, event, payload)
	if err != nil {
		return protocol.HistoryEntry{}, err
	}

	msg := protocol.Event{
		Type:      "event",
		Event:     event,
		Room:      room,
		Data:      entry.Payload,
		Timestamp: entry.Timestamp,
		Seq:       b.nextSeq(),
	}
	delivered := b.send(b.clients.Members(room), msg)
	observability.RecordPublishedEvent(event, delivered)
	return entry, nil
}

// Notify sends a connection-level event to one client.
func (b *EventBroadcaster) Notify(client *Client, event string, data interface{}) error {
	msg, err := b.connectionEvent(event, data)
	if err != nil {
		return err
	}
	return client.WriteJSON(msg)
}

// Broadcast sends a connection-level event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg, err := b.connectionEvent(event, data)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}
	b.send(b.clients.GetAuthenticatedClients(), msg)
}

func (b *EventBroadcaster) connectionEvent(event string, data interface{}) (protocol.Event, error) {
	msg := protocol.Event{
		Type:      "event",
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return protocol.Event{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}

func (b *EventBroadcaster) send(clients []*Client, msg protocol.Event) int {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("room", msg.Room).
			Msg("Failed to marshal event")
		return 0
	}

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Str("room", msg.Room).
			Int64("seq", msg.Seq).
			Msg("No live clients to deliver to")
		return 0
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Str("room", msg.Room).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver event")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("room", msg.Room).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event delivery complete")
	return successCount
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
