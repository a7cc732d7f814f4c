// Package history keeps a bounded, per-room log of published events so a
// resuming client can be sent what it missed.
//
// Invariants:
// - A room holds at most Size entries; appending past the bound drops the
//   oldest entry.
// - Timestamps within a room never decrease, so a room is always sorted.
// - Entries are immutable once appended; queries return copies.
// - A sweep that empties a room deletes it without losing an append that
//   races with the deletion.
package history

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultSize is the per-room bound.
const DefaultSize = 100

// Config configures a Buffer.
type Config struct {
	Size   int
	Now    func() time.Time
	Logger zerolog.Logger
}

type room struct {
	mu      sync.Mutex
	entries []protocol.HistoryEntry
	deleted bool
}

// Buffer is the set of room histories.
type Buffer struct {
	rooms  sync.Map
	size   int
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an empty buffer.
func New(cfg Config) *Buffer {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Buffer{
		size:   cfg.Size,
		now:    cfg.Now,
		logger: cfg.Logger.With().Str("component", "history").Logger(),
	}
}

// Now reads the clock entries are stamped with.
func (b *Buffer) Now() time.Time {
	return b.now()
}

// Size returns the per-room bound.
func (b *Buffer) Size() int {
	return b.size
}

// lockRoom returns the locked live room, creating it when create is set.
func (b *Buffer) lockRoom(roomID string, create bool) *room {
	for {
		var r *room
		if create {
			v, _ := b.rooms.LoadOrStore(roomID, &room{})
			r = v.(*room)
		} else {
			v, ok := b.rooms.Load(roomID)
			if !ok {
				return nil
			}
			r = v.(*room)
		}

		r.mu.Lock()
		if !r.deleted {
			return r
		}
		r.mu.Unlock()
		if !create {
			return nil
		}
		b.rooms.CompareAndDelete(roomID, r)
	}
}

// Append records an event for roomID and returns the stored entry. The
// timestamp is the current time, raised to the room's newest timestamp if
// the clock went backwards.
func (b *Buffer) Append(roomID, eventName string, payload json.RawMessage) (protocol.HistoryEntry, error) {
	if roomID == "" {
		return protocol.HistoryEntry{}, errors.New("history: room id is required")
	}
	if eventName == "" {
		return protocol.HistoryEntry{}, errors.New("history: event name is required")
	}

	r := b.lockRoom(roomID, true)
	defer r.mu.Unlock()

	ts := b.now().UnixMilli()
	if n := len(r.entries); n > 0 && r.entries[n-1].Timestamp > ts {
		ts = r.entries[n-1].Timestamp
	}

	entry := protocol.HistoryEntry{
		RoomID:    roomID,
		EventName: eventName,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: ts,
	}
	if len(payload) == 0 {
		entry.Payload = nil
	}

	evicted := 0
	if len(r.entries) >= b.size {
		evicted = len(r.entries) - b.size + 1
		kept := make([]protocol.HistoryEntry, b.size-1, b.size)
		copy(kept, r.entries[evicted:])
		r.entries = kept
	}
	r.entries = append(r.entries, entry)

	observability.RecordHistoryAppend(evicted)
	return entry, nil
}

// Since returns the entries of roomID with a timestamp strictly after
// cutoff (Unix milliseconds), oldest first.
func (b *Buffer) Since(roomID string, cutoff int64) []protocol.HistoryEntry {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return nil
	}
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Timestamp > cutoff
	})
	if i == len(r.entries) {
		return nil
	}
	out := make([]protocol.HistoryEntry, len(r.entries)-i)
	copy(out, r.entries[i:])
	return out
}

// SinceRooms concatenates Since for each room, in the order given.
func (b *Buffer) SinceRooms(roomIDs []string, cutoff int64) []protocol.HistoryEntry {
	var out []protocol.HistoryEntry
	for _, roomID := range roomIDs {
		out = append(out, b.Since(roomID, cutoff)...)
	}
	return out
}

// Sweep drops entries older than maxAge and deletes rooms left empty. It
// returns the number of dropped entries.
func (b *Buffer) Sweep(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge).UnixMilli()
	dropped, removedRooms := 0, 0

	b.rooms.Range(func(key, value interface{}) bool {
		r := value.(*room)
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.deleted {
			return true
		}

		i := sort.Search(len(r.entries), func(i int) bool {
			return r.entries[i].Timestamp >= cutoff
		})
		if i > 0 {
			dropped += i
			r.entries = append([]protocol.HistoryEntry(nil), r.entries[i:]...)
		}
		if len(r.entries) == 0 {
			r.deleted = true
			b.rooms.CompareAndDelete(key, r)
			removedRooms++
		}
		return true
	})

	observability.RecordHistorySweep(dropped)
	if dropped > 0 || removedRooms > 0 {
		b.logger.Debug().
			Int("dropped", dropped).
			Int("roomsRemoved", removedRooms).
			Msg("History swept")
	}
	return dropped
}

// Len returns the number of entries held for roomID.
func (b *Buffer) Len(roomID string) int {
	r := b.lockRoom(roomID, false)
	if r == nil {
		return 0
	}
	defer r.mu.Unlock()
	return len(r.entries)
}

// Rooms returns the ids of rooms with history, sorted.
func (b *Buffer) Rooms() []string {
	var out []string
	b.rooms.Range(func(key, value interface{}) bool {
		r := value.(*room)
		r.mu.Lock()
		if !r.deleted {
			out = append(out, key.(string))
		}
		r.mu.Unlock()
		return true
	})
	sort.Strings(out)
	return out
}
