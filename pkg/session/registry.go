package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultTimeout is how long a disconnected session stays resumable.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrSessionNotFound is returned for unknown connection ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session outlived the timeout.
	ErrSessionExpired = errors.New("session expired")
)

// Session is a snapshot of a registry entry.
type Session struct {
	ConnectionID   string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	AgentID        string    `json:"agentId,omitempty"`
	Rooms          []string  `json:"rooms"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Age is the time since the last activity.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

type record struct {
	userID       string
	agentID      string
	rooms        map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
}

// slot guards one key. A deleted slot is left for whoever still holds it
// and is replaced on the next insert.
type slot struct {
	mu      sync.Mutex
	rec     *record
	deleted bool
}

// Config configures a Registry.
type Config struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

// Registry holds sessions by connection id.
type Registry struct {
	slots  sync.Map
	count  atomic.Int64
	now    func() time.Time
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Registry{
		now:    cfg.Now,
		logger: cfg.Logger.With().Str("component", "session").Logger(),
	}
}

func validateConnectionID(connID string) error {
	if connID == "" {
		return fmt.Errorf("connection id cannot be empty")
	}
	return nil
}

// lock returns the locked live slot of connID, or nil.
func (r *Registry) lock(connID string) *slot {
	v, ok := r.slots.Load(connID)
	if !ok {
		return nil
	}
	s := v.(*slot)
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil
	}
	return s
}

// lockOrCreate returns the locked slot of connID, inserting an empty one.
// The caller fills rec when it is nil.
func (r *Registry) lockOrCreate(connID string) *slot {
	for {
		fresh := &slot{}
		v, _ := r.slots.LoadOrStore(connID, fresh)
		s := v.(*slot)
		s.mu.Lock()
		if !s.deleted {
			return s
		}
		s.mu.Unlock()
		r.slots.CompareAndDelete(connID, s)
	}
}

// deleteLocked removes a slot whose lock the caller holds.
func (r *Registry) deleteLocked(connID string, s *slot) {
	s.deleted = true
	s.rec = nil
	r.slots.CompareAndDelete(connID, s)
	observability.SetActiveSessions(int(r.count.Add(-1)))
}

func (r *Registry) touchLocked(rec *record) {
	now := r.now()
	if now.After(rec.lastActivity) {
		rec.lastActivity = now
	}
}

// Authenticate creates the session of connID or refreshes it.
func (r *Registry) Authenticate(connID, userID, agentID string) (Session, error) {
	if err := validateConnectionID(connID); err != nil {
		return Session{}, err
	}
	if userID == "" {
		return Session{}, fmt.Errorf("user id cannot be empty")
	}

	s := r.lockOrCreate(connID)
	defer s.mu.Unlock()

	if s.rec == nil {
		now := r.now()
		s.rec = &record{
			userID:       userID,
			agentID:      agentID,
			rooms:        make(map[string]struct{}),
			createdAt:    now,
			lastActivity: now,
		}
		observability.SetActiveSessions(int(r.count.Add(1)))
		r.logger.Debug().Str("connectionId", connID).Str("userId", userID).Msg("Session created")
		return snapshot(connID, s.rec), nil
	}

	s.rec.userID = userID
	if agentID != "" {
		s.rec.agentID = agentID
	}
	r.touchLocked(s.rec)
	return snapshot(connID, s.rec), nil
}

// Touch refreshes LastActivityAt.
func (r *Registry) Touch(connID string) error {
	s := r.lock(connID)
	if s == nil {
		return ErrSessionNotFound
	}
	defer s.mu.Unlock()

	r.touchLocked(s.rec)
	return nil
}

// JoinRoom adds room to the session and returns its rooms.
func (r *Registry) JoinRoom(connID, room string) ([]string, error) {
	if room == "" {
		return nil, fmt.Errorf("room id cannot be empty")
	}
	s := r.lock(connID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	defer s.mu.Unlock()

	s.rec.rooms[room] = struct{}{}
	r.touchLocked(s.rec)
	return roomList(s.rec.rooms), nil
}

// LeaveRoom removes room from the session and returns its rooms.
func (r *Registry) LeaveRoom(connID, room string) ([]string, error) {
	s := r.lock(connID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	defer s.mu.Unlock()

	delete(s.rec.rooms, room)
	r.touchLocked(s.rec)
	return roomList(s.rec.rooms), nil
}

// Get returns a copy of the session.
func (r *Registry) Get(connID string) (Session, error) {
	s := r.lock(connID)
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	defer s.mu.Unlock()

	return snapshot(connID, s.rec), nil
}

// Remove deletes the session and reports whether it existed.
func (r *Registry) Remove(connID string) bool {
	s := r.lock(connID)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()

	r.deleteLocked(connID, s)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// List returns snapshots of every session.
func (r *Registry) List() []Session {
	var out []Session
	r.slots.Range(func(key, value interface{}) bool {
		s := value.(*slot)
		s.mu.Lock()
		if !s.deleted && s.rec != nil {
			out = append(out, snapshot(key.(string), s.rec))
		}
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Resume moves the session of oldID to newID. It fails with
// ErrSessionNotFound when oldID is unknown or belongs to another user, and
// with ErrSessionExpired, after deleting it, when it is older than timeout.
// Rooms already joined by newID are kept.
func (r *Registry) Resume(oldID, newID, userID string, timeout time.Duration) (Session, error) {
	if err := validateConnectionID(newID); err != nil {
		return Session{}, err
	}
	if oldID == newID {
		return Session{}, ErrSessionNotFound
	}

	old := r.lock(oldID)
	if old == nil {
		return Session{}, ErrSessionNotFound
	}
	defer old.mu.Unlock()

	if old.rec.userID != userID {
		r.logger.Warn().
			Str("oldConnectionId", oldID).
			Str("userId", userID).
			Msg("Resume attempted for another user's session")
		return Session{}, ErrSessionNotFound
	}

	now := r.now()
	if age := now.Sub(old.rec.lastActivity); age > timeout {
		r.deleteLocked(oldID, old)
		observability.RecordSessionsExpired(1)
		r.logger.Info().Str("connectionId", oldID).Dur("age", age).Msg("Session expired on resume")
		return Session{}, ErrSessionExpired
	}

	// Lock order is old then new. newID is a fresh connection, so no resume
	// can hold it while waiting for oldID.
	next := r.lockOrCreate(newID)
	defer next.mu.Unlock()

	rec := old.rec
	if next.rec != nil {
		for room := range next.rec.rooms {
			rec.rooms[room] = struct{}{}
		}
		if next.rec.agentID != "" {
			rec.agentID = next.rec.agentID
		}
	} else {
		r.count.Add(1)
	}
	if now.After(rec.lastActivity) {
		rec.lastActivity = now
	}
	next.rec = rec
	r.deleteLocked(oldID, old)

	r.logger.Debug().
		Str("oldConnectionId", oldID).
		Str("connectionId", newID).
		Int("rooms", len(rec.rooms)).
		Msg("Session resumed")
	return snapshot(newID, rec), nil
}

// Sweep deletes every session idle for longer than timeout and returns them.
func (r *Registry) Sweep(timeout time.Duration) []Session {
	var expired []Session
	r.slots.Range(func(key, value interface{}) bool {
		connID := key.(string)
		s := value.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.deleted || s.rec == nil {
			return true
		}
		if r.now().Sub(s.rec.lastActivity) > timeout {
			expired = append(expired, snapshot(connID, s.rec))
			r.deleteLocked(connID, s)
		}
		return true
	})

	if len(expired) > 0 {
		observability.RecordSessionsExpired(len(expired))
	}
	return expired
}

func snapshot(connID string, rec *record) Session {
	return Session{
		ConnectionID:   connID,
		UserID:         rec.userID,
		AgentID:        rec.agentID,
		Rooms:          roomList(rec.rooms),
		CreatedAt:      rec.createdAt,
		LastActivityAt: rec.lastActivity,
	}
}

func roomList(rooms map[string]struct{}) []string {
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
