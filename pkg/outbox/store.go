package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/localstore"
	"github.com/harun/tether/pkg/pubsub"
	"github.com/rs/zerolog"
)

const bucket = "outbox"

// DefaultMaxAttempts is the retry ceiling used by the default configuration.
const DefaultMaxAttempts = 10

// TopicChanged is published with a Counts payload after every mutation.
const TopicChanged = "outbox.changed"

var (
	// ErrActionNotFound is returned for unknown action ids.
	ErrActionNotFound = errors.New("action not found")
	// ErrSyncFailed wraps the error of an action that could not be delivered.
	ErrSyncFailed = errors.New("sync failed")
	// ErrRejected marks a sender error the server will never accept. Such
	// actions go straight to the dead state.
	ErrRejected = errors.New("action rejected")

	errNotSyncable = errors.New("action not syncable")
)

// Status is the lifecycle state of a PendingAction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// PendingAction is a locally originated mutation not yet confirmed by the server.
type PendingAction struct {
	ID         string          `json:"id"`
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	Status     Status          `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

// Counts summarizes the store for offline and syncing indicators.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
}

// Outstanding is the number of actions that will still be attempted.
func (c Counts) Outstanding() int {
	return c.Pending + c.Syncing + c.Failed
}

// Config configures a Store.
type Config struct {
	Store localstore.Store
	Bus   *pubsub.Bus
	// MaxAttempts moves an action to StatusDead once its RetryCount reaches
	// the ceiling. Zero means unlimited.
	MaxAttempts int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Store is the durable action store. Every mutation is persisted before the
// method returns.
type Store struct {
	store       localstore.Store
	bus         *pubsub.Bus
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.Mutex
	lastTime time.Time
}

// Open wraps cfg.Store and returns actions a crash left in StatusSyncing to
// StatusPending.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errors.New("outbox: local store is required")
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		store:       cfg.Store,
		bus:         cfg.Bus,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}

	actions, err := s.query(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}

	recovered := 0
	for _, action := range actions {
		if action.EnqueuedAt.After(s.lastTime) {
			s.lastTime = action.EnqueuedAt
		}
		if action.Status != StatusSyncing {
			continue
		}
		action.Status = StatusPending
		if err := s.put(ctx, action); err != nil {
			return nil, fmt.Errorf("outbox: recover %s: %w", action.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Warn().Int("count", recovered).Msg("Recovered interrupted sync attempts")
	}
	s.logger.Debug().Int("actions", len(actions)).Msg("Outbox opened")
	s.changed(ctx)

	return s, nil
}

// Enqueue persists a new pending action and returns its id.
func (s *Store) Enqueue(ctx context.Context, actionType string, payload []byte) (string, error) {
	return s.EnqueueWithID(ctx, uuid.NewString(), actionType, payload)
}

// EnqueueWithID is Enqueue with a caller chosen id, used when a direct send
// already went out under that id and the server may have seen it.
func (s *Store) EnqueueWithID(ctx context.Context, id, actionType string, payload []byte) (string, error) {
	if id == "" {
		return "", errors.New("outbox: action id is required")
	}
	if actionType == "" {
		return "", errors.New("outbox: action type is required")
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return "", errors.New("outbox: payload must be valid JSON")
	}

	s.mu.Lock()
	if _, err := s.store.Get(ctx, bucket, id); err == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("outbox: action %s already exists", id)
	}
	action := PendingAction{
		ID:         id,
		ActionType: actionType,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: s.stamp(),
		Status:     StatusPending,
	}
	err := s.put(ctx, action)
	s.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}

	s.logger.Debug().Str("id", action.ID).Str("type", actionType).Msg("Action enqueued")
	s.changed(ctx)
	return action.ID, nil
}

// Get returns the action with id.
func (s *Store) Get(ctx context.Context, id string) (PendingAction, error) {
	rec, err := s.store.Get(ctx, bucket, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return PendingAction{}, ErrActionNotFound
	}
	if err != nil {
		return PendingAction{}, err
	}
	return decode(rec)
}

// ListPending returns actions in StatusPending, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]PendingAction, error) {
	return s.query(ctx, []Status{StatusPending})
}

// ListFailed returns actions in StatusFailed, oldest first.
func (s *Store) ListFailed(ctx context.Context) ([]PendingAction, error) {
	return s.query(ctx, []Status{StatusFailed})
}

// ListDead returns actions that reached the retry ceiling, oldest first.
func (s *Store) ListDead(ctx context.Context) ([]PendingAction, error) {
	return s.query(ctx, []Status{StatusDead})
}

// ListAll returns every action, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]PendingAction, error) {
	return s.query(ctx, nil)
}

// MarkSyncing increments the retry count and sets StatusSyncing. Only
// pending and failed actions can start a sync.
func (s *Store) MarkSyncing(ctx context.Context, id string) (PendingAction, error) {
	action, err := s.update(ctx, id, func(a *PendingAction) error {
		if a.Status != StatusPending && a.Status != StatusFailed {
			return fmt.Errorf("%w: %s is %s", errNotSyncable, a.ID, a.Status)
		}
		a.RetryCount++
		a.Status = StatusSyncing
		return nil
	})
	return action, err
}

// MarkFailed records syncErr and sets StatusFailed, or StatusDead when the
// retry ceiling is reached or syncErr wraps ErrRejected. The action is kept.
func (s *Store) MarkFailed(ctx context.Context, id string, syncErr error) (PendingAction, error) {
	action, err := s.update(ctx, id, func(a *PendingAction) error {
		a.Status = StatusFailed
		if syncErr != nil {
			a.LastError = syncErr.Error()
		}
		if errors.Is(syncErr, ErrRejected) || (s.maxAttempts > 0 && a.RetryCount >= s.maxAttempts) {
			a.Status = StatusDead
		}
		return nil
	})
	if err != nil {
		return action, err
	}

	if action.Status == StatusDead {
		s.logger.Warn().
			Str("id", action.ID).
			Str("type", action.ActionType).
			Int("attempts", action.RetryCount).
			Str("error", action.LastError).
			Msg("Action moved to dead letter")
	}
	s.changed(ctx)
	return action, nil
}

// Retry moves a failed or dead action back to StatusPending. Dead actions
// start over with a zero retry count.
func (s *Store) Retry(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(a *PendingAction) error {
		switch a.Status {
		case StatusFailed:
		case StatusDead:
			a.RetryCount = 0
		default:
			return fmt.Errorf("outbox: action %s is %s", a.ID, a.Status)
		}
		a.Status = StatusPending
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(ctx)
	return nil
}

// Remove deletes an action after the server confirmed it.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	err := s.store.Delete(ctx, bucket, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("outbox: remove %s: %w", id, err)
	}
	s.changed(ctx)
	return nil
}

// Counts returns the number of actions per status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	actions, err := s.query(ctx, nil)
	if err != nil {
		return Counts{}, err
	}

	var c Counts
	for _, a := range actions {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusSyncing:
			c.Syncing++
		case StatusFailed:
			c.Failed++
		case StatusDead:
			c.Dead++
		}
	}
	return c, nil
}

func (s *Store) update(ctx context.Context, id string, fn func(a *PendingAction) error) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, err := s.Get(ctx, id)
	if err != nil {
		return PendingAction{}, err
	}
	if err := fn(&action); err != nil {
		return action, err
	}
	if err := s.put(ctx, action); err != nil {
		return action, fmt.Errorf("outbox: update %s: %w", id, err)
	}
	return action, nil
}

func (s *Store) put(ctx context.Context, action PendingAction) error {
	value, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, bucket, localstore.Record{
		Key:       action.ID,
		Value:     value,
		Status:    string(action.Status),
		Timestamp: action.EnqueuedAt,
	})
}

func (s *Store) query(ctx context.Context, statuses []Status) ([]PendingAction, error) {
	r := localstore.Range{}
	for _, status := range statuses {
		r.Statuses = append(r.Statuses, string(status))
	}

	recs, err := s.store.QueryByRange(ctx, bucket, r)
	if err != nil {
		return nil, err
	}

	actions := make([]PendingAction, 0, len(recs))
	for _, rec := range recs {
		action, err := decode(rec)
		if err != nil {
			s.logger.Error().Err(err).Str("id", rec.Key).Msg("Skipping unreadable action")
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// stamp returns a strictly increasing enqueue time so FIFO order survives
// coarse clocks. Callers hold s.mu.
func (s *Store) stamp() time.Time {
	now := s.now()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return now
}

func (s *Store) changed(ctx context.Context) {
	counts, err := s.Counts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count outbox actions")
		return
	}
	observability.SetOutboxPending(counts.Outstanding())
	if s.bus != nil {
		s.bus.Publish(TopicChanged, counts)
	}
}

func decode(rec localstore.Record) (PendingAction, error) {
	var action PendingAction
	if err := json.Unmarshal(rec.Value, &action); err != nil {
		return PendingAction{}, fmt.Errorf("decode action %s: %w", rec.Key, err)
	}
	return action, nil
}
