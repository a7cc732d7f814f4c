// Package cache stores read responses for offline use. Entries are kept in
// the "cache" bucket of a localstore.Store with their expiry as the index
// timestamp, so expired entries can be purged with one range query.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/localstore"
	"github.com/rs/zerolog"
)

const (
	bucket = "cache"

	statusExpiring   = "expiring"
	statusPersistent = "persistent"

	// DefaultMaxStale is how long an expired entry is kept for offline fallback.
	DefaultMaxStale = 24 * time.Hour
)

// ErrMiss is returned when no usable entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Entry is one cached response body.
type Entry struct {
	Key       string     `json:"key"`
	Data      []byte     `json:"data"`
	CachedAt  time.Time  `json:"cachedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Fresh reports whether the entry has not expired at now.
func (e Entry) Fresh(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// Config configures a Cache.
type Config struct {
	Store    localstore.Store
	MaxStale time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Cache is the client's response cache.
type Cache struct {
	store    localstore.Store
	maxStale time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a cache over cfg.Store.
func New(cfg Config) *Cache {
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = DefaultMaxStale
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		store:    cfg.Store,
		maxStale: cfg.MaxStale,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Set creates or overwrites the entry for key. A ttl of zero never expires.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := c.now()
	entry := Entry{
		Key:      key,
		Data:     append([]byte(nil), data...),
		CachedAt: now,
	}

	rec := localstore.Record{Key: key, Status: statusPersistent, Timestamp: now}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
		rec.Status = statusExpiring
		rec.Timestamp = expiresAt
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	rec.Value = value

	return c.store.Put(ctx, bucket, rec)
}

// Get returns a fresh entry or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := c.load(ctx, key)
	if err != nil {
		observability.RecordCacheLookup(false)
		return Entry{}, err
	}

	now := c.now()
	if !entry.Fresh(now) {
		observability.RecordCacheLookup(false)
		c.dropIfTooStale(ctx, entry, now)
		return Entry{}, ErrMiss
	}

	observability.RecordCacheLookup(true)
	return entry, nil
}

// GetStale returns the entry for key whether or not it has expired, as long
// as it is still within MaxStale of its expiry.
func (c *Cache) GetStale(ctx context.Context, key string) (Entry, error) {
	entry, err := c.load(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	now := c.now()
	if c.dropIfTooStale(ctx, entry, now) {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

// Invalidate removes the entry for key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, bucket, key)
}

// Purge deletes every entry expired for longer than MaxStale and returns the
// number removed.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	recs, err := c.store.QueryByRange(ctx, bucket, localstore.Range{
		Statuses: []string{statusExpiring},
		To:       c.now().Add(-c.maxStale),
	})
	if err != nil {
		return 0, fmt.Errorf("query expired entries: %w", err)
	}

	for _, rec := range recs {
		if err := c.store.Delete(ctx, bucket, rec.Key); err != nil {
			return 0, err
		}
	}

	if len(recs) > 0 {
		c.logger.Debug().Int("removed", len(recs)).Msg("Cache purged")
	}
	return len(recs), nil
}

func (c *Cache) load(ctx context.Context, key string) (Entry, error) {
	rec, err := c.store.Get(ctx, bucket, key)
	if errors.Is(err, localstore.ErrNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cache entry")
		_ = c.store.Delete(ctx, bucket, key)
		return Entry{}, ErrMiss
	}
	return entry, nil
}

// dropIfTooStale deletes entries that expired more than maxStale ago.
func (c *Cache) dropIfTooStale(ctx context.Context, entry Entry, now time.Time) bool {
	if entry.ExpiresAt == nil || now.Sub(*entry.ExpiresAt) <= c.maxStale {
		return false
	}
	if err := c.store.Delete(ctx, bucket, entry.Key); err != nil {
		c.logger.Warn().Err(err).Str("key", entry.Key).Msg("Failed to delete stale cache entry")
	}
	return true
}
