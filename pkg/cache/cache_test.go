package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/tether/pkg/localstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock, localstore.Store) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	store := localstore.NewMemoryStore()
	c := New(Config{Store: store, Now: clock.Now, MaxStale: time.Hour, Logger: zerolog.Nop()})
	return c, clock, store
}

func TestCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "/profile", []byte(`{"name":"a"}`), time.Minute))

	entry, err := c.Get(ctx, "/profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(entry.Data))
	assert.True(t, clock.Now().Equal(entry.CachedAt))
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, clock.Now().Add(time.Minute).Equal(*entry.ExpiresAt))

	require.NoError(t, c.Set(ctx, "/profile", []byte(`{"name":"b"}`), time.Minute))
	entry, err = c.Get(ctx, "/profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"b"}`, string(entry.Data))
}

func TestCache_ExpiredEntryIsMissButStaleAvailable(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), time.Minute))
	clock.Advance(2 * time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	entry, err := c.GetStale(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(entry.Data))
	assert.False(t, entry.Fresh(clock.Now()))
}

func TestCache_LazyDeleteBeyondMaxStale(t *testing.T) {
	ctx := context.Background()
	c, clock, store := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), time.Minute))
	clock.Advance(time.Minute + time.Hour + time.Second)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = store.Get(ctx, bucket, "k")
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	_, err = c.GetStale(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_NoTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", []byte(`"v"`), 0))
	clock.Advance(365 * 24 * time.Hour)

	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry.ExpiresAt)

	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCache_Purge(t *testing.T) {
	ctx := context.Background()
	c, clock, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "old", []byte(`1`), time.Minute))
	require.NoError(t, c.Set(ctx, "recent", []byte(`2`), 2*time.Hour))
	clock.Advance(90 * time.Minute)

	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.GetStale(ctx, "old")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "recent")
	assert.NoError(t, err)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), time.Minute))
	require.NoError(t, c.Invalidate(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.GetStale(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
