package session

import (
	"context"
	"testing"
	"time"

	"github.com/harun/tether/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCleanup_Defaults(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	cleanup := NewCleanup(reg, scheduler.New(zerolog.Nop()), 0, 0)

	assert.Equal(t, DefaultTimeout, cleanup.Timeout())
	assert.Equal(t, DefaultSweepInterval, cleanup.interval)
}

func TestCleanupStartStop(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	sched := scheduler.New(zerolog.Nop())
	cleanup := NewCleanup(reg, sched, time.Minute, time.Minute)

	require.NoError(t, cleanup.Start())
	assert.True(t, cleanup.IsRunning())
	assert.Contains(t, sched.Jobs(), SweepJob)

	assert.Error(t, cleanup.Start())

	require.NoError(t, cleanup.Stop())
	assert.False(t, cleanup.IsRunning())
	assert.NotContains(t, sched.Jobs(), SweepJob)

	assert.Error(t, cleanup.Stop())
}

func TestCleanupSweepsExpiredSessions(t *testing.T) {
	reg, clock := setupTestRegistry(t)
	sched := scheduler.New(zerolog.Nop())
	cleanup := NewCleanup(reg, sched, 300*time.Second, time.Minute)

	var expired []Session
	cleanup.OnExpired(func(s Session) { expired = append(expired, s) })

	_, err := reg.Authenticate("idle", "user-1", "")
	require.NoError(t, err)
	_, err = reg.JoinRoom("idle", "project-42")
	require.NoError(t, err)

	require.NoError(t, cleanup.Start())
	defer cleanup.Stop()

	clock.Advance(299 * time.Second)
	require.NoError(t, sched.RunNow(context.Background(), SweepJob))
	assert.Empty(t, expired)
	assert.Equal(t, 1, reg.Count())

	clock.Advance(2 * time.Second)
	require.NoError(t, sched.RunNow(context.Background(), SweepJob))
	require.Len(t, expired, 1)
	assert.Equal(t, "idle", expired[0].ConnectionID)
	assert.Equal(t, []string{"project-42"}, expired[0].Rooms)
	assert.Equal(t, 0, reg.Count())
}

func TestCleanupNow(t *testing.T) {
	reg, clock := setupTestRegistry(t)
	cleanup := NewCleanup(reg, scheduler.New(zerolog.Nop()), time.Minute, time.Minute)

	_, err := reg.Authenticate("a", "user-1", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	removed := cleanup.CleanupNow(context.Background())
	assert.Len(t, removed, 1)
	assert.Empty(t, cleanup.CleanupNow(context.Background()))
}
