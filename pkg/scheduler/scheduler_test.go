package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Add(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	t.Run("rejects invalid jobs", func(t *testing.T) {
		assert.Error(t, s.Add("", time.Second, func(context.Context) {}))
		assert.Error(t, s.Add("zero", 0, func(context.Context) {}))
		assert.Error(t, s.Add("nil", time.Second, nil))
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		require.NoError(t, s.Add("sweep", time.Minute, func(context.Context) {}))
		err := s.Add("sweep", time.Minute, func(context.Context) {})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Add("sweep", time.Hour, func(ctx context.Context) {
		runs.Add(1)
	}))

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.Equal(t, int32(2), runs.Load())

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduler_StartFiresJobs(t *testing.T) {
	s := New(zerolog.Nop())

	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", time.Second, func(ctx context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := New(zerolog.Nop())

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Add("long", time.Second, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))

	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	s.Stop()
	assert.True(t, cancelled.Load())
}

func TestScheduler_RemoveAndJobs(t *testing.T) {
	s := New(zerolog.Nop())
	defer s.Stop()

	require.NoError(t, s.Add("a", time.Minute, func(context.Context) {}))
	require.NoError(t, s.Add("b", time.Minute, func(context.Context) {}))
	assert.ElementsMatch(t, []string{"a", "b"}, s.Jobs())

	s.Remove("a")
	assert.Equal(t, []string{"b"}, s.Jobs())
}
