package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.Enqueue(context.Background(), "test", task)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := cq.Enqueue(context.Background(), "test", task)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool { return cq.Stats("lane").Running }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		require.Eventually(t, func() bool { return cq.Stats("lane").Queued == i+1 }, time.Second, 5*time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_SerializedLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestCommandQueue_LanesAreIndependent(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "blocked", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool { return cq.Stats("blocked").Running }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := cq.Enqueue(ctx, "other", func(ctx context.Context) (interface{}, error) {
		return "ran", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ran", result)
	assert.Equal(t, LaneStats{Running: true}, cq.Stats("blocked"))

	close(release)
	require.Eventually(t, func() bool { return !cq.Stats("blocked").Running }, time.Second, 5*time.Millisecond)
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool { return cq.Stats("lane").Running }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cq.Stats("lane").Queued)

	close(release)
	require.Eventually(t, func() bool { return !cq.Stats("lane").Running }, time.Second, 5*time.Millisecond)
	assert.False(t, ran)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	var cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		})
	}()
	<-started

	require.NoError(t, cq.Close())
	<-done
	assert.True(t, cancelled.Load())

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, cq.Close())
}
