package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/tether/pkg/connection"
	"github.com/harun/tether/pkg/outbox"
	"github.com/harun/tether/pkg/request"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// actionServer accepts POST /actions/{type} with a configurable status.
type actionServer struct {
	srv    *httptest.Server
	status atomic.Int32
	hits   atomic.Int32

	mu   sync.Mutex
	keys []string
}

func newActionServer(t *testing.T, status int) *actionServer {
	t.Helper()
	as := &actionServer{}
	as.status.Store(int32(status))
	as.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.hits.Add(1)
		code := int(as.status.Load())
		if code < 300 {
			as.mu.Lock()
			as.keys = append(as.keys, r.Header.Get(request.IdempotencyHeader))
			as.mu.Unlock()
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(as.srv.Close)
	return as
}

func (as *actionServer) acceptedKeys() []string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]string(nil), as.keys...)
}

func newTestClient(t *testing.T, baseURL, dataDir string) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Connection: connection.Config{URL: "ws://127.0.0.1:1/ws"},
		Request: request.Config{
			BaseURL:     baseURL,
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Timeout:     time.Second,
		},
		DataDir: dataDir,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestClient_MutateSendsDirectly(t *testing.T) {
	as := newActionServer(t, http.StatusOK)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	res, err := c.Mutate(context.Background(), "note.create", []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.False(t, res.Queued)
	assert.Equal(t, []string{res.ActionID}, as.acceptedKeys())

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
}

func TestClient_MutateQueuesOnTransientFailure(t *testing.T) {
	as := newActionServer(t, http.StatusServiceUnavailable)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	res, err := c.Mutate(context.Background(), "note.create", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, int32(2), as.hits.Load())

	action, err := c.Outbox().Get(context.Background(), res.ActionID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, action.Status)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)

	t.Run("flush delivers with the same idempotency key", func(t *testing.T) {
		as.status.Store(http.StatusOK)
		result, err := c.Flush(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Synced)
		assert.Equal(t, []string{res.ActionID}, as.acceptedKeys())
	})
}

func TestClient_MutateReturnsPermanentErrors(t *testing.T) {
	as := newActionServer(t, http.StatusUnprocessableEntity)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	_, err := c.Mutate(context.Background(), "note.create", []byte(`{}`))
	assert.ErrorIs(t, err, outbox.ErrRejected)
	assert.Equal(t, int32(1), as.hits.Load())

	counts, err := c.Outbox().Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Outstanding())
}

func TestClient_MutateRejectsInvalidPayload(t *testing.T) {
	as := newActionServer(t, http.StatusOK)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	_, err := c.Mutate(context.Background(), "note.create", []byte(`{oops`))
	assert.Error(t, err)
	_, err = c.Mutate(context.Background(), "", []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, int32(0), as.hits.Load())
}

func TestClient_OfflineQueuesAndFlushesWhenNetworkReturns(t *testing.T) {
	as := newActionServer(t, http.StatusOK)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	c.SetNetworkAvailable(false)

	first, err := c.Mutate(context.Background(), "note.create", []byte(`{"n":1}`))
	require.NoError(t, err)
	second, err := c.Mutate(context.Background(), "note.create", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.True(t, first.Queued)
	assert.Equal(t, int32(0), as.hits.Load(), "offline writes do not touch the network")

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Offline)
	assert.Equal(t, 2, status.Pending)

	c.SetNetworkAvailable(true)

	require.Eventually(t, func() bool {
		return len(as.acceptedKeys()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{first.ActionID, second.ActionID}, as.acceptedKeys())

	status, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
}

func TestClient_StatusReportsRunningFlush(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(unblock)

	c := newTestClient(t, srv.URL, "")
	defer c.Close()

	c.SetNetworkAvailable(false)
	_, err := c.Mutate(context.Background(), "note.create", []byte(`{}`))
	require.NoError(t, err)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Flushing)

	c.SetNetworkAvailable(true)
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background())
		return err == nil && status.Flushing
	}, 3*time.Second, 10*time.Millisecond)

	unblock()
	require.Eventually(t, func() bool {
		status, err := c.Status(context.Background())
		return err == nil && !status.Flushing && status.Pending == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_QueuedActionsSurviveRestart(t *testing.T) {
	as := newActionServer(t, http.StatusOK)
	dir := t.TempDir()

	c := newTestClient(t, as.srv.URL, dir)
	c.SetNetworkAvailable(false)
	res, err := c.Mutate(context.Background(), "note.create", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = newTestClient(t, as.srv.URL, dir)
	defer c.Close()

	action, err := c.Outbox().Get(context.Background(), res.ActionID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, action.Status)
}

func TestClient_RetryRevivesDeadAction(t *testing.T) {
	as := newActionServer(t, http.StatusUnprocessableEntity)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	ctx := context.Background()
	id, err := c.Outbox().Enqueue(ctx, "note.create", []byte(`{}`))
	require.NoError(t, err)

	result, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dead)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Dead)

	as.status.Store(http.StatusOK)
	require.NoError(t, c.Retry(ctx, id))

	require.Eventually(t, func() bool {
		return len(as.acceptedKeys()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_StatusReportsConnectionState(t *testing.T) {
	as := newActionServer(t, http.StatusOK)
	c := newTestClient(t, as.srv.URL, "")
	defer c.Close()

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connection.StateDisconnected, status.State)
	assert.False(t, status.Offline)
}
