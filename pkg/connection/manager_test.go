package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/pubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects bus traffic as short strings in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []ConnectionError
	resets []SessionReset
}

func newRecorder(bus *pubsub.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(TopicRoomEvent, func(payload interface{}) {
		ev := payload.(RoomEvent)
		prefix := "live:"
		if ev.Replayed {
			prefix = "replay:"
		}
		r.add(prefix + ev.Event)
	})
	bus.Subscribe(TopicResumed, func(payload interface{}) {
		r.add("resumed")
	})
	bus.Subscribe(TopicSessionReset, func(payload interface{}) {
		r.mu.Lock()
		r.resets = append(r.resets, payload.(SessionReset))
		r.mu.Unlock()
		r.add("reset")
	})
	bus.Subscribe(TopicError, func(payload interface{}) {
		r.mu.Lock()
		r.errs = append(r.errs, payload.(ConnectionError))
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) errors() []ConnectionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionError(nil), r.errs...)
}

func newTestManager(t *testing.T, url string, mutate func(cfg *Config)) *Manager {
	t.Helper()
	cfg := Config{
		URL:               url,
		AgentID:           "agent-7",
		InitialDelay:      20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
		Logger:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
}

func TestManager_ConnectRunsHandshake(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)

	m.Connect("good")
	waitConnected(t, m)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "conn-1", m.ConnectionID())
	assert.Equal(t, "user-1", m.UserID())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.announced, 1)
	assert.Equal(t, protocol.AuthenticatedParams{UserID: "user-1", AgentID: "agent-7"}, fs.announced[0])
	assert.Empty(t, fs.resumes, "first connection has nothing to resume")
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)

	m.Connect("good")
	m.Connect("good")
	waitConnected(t, m)
	m.Connect("good")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.accepted.Load())
}

func TestManager_WaitConnectedWithoutConnect(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws", nil)
	assert.ErrorIs(t, m.WaitConnected(context.Background()), ErrNotConnected)
}

func TestManager_ResumeReplaysBeforeLiveEvents(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)
	rec := newRecorder(m.Bus())

	m.Connect("good")
	waitConnected(t, m)
	require.NoError(t, m.JoinRoom(context.Background(), "r1"))
	assert.Equal(t, []string{"r1"}, m.Rooms())

	fs.mu.Lock()
	fs.resumeResp = protocol.ReconnectResponse{
		Success: true,
		Rooms:   []string{"r1"},
		MissedMessages: []protocol.HistoryEntry{
			{RoomID: "r1", EventName: "first", Timestamp: 10},
			{RoomID: "r1", EventName: "second", Timestamp: 20},
		},
	}
	fs.beforeResume = &protocol.Event{Type: "event", Event: "third", Room: "r1", Timestamp: 30}
	fs.mu.Unlock()

	fs.drop()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 4
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"replay:first", "replay:second", "resumed", "live:third"}, rec.snapshot())
	assert.Equal(t, "conn-2", m.ConnectionID())

	resumes := fs.resumeRequests()
	require.Len(t, resumes, 1)
	assert.Equal(t, "conn-1", resumes[0].OldConnectionID)
	require.NotNil(t, resumes[0].Since)
	assert.InDelta(t, time.Now().UnixMilli(), *resumes[0].Since, 5000)
}

func TestManager_ResumeCutoffIsLastAnsweredHeartbeat(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.resumeResp = protocol.ReconnectResponse{Success: true}
	fs.mu.Unlock()

	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.MaxMissedHeartbeats = 2
	})
	pongs := make(chan struct{}, 16)
	m.Bus().Subscribe(TopicLatency, func(payload interface{}) {
		select {
		case pongs <- struct{}{}:
		default:
		}
	})

	m.Connect("good")
	waitConnected(t, m)

	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat was answered")
	}

	// The link goes quiet; the drop is only noticed after two missed pings.
	fs.dropPongs.Store(true)
	silentAt := time.Now().UnixMilli()
	stampedWhileSilent := silentAt + 50

	require.Eventually(t, func() bool {
		return len(fs.resumeRequests()) > 0
	}, 3*time.Second, 10*time.Millisecond)

	req := fs.resumeRequests()[0]
	require.NotNil(t, req.Since)
	assert.LessOrEqual(t, *req.Since, silentAt)
	assert.Greater(t, stampedWhileSilent, *req.Since, "an event sent while the link was silent must be replayed")
}

func TestManager_ResumeCutoffFollowsServerEventClock(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)
	rec := newRecorder(m.Bus())

	m.Connect("good")
	waitConnected(t, m)

	// Server clock running a minute ahead of the client.
	stamped := time.Now().Add(time.Minute).UnixMilli()
	fs.push("r1", "ahead", stamped)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	fs.drop()

	require.Eventually(t, func() bool {
		return len(fs.resumeRequests()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	req := fs.resumeRequests()[0]
	require.NotNil(t, req.Since)
	assert.Equal(t, stamped-1, *req.Since)
}

func TestManager_RefusedResumeResetsSession(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)
	rec := newRecorder(m.Bus())

	m.Connect("good")
	waitConnected(t, m)
	require.NoError(t, m.JoinRoom(context.Background(), "r1"))

	fs.mu.Lock()
	fs.resumeResp = protocol.ReconnectResponse{Success: false, Error: protocol.ResumeErrExpired}
	fs.mu.Unlock()

	fs.drop()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1 && m.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"reset"}, rec.snapshot())
	assert.Empty(t, m.Rooms())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, SessionReset{OldConnectionID: "conn-1", Reason: protocol.ResumeErrExpired}, rec.resets[0])
}

func TestManager_ServerShutdownReconnectsImmediately(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 10 * time.Second
		cfg.MaxDelay = 10 * time.Second
	})

	m.Connect("good")
	waitConnected(t, m)

	fs.kick(protocol.ReasonServerShutdown)

	require.Eventually(t, func() bool {
		return fs.accepted.Load() == 2 && m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_DropUsesBackoff(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 10 * time.Second
		cfg.MaxDelay = 10 * time.Second
	})

	m.Connect("good")
	waitConnected(t, m)

	fs.drop()

	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fs.accepted.Load())
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.refuse.Store(true)

	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 5 * time.Millisecond
		cfg.MaxAttempts = 3
	})
	rec := newRecorder(m.Bus())

	m.Connect("good")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.WaitConnected(ctx)
	require.ErrorIs(t, err, ErrConnectivityExhausted)
	assert.Equal(t, StateGivenUp, m.State())

	errs := rec.errors()
	require.Len(t, errs, 3)
	assert.False(t, errs[1].Terminal)
	assert.True(t, errs[2].Terminal)
	assert.Equal(t, 3, errs[2].Attempt)

	t.Run("connect again restarts", func(t *testing.T) {
		fs.refuse.Store(false)
		m.Connect("good")
		waitConnected(t, m)
	})
}

func TestManager_BadCredentialCountsAsFailure(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 5 * time.Millisecond
		cfg.MaxAttempts = 2
	})

	m.Connect("bad")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.WaitConnected(ctx)
	require.ErrorIs(t, err, ErrConnectivityExhausted)

	var rpcErr *protocol.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.InvalidCredential, rpcErr.Code)
}

func TestManager_ForegroundCutsBackoffShort(t *testing.T) {
	fs := newFakeServer(t)
	fs.refuse.Store(true)

	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 10 * time.Second
		cfg.MaxDelay = 10 * time.Second
	})
	rec := newRecorder(m.Bus())

	m.Connect("good")
	require.Eventually(t, func() bool {
		return len(rec.errors()) == 1 && m.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	fs.refuse.Store(false)
	m.NotifyForeground()

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_OfflineWaitsForNetwork(t *testing.T) {
	fs := newFakeServer(t)
	fs.refuse.Store(true)

	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.InitialDelay = 5 * time.Millisecond
		cfg.MaxAttempts = 3
	})
	rec := newRecorder(m.Bus())
	m.SetNetworkAvailable(false)
	assert.True(t, m.Offline())

	m.Connect("good")
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.errors(), 1, "no retries while the network is down")

	fs.refuse.Store(false)
	m.SetNetworkAvailable(true)
	assert.False(t, m.Offline())
	waitConnected(t, m)
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)

	m.Connect("good")
	waitConnected(t, m)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fs.accepted.Load())
	assert.ErrorIs(t, m.Call(context.Background(), protocol.MethodPing, protocol.Ping{}, nil), ErrNotConnected)

	t.Run("reconnect resumes the previous connection", func(t *testing.T) {
		fs.mu.Lock()
		fs.resumeResp = protocol.ReconnectResponse{Success: true}
		fs.mu.Unlock()

		m.Connect("good")
		waitConnected(t, m)

		resumes := fs.resumeRequests()
		require.Len(t, resumes, 1)
		assert.Equal(t, "conn-1", resumes[0].OldConnectionID)
	})
}

func TestManager_HeartbeatMeasuresLatency(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})

	var mu sync.Mutex
	var samples []time.Duration
	m.Bus().Subscribe(TopicLatency, func(payload interface{}) {
		mu.Lock()
		samples = append(samples, payload.(time.Duration))
		mu.Unlock()
	})

	m.Connect("good")
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, m.Latency(), time.Duration(0))
}

func TestManager_UnansweredHeartbeatsDropConnection(t *testing.T) {
	fs := newFakeServer(t)
	fs.dropPongs.Store(true)

	m := newTestManager(t, fs.url(), func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.MaxMissedHeartbeats = 2
	})

	m.Connect("good")
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		return fs.accepted.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_RequestMissed(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)

	m.Connect("good")
	waitConnected(t, m)

	entries, err := m.RequestMissed(context.Background(), time.UnixMilli(1))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "note", entries[0].EventName)
}

func TestManager_LiveRoomEvents(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), nil)

	var mu sync.Mutex
	var got []RoomEvent
	m.Bus().Subscribe(TopicRoomEvent, func(payload interface{}) {
		mu.Lock()
		got = append(got, payload.(RoomEvent))
		mu.Unlock()
	})

	m.Connect("good")
	waitConnected(t, m)
	fs.push("r9", "update", 1234)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "r9", got[0].Room)
	assert.Equal(t, time.UnixMilli(1234), got[0].Timestamp)
	assert.False(t, got[0].Replayed)
	assert.Equal(t, json.RawMessage(nil), got[0].Data)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "given_up", StateGivenUp.String())
	assert.Equal(t, "connected", StateConnected.String())
}
