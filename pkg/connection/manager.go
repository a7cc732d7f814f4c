// Package connection owns the client's socket to the tether server: the
// connect handshake, reconnection with exponential backoff, the heartbeat
// and the client half of session resume.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/pubsub"
	"github.com/rs/zerolog"
)

const (
	DefaultInitialDelay        = time.Second
	DefaultMultiplier          = 2.0
	DefaultMaxDelay            = 30 * time.Second
	DefaultMaxAttempts         = 10
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultMaxMissedHeartbeats = 2
)

// Config configures a Manager.
type Config struct {
	URL     string
	AgentID string
	Header  http.Header
	Dialer  *websocket.Dialer
	Bus     *pubsub.Bus

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the backoff randomization factor, 0 disables it.
	Jitter      float64
	MaxAttempts int

	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats drops the socket after that many unanswered pings.
	// Negative disables the check.
	MaxMissedHeartbeats int
	HandshakeTimeout    time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

// Manager keeps one logical connection alive across socket drops.
type Manager struct {
	cfg    Config
	bus    *pubsub.Bus
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	changed      chan struct{}
	running      bool
	gen          uint64
	cancel       context.CancelFunc
	done         chan struct{}
	credential   string
	conn         *rpcConn
	connectionID string
	userID       string
	lastGoodAt   time.Time
	rooms        map[string]struct{}
	lastErr      error
	networkDown  bool
	latency      time.Duration

	wake chan struct{}
}

// NewManager creates a manager in the disconnected state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("connection: URL is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = pubsub.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMissedHeartbeats == 0 {
		cfg.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	observability.EnsureRegistered()

	return &Manager{
		cfg:     cfg,
		bus:     cfg.Bus,
		dialer:  cfg.Dialer,
		logger:  cfg.Logger.With().Str("component", "connection").Logger(),
		state:   StateDisconnected,
		changed: make(chan struct{}),
		rooms:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *pubsub.Bus {
	return m.bus
}

// Connect starts connecting in the background. It is a no-op while the
// manager is already connecting, connected or waiting to reconnect.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.credential = credential
	m.running = true
	m.lastErr = nil
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.gen, m.done)
}

// Disconnect closes the socket and suppresses reconnection until Connect is
// called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setState(StateDisconnected)
}

// WaitConnected blocks until the manager is connected. It returns
// ErrConnectivityExhausted when the manager gave up and ErrNotConnected when
// Connect was never called.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, running, lastErr := m.state, m.changed, m.running, m.lastErr
		m.mu.Unlock()

		switch {
		case state == StateConnected:
			return nil
		case state == StateGivenUp:
			return fmt.Errorf("%w: %w", ErrConnectivityExhausted, lastErr)
		case !running:
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the id of the current or last connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// UserID returns the user the server authenticated.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Latency returns the last measured heartbeat round trip.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Rooms returns the rooms the session is a member of.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomList()
}

// Offline reports whether the platform said the network is gone.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.networkDown
}

// SetNetworkAvailable records the platform network state. Regaining the
// network cuts a pending backoff wait short.
func (m *Manager) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	regained := available && m.networkDown
	m.networkDown = !available
	m.mu.Unlock()

	if regained {
		m.logger.Info().Msg("Network regained")
		m.nudge()
	}
}

// NotifyForeground reconnects immediately if the manager is waiting out a
// backoff delay.
func (m *Manager) NotifyForeground() {
	m.nudge()
}

func (m *Manager) nudge() {
	if m.State() != StateDisconnected {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Call invokes method on the server.
func (m *Manager) Call(ctx context.Context, method string, params, result interface{}) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	return conn.Call(ctx, method, params, result)
}

// JoinRoom subscribes the session to room.
func (m *Manager) JoinRoom(ctx context.Context, room string) error {
	var result protocol.RoomResult
	if err := m.Call(ctx, protocol.MethodRoomJoin, protocol.RoomParams{RoomID: room}, &result); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	m.setRooms(result.Rooms)
	return nil
}

// LeaveRoom unsubscribes the session from room.
func (m *Manager) LeaveRoom(ctx context.Context, room string) error {
	var result protocol.RoomResult
	if err := m.Call(ctx, protocol.MethodRoomLeave, protocol.RoomParams{RoomID: room}, &result); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	m.setRooms(result.Rooms)
	return nil
}

// RequestMissed pulls the history of the session's rooms after since.
func (m *Manager) RequestMissed(ctx context.Context, since time.Time) ([]protocol.HistoryEntry, error) {
	var result protocol.MissedMessagesResponse
	req := protocol.MissedMessagesRequest{Since: since.UnixMilli()}
	if err := m.Call(ctx, protocol.MethodMissedMessages, req, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

func (m *Manager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.gen == gen {
			m.running = false
		}
		m.mu.Unlock()
		close(done)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialDelay
	policy.Multiplier = m.cfg.Multiplier
	policy.MaxInterval = m.cfg.MaxDelay
	policy.RandomizationFactor = m.cfg.Jitter
	policy.Reset()

	failures := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateConnecting)
		conn, err := m.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}

			failures++
			observability.RecordReconnectAttempt()
			terminal := failures >= m.cfg.MaxAttempts
			m.bus.Publish(TopicError, ConnectionError{Err: err, Attempt: failures, Terminal: terminal})

			if terminal {
				m.logger.Error().Err(err).Int("attempts", failures).Msg("Giving up on connecting")
				m.giveUp(gen, err)
				return
			}

			delay := policy.NextBackOff()
			m.logger.Warn().Err(err).Int("attempt", failures).Dur("retryIn", delay).Msg("Connect failed")
			m.setState(StateDisconnected)
			if !m.wait(ctx, delay) {
				m.setState(StateDisconnected)
				return
			}
			continue
		}

		failures = 0
		policy.Reset()

		reason := m.serve(ctx, conn)
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateDisconnected)

		if serverInitiated(reason) {
			m.logger.Info().Str("reason", reason).Msg("Server closed the connection, reconnecting")
			continue
		}

		delay := policy.NextBackOff()
		m.logger.Warn().Dur("retryIn", delay).Msg("Connection lost")
		if !m.wait(ctx, delay) {
			m.setState(StateDisconnected)
			return
		}
	}
}

func serverInitiated(reason string) bool {
	return reason == protocol.ReasonServerShutdown || reason == protocol.ReasonServerDisconnect
}

// wait sleeps for delay or until nudged. While the network is down only a
// nudge ends the wait.
func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var fire <-chan time.Time = timer.C
	if m.Offline() {
		fire = nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-fire:
		return true
	}
}

// establish dials and runs the handshake. A resume replay is published
// before the state turns connected and before live events are released.
func (m *Manager) establish(ctx context.Context) (*rpcConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	dialedAt := m.cfg.Now()
	ws, _, err := m.dialer.DialContext(hsCtx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn := newRPCConn(ws, m.logger, m.handleEvent)

	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	var auth protocol.AuthenticateResult
	if err := conn.Call(hsCtx, protocol.MethodAuthenticate, protocol.AuthenticateParams{Credential: credential}, &auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	announce := protocol.AuthenticatedParams{UserID: auth.UserID, AgentID: m.cfg.AgentID}
	if err := conn.Call(hsCtx, protocol.MethodAuthenticated, announce, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticated: %w", err)
	}

	m.mu.Lock()
	oldID, since := m.connectionID, m.lastGoodAt
	m.mu.Unlock()

	var outcome *resumeOutcome
	if oldID != "" {
		outcome, err = m.resume(hsCtx, conn, oldID, since)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resume: %w", err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.connectionID = auth.ConnectionID
	m.userID = auth.UserID
	m.mu.Unlock()

	// The mark moves only once the old cutoff has been used.
	if auth.ServerTime > 0 {
		m.markGood(time.UnixMilli(auth.ServerTime))
	} else {
		m.markGood(dialedAt)
	}

	m.logger.Info().
		Str("connectionId", auth.ConnectionID).
		Str("userId", auth.UserID).
		Bool("resumed", outcome != nil && outcome.resp.Success).
		Msg("Connected")

	if outcome != nil {
		m.applyResume(auth.ConnectionID, oldID, outcome)
	}
	m.setState(StateConnected)
	conn.release()
	return conn, nil
}

// serve blocks until the socket drops and returns the server's disconnect
// reason, if one was sent.
func (m *Manager) serve(ctx context.Context, conn *rpcConn) string {
	select {
	case <-m.wake:
	default:
	}

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(hbCtx, conn)
	}()

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}
	stop()
	wg.Wait()

	m.mu.Lock()
	m.conn = nil
	lastGood := m.lastGoodAt
	m.mu.Unlock()

	m.logger.Debug().
		Dur("silentFor", m.cfg.Now().Sub(lastGood)).
		Msg("Socket closed")

	return conn.disconnectReason()
}

// markGood advances lastGoodAt, the replay cutoff of the next resume, to the
// server stamp (or client send time) of a frame that arrived. It never moves
// backwards.
func (m *Manager) markGood(at time.Time) {
	m.mu.Lock()
	if at.After(m.lastGoodAt) {
		m.lastGoodAt = at
	}
	m.mu.Unlock()
}

func (m *Manager) handleEvent(event protocol.Event) {
	if event.Timestamp > 0 {
		m.markGood(time.UnixMilli(event.Timestamp))
	}

	switch {
	case event.Event == protocol.EventDisconnect:
		m.logger.Info().Str("data", string(event.Data)).Msg("Server sent disconnect")
	case event.Room != "":
		m.bus.Publish(TopicRoomEvent, RoomEvent{
			Room:      event.Room,
			Event:     event.Event,
			Data:      event.Data,
			Timestamp: time.UnixMilli(event.Timestamp),
		})
	default:
		m.logger.Debug().Str("event", event.Event).Msg("Ignoring connection event")
	}
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("State changed")
	m.bus.Publish(TopicState, StateChange{From: prev, To: next})
}

// giveUp enters the terminal state and allows Connect in one step.
func (m *Manager) giveUp(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.lastErr = err
	m.running = false
	m.state = StateGivenUp
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.bus.Publish(TopicState, StateChange{From: prev, To: StateGivenUp})
}

func (m *Manager) setRooms(rooms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms = make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		m.rooms[room] = struct{}{}
	}
}

func (m *Manager) roomList() []string {
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
