package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/history"
	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/resume"
	"github.com/harun/tether/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// PublishSecretHeader carries the shared secret on /publish.
const PublishSecretHeader = "X-Tether-Secret"

const maxPublishBody = 1 << 20

// Server is the websocket endpoint clients connect, resume and receive
// room events on.
type Server struct {
	addr            string
	publishSecret   string
	tickInterval    time.Duration
	maxAuthAttempts int
	rateLimit       int
	shutdownTimeout time.Duration
	server          *http.Server
	listener        net.Listener
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	router          *RPCRouter
	verifier        Verifier
	broadcaster     *EventBroadcaster
	registry        *session.Registry
	history         *history.Buffer
	resume          *resume.Service
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	inFlightReqs    sync.WaitGroup
	tickCancel      context.CancelFunc
	tickWG          sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, e.g. ":8420". Port 0 picks a free port.
	Addr string
	// PublishSecret guards /publish. Empty disables the endpoint.
	PublishSecret string
	Verifier      Verifier
	Registry      *session.Registry
	History       *history.Buffer
	// ResumeTimeout is how long a dropped session can be resumed.
	ResumeTimeout   time.Duration
	TickInterval    time.Duration
	MaxAuthAttempts int
	// RequestsPerMinute bounds each connection's RPC rate.
	RequestsPerMinute int
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger
}

// NewServer creates a server and its resume service. The server's client
// registry is the resume service's room joiner.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history buffer is required")
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	router, err := NewRPCRouter()
	if err != nil {
		return nil, err
	}
	resumer, err := resume.New(resume.Config{
		Registry: cfg.Registry,
		History:  cfg.History,
		Joiner:   clients,
		Timeout:  cfg.ResumeTimeout,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:            cfg.Addr,
		publishSecret:   cfg.PublishSecret,
		tickInterval:    cfg.TickInterval,
		maxAuthAttempts: cfg.MaxAuthAttempts,
		rateLimit:       cfg.RequestsPerMinute,
		shutdownTimeout: cfg.ShutdownTimeout,
		clients:         clients,
		router:          router,
		verifier:        cfg.Verifier,
		broadcaster:     NewEventBroadcaster(clients, cfg.History, logger),
		registry:        cfg.Registry,
		history:         cfg.History,
		resume:          resumer,
		logger:          logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/publish", s.handlePublish)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop tells clients the server is going away, waits for in-flight
// requests and closes every socket. Sessions are left for resume.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast(protocol.EventDisconnect, protocol.DisconnectNotice{
		Reason: protocol.ReasonServerShutdown,
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(protocol.EventTick, map[string]interface{}{
					"status": "alive",
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate connection id")
		conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr, NewClientRateLimiter(s.rateLimit))

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads frames from one client and answers them in order.
func (s *Server) handleClient(client *Client) {
	ctx := tracing.NewConnectionContext(context.Background(), client.ID)

	defer func() {
		client.setClosed()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		// The resume window counts from the drop.
		_ = s.registry.Touch(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)

		if !s.handleMessage(ctx, client, message) {
			return
		}
	}
}

// handleMessage answers one frame. It returns false when the connection
// must be closed.
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) bool {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.send(client, errorResponse("", err))
		return true
	}

	if req.Method != protocol.MethodAuthenticate && !client.Authenticated() {
		s.send(client, protocol.NewError(req.ID, protocol.AuthenticationRequired, "Authentication required"))
		return true
	}

	if !client.RateLimiter.Allow() {
		observability.RecordRateLimited()
		s.send(client, protocol.NewError(req.ID, protocol.RateLimitExceeded, "rate limit exceeded"))
		return true
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	reqCtx := tracing.NewRequestContext(tracing.WithRequestID(ctx, req.ID))
	if userID := client.UserID(); userID != "" {
		reqCtx = tracing.WithUserID(reqCtx, userID)
	}

	response := s.router.RouteRequest(reqCtx, client, req)
	s.send(client, response)

	if req.Method == protocol.MethodAuthenticate && response.Error != nil && !client.Authenticated() {
		attempts := client.AuthAttempts()
		if attempts >= s.maxAuthAttempts {
			s.logger.Warn().Str("clientId", client.ID).Int("attempts", attempts).Msg("Closing connection after failed authentication")
			return false
		}
	}
	return true
}

func (s *Server) send(client *Client, response *protocol.Response) {
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("requestId", response.ID).
			Msg("Failed to send response")
	}
}

// handlePublish lets domain producers push room events over HTTP.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.publishSecret == "" {
		http.Error(w, "publishing disabled", http.StatusNotFound)
		return
	}
	secret := r.Header.Get(PublishSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.publishSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req PublishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Room == "" || req.Event == "" {
		http.Error(w, "room and event are required", http.StatusBadRequest)
		return
	}

	ctx := tracing.ExtractHeader(r.Context(), r.Header)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	entry, err := s.Publish(req.Room, req.Event, req.Data)
	if err != nil {
		logger.Error().Err(err).Str("room", req.Room).Msg("Publish failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Debug().Str("room", req.Room).Str("event", req.Event).Msg("Event published")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		logger.Error().Err(err).Msg("Failed to encode publish response")
	}
}

// Publish records an event in the room history and delivers it to the
// room's live members.
func (s *Server) Publish(room, event string, payload json.RawMessage) (protocol.HistoryEntry, error) {
	return s.broadcaster.Publish(room, event, payload)
}

// Kick tells a client why it is being dropped and closes its socket. The
// session stays resumable.
func (s *Server) Kick(connID, reason string) bool {
	client, ok := s.clients.Get(connID)
	if !ok {
		return false
	}
	if err := s.broadcaster.Notify(client, protocol.EventDisconnect, protocol.DisconnectNotice{Reason: reason}); err != nil {
		s.logger.Warn().Err(err).Str("clientId", connID).Msg("Failed to send disconnect notice")
	}
	client.Conn.Close()
	return true
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// Resume returns the server's resume service.
func (s *Server) Resume() *resume.Service {
	return s.resume
}
