// Package client wires the client side of tether together: local storage,
// the response cache, the request gateway, the durable outbox and the
// connection manager.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tether/pkg/cache"
	"github.com/harun/tether/pkg/commandqueue"
	"github.com/harun/tether/pkg/connection"
	"github.com/harun/tether/pkg/localstore"
	"github.com/harun/tether/pkg/outbox"
	"github.com/harun/tether/pkg/pubsub"
	"github.com/harun/tether/pkg/request"
	"github.com/harun/tether/pkg/scheduler"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	DefaultFlushInterval      = time.Minute
	DefaultCachePurgeInterval = time.Hour

	cachePurgeJob = "cache.purge"
	databaseFile  = "tether.db"
)

// Config configures a Client. Connection.Bus, Request.Cache and
// Request.Connectivity are filled in by New.
type Config struct {
	Connection connection.Config
	Request    request.Config

	// DataDir holds the SQLite database. Empty keeps everything in memory
	// unless Store is set.
	DataDir string
	Store   localstore.Store

	OutboxMaxAttempts  int
	FlushInterval      time.Duration
	CacheMaxStale      time.Duration
	CachePurgeInterval time.Duration

	Logger zerolog.Logger
}

// MutationResult tells the caller where a mutation ended up.
type MutationResult struct {
	ActionID string
	// Sent is set when the server acknowledged the write directly, Queued
	// when it was stored for a later flush.
	Sent   bool
	Queued bool
}

// Client is the composed client runtime.
type Client struct {
	bus       *pubsub.Bus
	store     localstore.Store
	ownsStore bool
	cache     *cache.Cache
	gateway   *request.Gateway
	sender    *request.ActionSender
	outbox    *outbox.Store
	queue     *commandqueue.CommandQueue
	scheduler *scheduler.Scheduler
	flusher   *outbox.Flusher
	conn      *connection.Manager
	subs      []*pubsub.Subscription
	logger    zerolog.Logger
}

// New builds a client. Nothing touches the network until Connect.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CachePurgeInterval <= 0 {
		cfg.CachePurgeInterval = DefaultCachePurgeInterval
	}
	if cfg.OutboxMaxAttempts == 0 {
		cfg.OutboxMaxAttempts = outbox.DefaultMaxAttempts
	}

	c := &Client{
		bus:    pubsub.New(),
		logger: cfg.Logger.With().Str("component", "client").Logger(),
	}

	switch {
	case cfg.Store != nil:
		c.store = cfg.Store
	case cfg.DataDir != "":
		store, err := localstore.OpenSQLite(localstore.SQLiteConfig{
			Path:   filepath.Join(cfg.DataDir, databaseFile),
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		c.store = store
		c.ownsStore = true
	default:
		c.store = localstore.NewMemoryStore()
		c.ownsStore = true
	}

	c.cache = cache.New(cache.Config{
		Store:    c.store,
		MaxStale: cfg.CacheMaxStale,
		Logger:   cfg.Logger,
	})

	connCfg := cfg.Connection
	connCfg.Bus = c.bus
	connCfg.Logger = cfg.Logger
	conn, err := connection.NewManager(connCfg)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.conn = conn

	reqCfg := cfg.Request
	reqCfg.Cache = c.cache
	reqCfg.Connectivity = conn
	reqCfg.Logger = cfg.Logger
	gateway, err := request.New(reqCfg)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.gateway = gateway
	c.sender = request.NewActionSender(gateway)

	box, err := outbox.Open(ctx, outbox.Config{
		Store:       c.store,
		Bus:         c.bus,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      cfg.Logger,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.outbox = box

	c.queue = commandqueue.New()
	c.scheduler = scheduler.New(cfg.Logger)

	flusher, err := outbox.NewFlusher(outbox.FlusherConfig{
		Store:     box,
		Sender:    c.sender,
		Queue:     c.queue,
		Scheduler: c.scheduler,
		Interval:  cfg.FlushInterval,
		Logger:    cfg.Logger,
	})
	if err != nil {
		_ = c.queue.Close()
		c.closeStore()
		return nil, err
	}
	c.flusher = flusher

	if err := c.scheduler.Add(cachePurgeJob, cfg.CachePurgeInterval, c.purgeCache); err != nil {
		flusher.Stop()
		_ = c.queue.Close()
		c.closeStore()
		return nil, err
	}

	c.subs = append(c.subs, c.bus.Subscribe(connection.TopicState, func(payload interface{}) {
		if change, ok := payload.(connection.StateChange); ok && change.To == connection.StateConnected {
			c.flusher.Trigger()
		}
	}))

	c.scheduler.Start()
	return c, nil
}

// Connect starts the connection manager.
func (c *Client) Connect(credential string) {
	c.conn.Connect(credential)
}

// Disconnect closes the socket and stops reconnecting.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// WaitConnected blocks until the connection is up or the manager gave up.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.conn.WaitConnected(ctx)
}

// Mutate sends a write to the server, or stores it in the outbox when the
// device is offline or the send failed with a retryable error. Permanent
// failures are returned to the caller and nothing is stored.
func (c *Client) Mutate(ctx context.Context, actionType string, payload []byte) (MutationResult, error) {
	if actionType == "" {
		return MutationResult{}, errors.New("client: action type is required")
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return MutationResult{}, errors.New("client: payload must be valid JSON")
	}

	action := outbox.PendingAction{
		ID:         uuid.NewString(),
		ActionType: actionType,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Status:     outbox.StatusPending,
	}

	if !c.conn.Offline() {
		err := c.sender.Send(ctx, action)
		if err == nil {
			return MutationResult{ActionID: action.ID, Sent: true}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return MutationResult{}, ctxErr
		}
		if errors.Is(err, request.ErrPermanentRequest) {
			return MutationResult{}, err
		}
		c.logger.Info().Err(err).Str("type", actionType).Msg("Write failed, queueing action")
	}

	id, err := c.outbox.EnqueueWithID(ctx, action.ID, actionType, payload)
	if err != nil {
		return MutationResult{}, fmt.Errorf("client: queue %s: %w", actionType, err)
	}
	return MutationResult{ActionID: id, Queued: true}, nil
}

// Get reads through the gateway. A non-empty cacheKey enables caching with
// ttl and the offline stale fallback.
func (c *Client) Get(ctx context.Context, path, cacheKey string, ttl time.Duration) (*request.Response, error) {
	return c.gateway.Get(ctx, path, cacheKey, ttl)
}

// JoinRoom subscribes the session to room.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	return c.conn.JoinRoom(ctx, room)
}

// LeaveRoom unsubscribes the session from room.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.conn.LeaveRoom(ctx, room)
}

// SetNetworkAvailable forwards the platform network state. Regaining the
// network triggers a flush.
func (c *Client) SetNetworkAvailable(available bool) {
	wasOffline := c.conn.Offline()
	c.conn.SetNetworkAvailable(available)
	if available && wasOffline {
		c.flusher.Trigger()
	}
}

// NotifyForeground tells the manager the app became visible again.
func (c *Client) NotifyForeground() {
	c.conn.NotifyForeground()
}

// Flush runs a flush pass and waits for it.
func (c *Client) Flush(ctx context.Context) (outbox.FlushResult, error) {
	return c.flusher.Flush(ctx)
}

// Retry moves a failed or dead action back to pending and triggers a flush.
func (c *Client) Retry(ctx context.Context, id string) error {
	if err := c.outbox.Retry(ctx, id); err != nil {
		return err
	}
	c.flusher.Trigger()
	return nil
}

// Bus is where connection, room and outbox events are published.
func (c *Client) Bus() *pubsub.Bus {
	return c.bus
}

// Outbox exposes the durable action store.
func (c *Client) Outbox() *outbox.Store {
	return c.outbox
}

// Connection exposes the connection manager.
func (c *Client) Connection() *connection.Manager {
	return c.conn
}

func (c *Client) purgeCache(ctx context.Context) {
	n, err := c.cache.Purge(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cache purge failed")
		return
	}
	if n > 0 {
		c.logger.Debug().Int("removed", n).Msg("Purged stale cache entries")
	}
}

// Close stops every background loop and closes the store.
func (c *Client) Close() error {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.conn.Disconnect()
	c.scheduler.Stop()
	c.flusher.Stop()

	var result *multierror.Error
	if err := c.queue.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close queue: %w", err))
	}
	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	c.bus.Close()
	return result.ErrorOrNil()
}

func (c *Client) closeStore() {
	if c.ownsStore {
		_ = c.store.Close()
	}
}
