package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/scheduler"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSweepInterval = time.Minute
	// SweepJob is the scheduler job name used by Cleanup.
	SweepJob = "session.sweep"
)

// ExpiredHandler is called with every session removed by a sweep.
type ExpiredHandler func(Session)

// Cleanup removes expired sessions on the scheduler.
type Cleanup struct {
	registry  *Registry
	scheduler *scheduler.Scheduler
	timeout   time.Duration
	interval  time.Duration

	mu        sync.Mutex
	running   bool
	onExpired []ExpiredHandler
}

// NewCleanup creates a cleanup for registry. Zero durations use the defaults.
func NewCleanup(registry *Registry, sched *scheduler.Scheduler, timeout, interval time.Duration) *Cleanup {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if interval == 0 {
		interval = DefaultSweepInterval
	}

	return &Cleanup{
		registry:  registry,
		scheduler: sched,
		timeout:   timeout,
		interval:  interval,
	}
}

// OnExpired registers a handler for swept sessions.
func (c *Cleanup) OnExpired(handler ExpiredHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = append(c.onExpired, handler)
}

// Start registers the sweep job.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	if err := c.scheduler.Add(SweepJob, c.interval, func(ctx context.Context) {
		c.sweep(ctx)
	}); err != nil {
		return err
	}
	c.running = true

	log.Info().
		Dur("timeout", c.timeout).
		Dur("interval", c.interval).
		Msg("Session cleanup started")

	return nil
}

// Stop unregisters the sweep job.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}
	c.scheduler.Remove(SweepJob)
	c.running = false

	log.Info().Msg("Session cleanup stopped")

	return nil
}

// IsRunning returns whether the sweep job is registered
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Timeout returns the session timeout used by sweeps.
func (c *Cleanup) Timeout() time.Duration {
	return c.timeout
}

// CleanupNow runs a sweep immediately and returns the removed sessions.
func (c *Cleanup) CleanupNow(ctx context.Context) []Session {
	return c.sweep(ctx)
}

func (c *Cleanup) sweep(ctx context.Context) []Session {
	expired := c.registry.Sweep(c.timeout)
	if len(expired) == 0 {
		return nil
	}

	c.mu.Lock()
	handlers := append([]ExpiredHandler(nil), c.onExpired...)
	c.mu.Unlock()

	for _, s := range expired {
		observability.RecordSessionAudit(ctx, "session.expired", s.UserID, "success", map[string]interface{}{
			"connectionId": s.ConnectionID,
			"rooms":        s.Rooms,
		})
		for _, handler := range handlers {
			handler(s)
		}
	}

	log.Info().
		Int("expired", len(expired)).
		Int("remaining", c.registry.Count()).
		Msg("Cleaned up expired sessions")

	return expired
}
