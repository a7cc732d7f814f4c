package daemon

import (
	"context"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/observability"
)

// statsInterval is how often the loop logs connection and session counts.
const statsInterval = 30 * time.Second

// EventLoop applies config reloads and logs periodic stats.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run runs until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return

		case cfg := <-e.daemon.reloads:
			e.applyReload(cfg)

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// applyReload takes over the settings that can change without a restart.
// The log level is applied by the config watcher itself.
func (e *EventLoop) applyReload(cfg *config.Config) {
	d := e.daemon
	d.mu.Lock()
	old := d.config
	next := *old
	next.Logging = cfg.Logging
	d.config = &next
	d.mu.Unlock()

	serverChanged := cfg.Server != old.Server
	if serverChanged {
		d.log.Warn().Msg("Server settings changed; restart the daemon to apply them")
	}
	observability.RecordConfigAudit(d.ctx, "config.reload", map[string]interface{}{
		"level":          cfg.Logging.Level,
		"server_changed": serverChanged,
	})
	d.log.Info().Str("level", cfg.Logging.Level).Msg("Configuration reloaded")
}

// processTasks logs what the daemon is holding.
func (e *EventLoop) processTasks() {
	d := e.daemon
	d.log.Debug().
		Int("connections", len(d.gatewayServer.GetConnectedClients())).
		Int("sessions", d.registry.Count()).
		Int("rooms", len(d.history.Rooms())).
		Msg("Daemon stats")
}
