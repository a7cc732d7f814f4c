// Package daemon runs the tether session server: the session registry, room
// history, gateway and the scheduled sweeps that keep them bounded.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/gateway"
	"github.com/harun/tether/pkg/history"
	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/scheduler"
	"github.com/harun/tether/pkg/session"
	"github.com/rs/zerolog"
)

// HistorySweepJob is the scheduler job that drops aged history entries.
const HistorySweepJob = "history.sweep"

// Daemon represents the tether server process
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	registry      *session.Registry
	history       *history.Buffer
	gatewayServer *gateway.Server
	scheduler     *scheduler.Scheduler
	cleanup       *session.Cleanup

	eventLoop *EventLoop
	lifecycle *LifecycleManager
	reloads   chan *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	Addr        string
	Connections int
	Sessions    int
}

// New creates a daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg.Server.SharedSecret == "" {
		return nil, fmt.Errorf("server.shared_secret is required")
	}

	observability.EnsureRegistered()
	base := log.Zerolog()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     base.With().Str("component", "daemon").Logger(),
		reloads: make(chan *config.Config, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Server.AuditLog != "" {
		if err := observability.InitAuditLogger(cfg.Server.AuditLog); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.log.Info().Str("path", cfg.Server.AuditLog).Msg("Audit logger initialized")
		}
	}

	d.registry = session.NewRegistry(session.Config{Logger: base})
	d.history = history.New(history.Config{
		Size:   cfg.Server.HistorySize,
		Logger: base,
	})

	server, err := gateway.NewServer(gateway.Config{
		Addr:              cfg.Addr(),
		PublishSecret:     cfg.Server.PublishSecret,
		Verifier:          gateway.NewHMACVerifier(cfg.Server.SharedSecret),
		Registry:          d.registry,
		History:           d.history,
		ResumeTimeout:     cfg.Server.SessionTimeout,
		TickInterval:      cfg.Server.TickInterval,
		MaxAuthAttempts:   cfg.Server.MaxAuthAttempts,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		Logger:            base,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	d.scheduler = scheduler.New(base)
	d.cleanup = session.NewCleanup(d.registry, d.scheduler, cfg.Server.SessionTimeout, cfg.Server.SweepInterval)
	d.cleanup.OnExpired(func(s session.Session) {
		d.gatewayServer.Kick(s.ConnectionID, protocol.ReasonSessionExpired)
	})

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting tether daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.cleanup.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session cleanup")
	}

	maxAge := d.config.Server.HistoryMaxAge
	if maxAge > 0 {
		every := d.config.Server.HistorySweepInterval
		if every <= 0 {
			every = time.Minute
		}
		if err := d.scheduler.Add(HistorySweepJob, every, func(context.Context) {
			d.history.Sweep(maxAge)
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to schedule history sweep")
		}
	}
	d.scheduler.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Strs("jobs", d.scheduler.Jobs()).Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping tether daemon")

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session cleanup")
		}
	}
	d.scheduler.Stop()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		Connections: len(d.gatewayServer.GetConnectedClients()),
		Sessions:    d.registry.Count(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
	}

	return status
}

// WatchConfig hands config file changes to the event loop.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	return loader.Watch(func(cfg *config.Config) {
		select {
		case d.reloads <- cfg:
		default:
			// a reload is already pending; the loop reads the file state anyway
		}
	})
}

// Wait blocks until SIGINT/SIGTERM, then stops the daemon. It also returns
// once the daemon was stopped some other way.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := d.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-d.ctx.Done():
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *session.Registry {
	return d.registry
}

// GetHistory returns the room history buffer
func (d *Daemon) GetHistory() *history.Buffer {
	return d.history
}

// GetCleanup returns the session cleanup
func (d *Daemon) GetCleanup() *session.Cleanup {
	return d.cleanup
}

// GetScheduler returns the maintenance scheduler
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}
