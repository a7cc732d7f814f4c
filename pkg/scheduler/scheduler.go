// Package scheduler runs named periodic jobs with an explicit start/stop
// lifecycle. Tests drive jobs deterministically through RunNow instead of
// waiting on wall-clock timers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the body of a scheduled job. The context is cancelled on Stop.
type JobFunc func(ctx context.Context)

type job struct {
	name  string
	every time.Duration
	fn    JobFunc
	entry cron.EntryID
	mu    sync.Mutex
}

// Scheduler owns a cron runner and its jobs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*job
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger) *Scheduler {
	cronLogger := cronLogAdapter{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:   make(map[string]*job),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job that runs every interval once the scheduler is started.
// Intervals are rounded down to whole seconds with a one second minimum.
func (s *Scheduler) Add(name string, every time.Duration, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: function is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, every: every, fn: fn}
	j.entry = s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		s.runJob(s.ctx, j)
	}))
	s.jobs[name] = j

	s.logger.Debug().Str("job", name).Dur("every", every).Msg("Job scheduled")
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, exists := s.jobs[name]; exists {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop cancels job contexts and waits for running jobs to return.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()

	s.logger.Info().Msg("Scheduler stopped")
}

// RunNow runs the named job synchronously, serialized with its scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	s.runJob(ctx, j)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	j.fn(ctx)
	s.logger.Debug().
		Str("job", j.name).
		Dur("duration", time.Since(start)).
		Msg("Job finished")
}

// cronLogAdapter routes robfig/cron logging into zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
