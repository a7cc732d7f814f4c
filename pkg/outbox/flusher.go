package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/commandqueue"
	"github.com/harun/tether/pkg/scheduler"
	"github.com/rs/zerolog"
)

// FlushLane is the commandqueue lane flush passes run on.
const FlushLane = "outbox.flush"

// TopicFlushed is published with a FlushResult after every pass.
const TopicFlushed = "outbox.flushed"

// Sender delivers one action to the server.
type Sender interface {
	Send(ctx context.Context, action PendingAction) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, action PendingAction) error

func (f SenderFunc) Send(ctx context.Context, action PendingAction) error {
	return f(ctx, action)
}

// FlushResult summarizes one pass.
type FlushResult struct {
	Attempted int
	Synced    int
	Failed    int
	Dead      int
}

// FlusherConfig configures a Flusher.
type FlusherConfig struct {
	Store  *Store
	Sender Sender
	Queue  *commandqueue.CommandQueue
	// Scheduler and Interval enable a periodic trigger when both are set.
	Scheduler *scheduler.Scheduler
	Interval  time.Duration
	Logger    zerolog.Logger
}

// Flusher runs serialized flush passes over a Store.
type Flusher struct {
	store     *Store
	sender    Sender
	queue     *commandqueue.CommandQueue
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Bool
}

// NewFlusher creates a flusher and registers its periodic job, if any.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Store == nil {
		return nil, errors.New("outbox: store is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("outbox: sender is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("outbox: command queue is required")
	}
	cfg.Queue.SetConcurrency(FlushLane, 1)

	ctx, cancel := context.WithCancel(context.Background())
	f := &Flusher{
		store:  cfg.Store,
		sender: cfg.Sender,
		queue:  cfg.Queue,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Scheduler != nil && cfg.Interval > 0 {
		if err := cfg.Scheduler.Add(FlushLane, cfg.Interval, func(context.Context) {
			f.Trigger()
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("outbox: schedule flush: %w", err)
		}
		f.scheduler = cfg.Scheduler
	}

	return f, nil
}

// Trigger requests a pass without waiting for it. Triggers that arrive
// while a pass is queued collapse into that pass.
func (f *Flusher) Trigger() {
	if f.ctx.Err() != nil {
		return
	}
	if !f.pending.CompareAndSwap(false, true) {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		_, err := f.queue.Enqueue(f.ctx, FlushLane, func(ctx context.Context) (interface{}, error) {
			f.pending.Store(false)
			return f.pass(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, commandqueue.ErrClosed) {
			f.logger.Warn().Err(err).Msg("Outbox flush failed")
		}
		if err != nil {
			f.pending.Store(false)
		}
	}()
}

// Flush runs a pass and waits for its result. It queues behind a running pass.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	value, err := f.queue.Enqueue(ctx, FlushLane, func(taskCtx context.Context) (interface{}, error) {
		return f.pass(taskCtx)
	})
	if err != nil {
		return FlushResult{}, err
	}
	return value.(FlushResult), nil
}

// Stop cancels in-flight passes and waits for triggered passes to return.
func (f *Flusher) Stop() {
	if f.scheduler != nil {
		f.scheduler.Remove(FlushLane)
	}
	f.cancel()
	f.wg.Wait()
}

func (f *Flusher) pass(ctx context.Context) (FlushResult, error) {
	var result FlushResult

	actions, err := f.store.query(ctx, []Status{StatusPending, StatusFailed})
	if err != nil {
		return result, fmt.Errorf("outbox: list actions: %w", err)
	}
	if len(actions) == 0 {
		return result, nil
	}

	start := time.Now()
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := f.syncOne(ctx, action)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeSkipped:
			continue
		case outcomeSynced:
			result.Synced++
		case outcomeDead:
			result.Dead++
		default:
			result.Failed++
		}
		result.Attempted++
	}

	f.logger.Info().
		Int("attempted", result.Attempted).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("dead", result.Dead).
		Dur("duration", time.Since(start)).
		Msg("Outbox flush pass finished")

	if f.store.bus != nil {
		f.store.bus.Publish(TopicFlushed, result)
	}
	return result, nil
}

const (
	outcomeSynced  = "success"
	outcomeFailed  = string(StatusFailed)
	outcomeDead    = string(StatusDead)
	outcomeSkipped = "skipped"
)

// syncOne attempts one action. The error is non-nil only for store failures.
func (f *Flusher) syncOne(ctx context.Context, action PendingAction) (string, error) {
	action, err := f.store.MarkSyncing(ctx, action.ID)
	if errors.Is(err, ErrActionNotFound) || errors.Is(err, errNotSyncable) {
		// Removed or revived by someone else since the pass listed it.
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	sendErr := f.sender.Send(ctx, action)
	if sendErr == nil {
		if err := f.store.Remove(context.WithoutCancel(ctx), action.ID); err != nil {
			return "", err
		}
		observability.RecordOutboxSync(outcomeSynced)
		f.logger.Debug().Str("id", action.ID).Str("type", action.ActionType).Msg("Action synced")
		return outcomeSynced, nil
	}

	failed, err := f.store.MarkFailed(context.WithoutCancel(ctx), action.ID, fmt.Errorf("%w: %w", ErrSyncFailed, sendErr))
	if err != nil {
		return "", err
	}

	outcome := string(failed.Status)
	observability.RecordOutboxSync(outcome)
	f.logger.Warn().
		Str("id", action.ID).
		Str("type", action.ActionType).
		Int("attempt", failed.RetryCount).
		Err(sendErr).
		Msg("Action sync failed")
	return outcome, nil
}
