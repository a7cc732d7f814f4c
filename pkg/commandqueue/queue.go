package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tether/internal/observability"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	queue   []*taskRecord
	running bool
	mu      sync.Mutex
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued  int
	Running bool
}

// CommandQueue runs tasks one at a time per lane, in enqueue order.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue. Lanes are created on first use.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// lane returns the lane state, creating it when missing.
func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[name]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists = cq.lanes[name]; exists {
		return ls
	}
	ls = &laneState{}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

// Enqueue adds a task to the lane and waits for its result. If ctx is done
// while the task is still queued, the task is dropped and ctx's error returned;
// a task that already started keeps running to completion.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		if cq.dequeue(lane, taskID) {
			return nil, ctx.Err()
		}
		result := <-record.result
		return result.value, result.err
	}
}

// dequeue removes a still-queued task. It reports false when the task already started.
func (cq *CommandQueue) dequeue(lane, taskID string) bool {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, record := range ls.queue {
		if record.id == taskID {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane starts the next queued task unless one is running.
func (cq *CommandQueue) processLane(lane string) {
	cq.mu.RLock()
	closed := cq.closed
	cq.mu.RUnlock()

	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if closed {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		return
	}

	if ls.running || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	log.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Dur("waited", time.Since(record.enqueuedAt)).
		Msg("Task started")

	cq.wg.Add(1)
	go cq.executeTask(lane, record)
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		log.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		log.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane)
}

// Stats returns the queued count and whether a task of lane is running.
func (cq *CommandQueue) Stats(lane string) LaneStats {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return LaneStats{Queued: len(ls.queue), Running: ls.running}
}

// Close rejects queued tasks, cancels running task contexts and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
