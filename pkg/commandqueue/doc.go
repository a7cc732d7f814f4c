// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - A lane runs one task at a time, so it is a serialized, non re-entrant
//   executor.
// - Tasks in different lanes may execute concurrently.
// - Queue depth and task durations are exported as metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "outbox.flush", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
