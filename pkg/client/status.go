package client

import (
	"context"
	"time"

	"github.com/harun/tether/pkg/connection"
	"github.com/harun/tether/pkg/outbox"
)

// Status is what a UI needs to render an offline or syncing indicator.
type Status struct {
	State   connection.State
	Offline bool
	Pending int
	Syncing int
	Failed  int
	Dead    int
	// Flushing is true while an outbox pass is running.
	Flushing bool
	Latency  time.Duration
}

// Status snapshots the connection and the outbox.
func (c *Client) Status(ctx context.Context) (Status, error) {
	counts, err := c.outbox.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:    c.conn.State(),
		Offline:  c.conn.Offline(),
		Pending:  counts.Pending,
		Syncing:  counts.Syncing,
		Failed:   counts.Failed,
		Dead:     counts.Dead,
		Flushing: c.queue.Stats(outbox.FlushLane).Running,
		Latency:  c.conn.Latency(),
	}, nil
}
