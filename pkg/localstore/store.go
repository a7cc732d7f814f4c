// Package localstore is the durable key-value store behind the client's
// cache and outbox. Records live in named buckets and carry a secondary
// (status, timestamp) index used for range queries.
package localstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in a bucket.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Record is one stored value.
type Record struct {
	Key       string
	Value     []byte
	Status    string
	Timestamp time.Time
}

// Range selects records by the secondary index. Empty Statuses matches any
// status, a zero From or To leaves that side open. From is inclusive, To is
// exclusive. Limit 0 returns every match.
type Range struct {
	Statuses []string
	From     time.Time
	To       time.Time
	Limit    int
}

// Store is implemented by SQLiteStore and MemoryStore. QueryByRange results
// are ordered by (timestamp, key). Put is durable once it returns.
type Store interface {
	Put(ctx context.Context, bucket string, rec Record) error
	Get(ctx context.Context, bucket, key string) (Record, error)
	Delete(ctx context.Context, bucket, key string) error
	QueryByRange(ctx context.Context, bucket string, r Range) ([]Record, error)
	Close() error
}

func (r Range) matches(rec Record) bool {
	if len(r.Statuses) > 0 {
		found := false
		for _, s := range r.Statuses {
			if s == rec.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !r.From.IsZero() && rec.Timestamp.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !rec.Timestamp.Before(r.To) {
		return false
	}
	return true
}
