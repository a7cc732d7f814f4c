package localstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It satisfies Store for tests
// and ephemeral clients; nothing survives Close.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Record
	closed  bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]Record)}
}

func (s *MemoryStore) Put(ctx context.Context, bucket string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Record)
		s.buckets[bucket] = b
	}
	rec.Value = append([]byte(nil), rec.Value...)
	b[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}
	rec, ok := s.buckets[bucket][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.buckets[bucket], key)
	return nil
}

func (s *MemoryStore) QueryByRange(ctx context.Context, bucket string, r Range) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []Record
	closed := s.closed
	if !closed {
		for _, rec := range s.buckets[bucket] {
			if r.matches(rec) {
				rec.Value = append([]byte(nil), rec.Value...)
				out = append(out, rec)
			}
		}
	}
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Key < out[j].Key
	})
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	return nil
}
