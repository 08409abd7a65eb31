package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps progress records in process memory.
// State is lost on restart and is not shared between instances.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Load(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	if _, ok := s.records[key]; ok {
		return Record{}, ErrConflict
	}
	now := s.now()
	rec = copyRecord(rec)
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, rec Record, expected int64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	cur, ok := s.records[key]
	if !ok || cur.Version != expected {
		return Record{}, ErrConflict
	}
	rec = copyRecord(rec)
	rec.Version = expected + 1
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = s.now()
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userKey string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Record, 0)
	for k, rec := range s.records {
		if k.UserKey == userKey {
			out = append(out, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].VideoKey > out[j].VideoKey
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(r Record) Record {
	r.WatchedIntervals = cloneSet(r.WatchedIntervals)
	return r
}
