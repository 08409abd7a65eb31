package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/watch-progress/services/progress/internal/interval"
)

var (
	// ErrNotFound is returned by Load when no record exists for the key.
	ErrNotFound = errors.New("progress record not found")
	// ErrConflict is returned when a Create races with another Create for the
	// same key, or a CompareAndSwap observes a different version.
	ErrConflict = errors.New("progress record version conflict")
	// ErrUnavailable wraps transient backend failures.
	ErrUnavailable = errors.New("progress store unavailable")
)

// Key identifies one progress record.
type Key struct {
	UserKey  string
	VideoKey string
}

// Record is the durable watch state of one user for one video.
type Record struct {
	UserKey          string
	VideoKey         string
	VideoDuration    int
	WatchedIntervals interval.Set
	LastPosition     float64
	ProgressPercent  float64
	// Version starts at 1 on Create and is incremented by every CompareAndSwap.
	// Zero means the record has never been stored.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the record's compound key.
func (r Record) Key() Key {
	return Key{UserKey: r.UserKey, VideoKey: r.VideoKey}
}

// Store persists progress records with optimistic concurrency.
type Store interface {
	// Load returns the current record or ErrNotFound.
	Load(ctx context.Context, key Key) (Record, error)
	// Create inserts rec with version 1. It fails with ErrConflict if a record
	// for the key already exists.
	Create(ctx context.Context, rec Record) (Record, error)
	// CompareAndSwap replaces the stored record only if its version equals
	// expected, returning the stored record with the bumped version.
	// It fails with ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, rec Record, expected int64) (Record, error)
	// ListByUser returns up to limit records ordered by UpdatedAt descending.
	ListByUser(ctx context.Context, userKey string, limit int) ([]Record, error)
}

func cloneSet(s interval.Set) interval.Set {
	out := make(interval.Set, len(s))
	copy(out, s)
	return out
}
