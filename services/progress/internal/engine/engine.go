// Package engine is the authoritative side of watch-progress tracking. It
// validates flush batches, merges them into the stored interval set and
// recomputes the watched percentage.
//
// Concurrent updates for the same (user, video) are serialized with an
// optimistic read-merge-write loop: a write only lands if the record version
// it read is still current, otherwise the merge is redone on fresh state.
// Because merging is idempotent and order independent, retried and
// duplicated batches converge to the same result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/watch-progress/internal/platform/events"
	"github.com/example/watch-progress/services/progress/internal/catalog"
	"github.com/example/watch-progress/services/progress/internal/interval"
	"github.com/example/watch-progress/services/progress/internal/store"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 10 * time.Millisecond
	defaultMaxBackoff  = 200 * time.Millisecond

	defaultListLimit = 25
	maxListLimit     = 100
)

// Publisher receives a notification after every successful update.
// *events.Publisher satisfies it.
type Publisher interface {
	Publish(subject, eventName, userID string, props map[string]any)
}

type Options struct {
	// Catalog, when set, rejects unknown videos and supplies the canonical
	// duration.
	Catalog catalog.Catalog
	Events  Publisher
	Logger  *zap.Logger

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Engine struct {
	store   store.Store
	catalog catalog.Catalog
	events  Publisher
	log     *zap.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:       st,
		catalog:     opts.Catalog,
		events:      opts.Events,
		log:         opts.Logger,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	if e.baseBackoff <= 0 {
		e.baseBackoff = defaultBaseBackoff
	}
	if e.maxBackoff < e.baseBackoff {
		e.maxBackoff = max(defaultMaxBackoff, e.baseBackoff)
	}
	return e
}

// Result is the outcome of ApplyUpdate.
type Result struct {
	ProgressPercent float64
	Record          store.Record
}

// ApplyUpdate validates u, merges it into the stored progress of
// (userKey, u.VideoKey) and returns the new authoritative percentage.
func (e *Engine) ApplyUpdate(ctx context.Context, userKey string, u Update) (Result, error) {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return Result{}, ErrUnauthorized
	}
	n, err := validate(u)
	if err != nil {
		return Result{}, err
	}

	duration, err := e.canonicalDuration(ctx, n.videoKey, n.duration)
	if err != nil {
		return Result{}, err
	}
	incoming := interval.Clamp(n.intervals, duration)
	key := store.Key{UserKey: userKey, VideoKey: n.videoKey}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		rec, err := e.mergeOnce(ctx, key, incoming, n.lastPosition, duration)
		if err == nil {
			e.publish(rec)
			return Result{ProgressPercent: rec.ProgressPercent, Record: rec}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, ctxErr)
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrUnavailable) {
			return Result{}, fmt.Errorf("apply update: %w", err)
		}
		lastErr = err
		e.log.Debug("progress merge retry",
			zap.String("user_key", userKey),
			zap.String("video_key", n.videoKey),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < e.maxAttempts {
			if err := sleep(ctx, e.backoff(attempt)); err != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
			}
		}
	}

	e.log.Warn("progress merge gave up",
		zap.String("user_key", userKey),
		zap.String("video_key", n.videoKey),
		zap.Int("attempts", e.maxAttempts),
		zap.Error(lastErr),
	)
	return Result{}, fmt.Errorf("%w: %d attempts: %w", ErrStorageUnavailable, e.maxAttempts, lastErr)
}

// mergeOnce runs a single read-merge-write cycle. The write is conditional on
// the version read, so a concurrent writer turns it into store.ErrConflict.
func (e *Engine) mergeOnce(ctx context.Context, key store.Key, incoming []interval.Interval, lastPosition float64, duration int) (store.Record, error) {
	cur, err := e.store.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cur = store.Record{UserKey: key.UserKey, VideoKey: key.VideoKey, WatchedIntervals: interval.Set{}}
	case err != nil:
		return store.Record{}, err
	}

	// Existing spans are re-clamped so a shorter duration never leaves
	// seconds outside [0, duration-1].
	merged := interval.Merge(interval.Set(interval.Clamp(cur.WatchedIntervals, duration)), incoming)

	next := cur
	next.VideoDuration = duration
	next.WatchedIntervals = merged
	next.LastPosition = lastPosition
	next.ProgressPercent = interval.Percent(merged, duration)

	if cur.Version == 0 {
		return e.store.Create(ctx, next)
	}
	return e.store.CompareAndSwap(ctx, next, cur.Version)
}

func (e *Engine) canonicalDuration(ctx context.Context, videoKey string, clientDuration int) (int, error) {
	if e.catalog == nil {
		return clientDuration, nil
	}
	v, err := e.catalog.Lookup(ctx, videoKey)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return 0, fmt.Errorf("%w: %s", ErrUnknownVideo, videoKey)
	case err != nil:
		return 0, fmt.Errorf("%w: catalog: %w", ErrStorageUnavailable, err)
	}
	if v.Duration > 0 {
		return v.Duration, nil
	}
	return clientDuration, nil
}

// GetProgress returns the stored progress or a zero-valued record when the
// user has not watched the video yet.
func (e *Engine) GetProgress(ctx context.Context, userKey, videoKey string) (store.Record, error) {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return store.Record{}, ErrUnauthorized
	}
	videoKey = strings.TrimSpace(videoKey)
	if videoKey == "" {
		return store.Record{}, invalid("videoId", "is required")
	}

	rec, err := e.store.Load(ctx, store.Key{UserKey: userKey, VideoKey: videoKey})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Record{UserKey: userKey, VideoKey: videoKey, WatchedIntervals: interval.Set{}}, nil
	case err != nil:
		return store.Record{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if rec.WatchedIntervals == nil {
		rec.WatchedIntervals = interval.Set{}
	}
	return rec, nil
}

// ListProgress returns the user's most recently updated records.
func (e *Engine) ListProgress(ctx context.Context, userKey string, limit int) ([]store.Record, error) {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return nil, ErrUnauthorized
	}
	recs, err := e.store.ListByUser(ctx, userKey, clampLimit(limit, defaultListLimit, maxListLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return recs, nil
}

func (e *Engine) publish(rec store.Record) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.SubjectProgressUpdated, "progress_updated", rec.UserKey, map[string]any{
		"video_id":         rec.VideoKey,
		"progress_percent": rec.ProgressPercent,
		"last_position":    rec.LastPosition,
		"video_duration":   rec.VideoDuration,
	})
}

// backoff is exponential in attempt with full jitter, capped at maxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.baseBackoff << (attempt - 1)
	if d <= 0 || d > e.maxBackoff {
		d = e.maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clampLimit(v, def, maxVal int) int {
	if v <= 0 {
		return def
	}
	if v > maxVal {
		return maxVal
	}
	return v
}

// Validate runs the request checks of ApplyUpdate without touching storage.
func (e *Engine) Validate(userKey string, u Update) error {
	if strings.TrimSpace(userKey) == "" {
		return ErrUnauthorized
	}
	_, err := validate(u)
	return err
}
