// Package tracker accumulates watched seconds on the playback side and
// flushes them to the progress service in batches.
//
// A Tracker is never the source of truth. Its percentage is an estimate that
// is replaced by the server value after every acknowledged flush, and a batch
// is only forgotten once the server has confirmed it.
package tracker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/watch-progress/services/progress/internal/interval"
)

// Batch is the payload of one flush.
type Batch struct {
	VideoKey     string
	Intervals    []interval.Interval
	LastPosition float64
	Duration     int
}

// Flusher delivers a batch and returns the authoritative percentage.
type Flusher interface {
	Flush(ctx context.Context, b Batch) (float64, error)
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(ctx context.Context, b Batch) (float64, error)

func (f FlusherFunc) Flush(ctx context.Context, b Batch) (float64, error) { return f(ctx, b) }

// Progress is the server state used to resume a video.
type Progress struct {
	WatchedIntervals interval.Set
	LastPosition     float64
	ProgressPercent  float64
	VideoDuration    int
}

type Tracker struct {
	videoKey string
	flusher  Flusher
	log      *zap.Logger

	// flushMu allows one batch on the wire at a time; mu guards the state
	// below and is never held across a Flusher call.
	flushMu sync.Mutex
	mu      sync.Mutex

	duration     int
	seen         map[int]struct{}
	pending      []interval.Interval
	open         *interval.Interval
	inFlight     []interval.Interval
	lastPosition float64
	estimated    float64
}

func New(videoKey string, f Flusher, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		videoKey: videoKey,
		flusher:  f,
		log:      log.With(zap.String("video_key", videoKey)),
		seen:     make(map[int]struct{}),
	}
}

// SetDuration records the player-reported duration. Non-positive or
// non-finite values leave the tracker without a known duration.
func (t *Tracker) SetDuration(seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 1 {
		return
	}
	t.duration = int(math.Floor(seconds))
	t.updateEstimate()
}

// Hydrate seeds the tracker with the server's view and returns the position
// to resume playback at.
func (t *Tracker) Hydrate(p Progress) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	interval.Each(p.WatchedIntervals, func(sec int) {
		t.seen[sec] = struct{}{}
	})
	if t.duration == 0 && p.VideoDuration > 0 {
		t.duration = p.VideoDuration
	}
	t.estimated = p.ProgressPercent
	if len(t.pending) > 0 || t.open != nil {
		t.updateEstimate()
	}
	if p.LastPosition > 0 {
		t.lastPosition = p.LastPosition
	}
	return t.lastPosition
}

// Observe records a playback sample.
func (t *Tracker) Observe(position float64) {
	if math.IsNaN(position) || math.IsInf(position, 0) || position < 0 {
		return
	}
	sec := int(math.Floor(position))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPosition = position
	if _, ok := t.seen[sec]; ok {
		return
	}
	t.seen[sec] = struct{}{}

	switch {
	case t.open == nil:
		t.open = &interval.Interval{Start: sec, End: sec}
	case sec == t.open.End+1:
		t.open.End = sec
	default:
		t.pending = append(t.pending, *t.open)
		t.open = &interval.Interval{Start: sec, End: sec}
	}
	t.updateEstimate()
}

func (t *Tracker) updateEstimate() {
	if t.duration <= 0 {
		return
	}
	t.estimated = math.Min(float64(len(t.seen))/float64(t.duration)*100, 100)
}

// Flush sends everything observed since the last acknowledged flush. It is a
// no-op when there is nothing to send or the duration is still unknown. On
// failure the batch is kept for the next attempt and the error is returned.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	b, ok := t.takeBatch()
	if !ok {
		return nil
	}

	percent, err := t.flusher.Flush(ctx, b)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = nil
	if err != nil {
		t.pending = append(append([]interval.Interval(nil), b.Intervals...), t.pending...)
		t.log.Warn("progress flush failed",
			zap.Int("intervals", len(b.Intervals)),
			zap.Error(err),
		)
		return err
	}
	t.estimated = percent
	return nil
}

func (t *Tracker) takeBatch() (Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.duration <= 0 {
		return Batch{}, false
	}
	ivs := append([]interval.Interval(nil), t.pending...)
	if t.open != nil {
		ivs = append(ivs, *t.open)
	}
	if len(ivs) == 0 {
		return Batch{}, false
	}
	t.pending = nil
	t.open = nil
	t.inFlight = ivs
	return Batch{
		VideoKey:     t.videoKey,
		Intervals:    append([]interval.Interval(nil), ivs...),
		LastPosition: t.lastPosition,
		Duration:     t.duration,
	}, true
}

// Pause, Ended and Close are the playback events that trigger a flush.
func (t *Tracker) Pause(ctx context.Context) error { return t.Flush(ctx) }

func (t *Tracker) Ended(ctx context.Context) error { return t.Flush(ctx) }

func (t *Tracker) Close(ctx context.Context) error { return t.Flush(ctx) }

// Run flushes every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (t *Tracker) Run(ctx context.Context, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_ = t.Flush(ctx)
		}
	}
}

// EstimatedPercent is the optimistic percentage shown while playing.
func (t *Tracker) EstimatedPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimated
}

// LastPosition is the most recent playback position.
func (t *Tracker) LastPosition() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPosition
}

// Pending returns the intervals not yet acknowledged, including any batch
// currently on the wire.
func (t *Tracker) Pending() []interval.Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]interval.Interval(nil), t.inFlight...)
	out = append(out, t.pending...)
	if t.open != nil {
		out = append(out, *t.open)
	}
	return out
}
