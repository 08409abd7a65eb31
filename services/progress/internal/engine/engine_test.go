package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/watch-progress/internal/platform/db"
	"github.com/example/watch-progress/internal/platform/events"
	"github.com/example/watch-progress/services/progress/internal/catalog"
	"github.com/example/watch-progress/services/progress/internal/interval"
	"github.com/example/watch-progress/services/progress/internal/store"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func update(video string, duration float64, ivs ...interval.Interval) Update {
	raw := make([]RawInterval, 0, len(ivs))
	for _, iv := range ivs {
		raw = append(raw, Raw(iv))
	}
	return Update{VideoKey: video, Intervals: raw, LastPosition: 1, Duration: duration}
}

func iv(start, end int) interval.Interval { return interval.Interval{Start: start, End: end} }

func f(v float64) *float64 { return &v }

func newEngine(st store.Store) *Engine {
	return New(st, Options{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []map[string]any
}

func (p *recordingPublisher) Publish(subject, _, userID string, props map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	props["subject"] = subject
	props["user"] = userID
	p.events = append(p.events, props)
}

// flakyStore fails the first n writes with err.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	err      error
}

func (s *flakyStore) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	if s.failures.Add(-1) >= 0 {
		return store.Record{}, s.err
	}
	return s.Store.Create(ctx, rec)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, rec store.Record, expected int64) (store.Record, error) {
	if s.failures.Add(-1) >= 0 {
		return store.Record{}, s.err
	}
	return s.Store.CompareAndSwap(ctx, rec, expected)
}

// barrierStore holds the first load of each writer until all writers have
// loaded, forcing every one of them to merge against the same snapshot.
type barrierStore struct {
	store.Store
	writers sync.WaitGroup
	once    sync.Map
}

func newBarrierStore(inner store.Store, writers int) *barrierStore {
	b := &barrierStore{Store: inner}
	b.writers.Add(writers)
	return b
}

func (s *barrierStore) Load(ctx context.Context, key store.Key) (store.Record, error) {
	rec, err := s.Store.Load(ctx, key)
	if id, ok := ctx.Value(writerKey{}).(int); ok {
		if _, loaded := s.once.LoadOrStore(id, true); !loaded {
			s.writers.Done()
			s.writers.Wait()
		}
	}
	return rec, err
}

type writerKey struct{}

// ─── worked examples ─────────────────────────────────────────────────────────

func TestApplyUpdate_Examples(t *testing.T) {
	tests := []struct {
		name     string
		existing []interval.Interval
		incoming []interval.Interval
		want     interval.Set
		percent  float64
	}{
		{"first batch", nil, []interval.Interval{iv(0, 4)}, interval.Set{iv(0, 4)}, 50},
		{"adjacent joins", []interval.Interval{iv(0, 4)}, []interval.Interval{iv(5, 9)}, interval.Set{iv(0, 9)}, 100},
		{"one second gap", []interval.Interval{iv(0, 4)}, []interval.Interval{iv(6, 9)}, interval.Set{iv(0, 4), iv(6, 9)}, 90},
		{"end clamped", nil, []interval.Interval{iv(8, 12)}, interval.Set{iv(8, 9)}, 20},
		{"out of range dropped", nil, []interval.Interval{iv(15, 20)}, interval.Set{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(store.NewMemoryStore())
			if tt.existing != nil {
				_, err := e.ApplyUpdate(ctx, "u1", update("v1", 10, tt.existing...))
				require.NoError(t, err)
			}

			res, err := e.ApplyUpdate(ctx, "u1", update("v1", 10, tt.incoming...))
			require.NoError(t, err)
			require.Equal(t, tt.percent, res.ProgressPercent)
			require.Equal(t, tt.want, res.Record.WatchedIntervals)

			rec, err := e.GetProgress(ctx, "u1", "v1")
			require.NoError(t, err)
			require.Equal(t, tt.want, rec.WatchedIntervals)
			require.Equal(t, 10, rec.VideoDuration)
		})
	}
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(store.NewMemoryStore())
	batch := update("v1", 120, iv(3, 17), iv(40, 41), iv(100, 140))

	first, err := e.ApplyUpdate(ctx, "u1", batch)
	require.NoError(t, err)
	second, err := e.ApplyUpdate(ctx, "u1", batch)
	require.NoError(t, err)

	require.Equal(t, first.ProgressPercent, second.ProgressPercent)
	require.Equal(t, first.Record.WatchedIntervals, second.Record.WatchedIntervals)
}

func TestApplyUpdate_Commutative(t *testing.T) {
	ctx := context.Background()
	ab := newEngine(store.NewMemoryStore())
	c := newEngine(store.NewMemoryStore())

	_, err := ab.ApplyUpdate(ctx, "u1", update("v1", 60, iv(0, 5), iv(20, 29)))
	require.NoError(t, err)
	resAB, err := ab.ApplyUpdate(ctx, "u1", update("v1", 60, iv(6, 12)))
	require.NoError(t, err)

	_, err = c.ApplyUpdate(ctx, "u1", update("v1", 60, iv(6, 12)))
	require.NoError(t, err)
	resC, err := c.ApplyUpdate(ctx, "u1", update("v1", 60, iv(0, 5), iv(20, 29)))
	require.NoError(t, err)

	require.Equal(t, resAB.Record.WatchedIntervals, resC.Record.WatchedIntervals)
	require.Equal(t, resAB.ProgressPercent, resC.ProgressPercent)
	require.Equal(t, interval.Set{iv(0, 12), iv(20, 29)}, resAB.Record.WatchedIntervals)
}

func TestApplyUpdate_EmptyBatchKeepsIntervals(t *testing.T) {
	ctx := context.Background()
	e := newEngine(store.NewMemoryStore())
	_, err := e.ApplyUpdate(ctx, "u1", update("v1", 10, iv(0, 4)))
	require.NoError(t, err)

	u := update("v1", 10)
	u.LastPosition = 7.25
	res, err := e.ApplyUpdate(ctx, "u1", u)
	require.NoError(t, err)
	require.Equal(t, 50.0, res.ProgressPercent)
	require.Equal(t, 7.25, res.Record.LastPosition)
}

func TestApplyUpdate_ShorterDurationReclampsExisting(t *testing.T) {
	ctx := context.Background()
	e := newEngine(store.NewMemoryStore())
	_, err := e.ApplyUpdate(ctx, "u1", update("v1", 100, iv(0, 9), iv(50, 79)))
	require.NoError(t, err)

	res, err := e.ApplyUpdate(ctx, "u1", update("v1", 60, iv(10, 12)))
	require.NoError(t, err)
	require.Equal(t, interval.Set{iv(0, 12), iv(50, 59)}, res.Record.WatchedIntervals)
	require.Equal(t, 60, res.Record.VideoDuration)
	for _, got := range res.Record.WatchedIntervals {
		require.Less(t, got.End, 60)
	}
}

// ─── validation ──────────────────────────────────────────────────────────────

func TestApplyUpdate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		upd     Update
		wantErr error
		field   string
	}{
		{"missing user", "", update("v1", 10), ErrUnauthorized, ""},
		{"missing video", "u1", update(" ", 10), ErrInvalidRequest, "videoId"},
		{"nil intervals", "u1", Update{VideoKey: "v1", Duration: 10}, ErrInvalidRequest, "watchedIntervals"},
		{"missing start", "u1", Update{VideoKey: "v1", Duration: 10, Intervals: []RawInterval{{End: f(3)}}}, ErrInvalidRequest, "watchedIntervals[0].start"},
		{"fractional end", "u1", Update{VideoKey: "v1", Duration: 10, Intervals: []RawInterval{{Start: f(0), End: f(2.5)}}}, ErrInvalidRequest, "watchedIntervals[0].end"},
		{"negative start", "u1", Update{VideoKey: "v1", Duration: 10, Intervals: []RawInterval{{Start: f(-1), End: f(2)}}}, ErrInvalidRequest, "watchedIntervals[0].start"},
		{"end before start", "u1", update("v1", 10, iv(0, 1), iv(5, 3)), ErrInvalidRequest, "watchedIntervals[1].end"},
		{"zero duration", "u1", update("v1", 0, iv(0, 1)), ErrInvalidDuration, "videoDuration"},
		{"sub-second duration", "u1", update("v1", 0.9, iv(0, 1)), ErrInvalidDuration, "videoDuration"},
		{"negative duration", "u1", update("v1", -5, iv(0, 1)), ErrInvalidDuration, "videoDuration"},
		{"nan duration", "u1", update("v1", math.NaN(), iv(0, 1)), ErrInvalidDuration, "videoDuration"},
		{"inf duration", "u1", update("v1", math.Inf(1), iv(0, 1)), ErrInvalidDuration, "videoDuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			_, err := newEngine(st).ApplyUpdate(context.Background(), tt.user, tt.upd)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.field != "" {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				require.Equal(t, tt.field, ve.Field)
			}
			require.False(t, Retryable(err))

			recs, err := st.ListByUser(context.Background(), "u1", 10)
			require.NoError(t, err)
			require.Empty(t, recs, "validation failures must not touch storage")
		})
	}
}

func TestApplyUpdate_DurationFloored(t *testing.T) {
	res, err := newEngine(store.NewMemoryStore()).ApplyUpdate(context.Background(), "u1", update("v1", 10.9, iv(0, 20)))
	require.NoError(t, err)
	require.Equal(t, 10, res.Record.VideoDuration)
	require.Equal(t, interval.Set{iv(0, 9)}, res.Record.WatchedIntervals)
	require.Equal(t, 100.0, res.ProgressPercent)
}

func TestApplyUpdate_BadLastPositionDefaultsToZero(t *testing.T) {
	for _, pos := range []float64{math.NaN(), math.Inf(1), -3} {
		u := update("v1", 10, iv(0, 1))
		u.LastPosition = pos
		res, err := newEngine(store.NewMemoryStore()).ApplyUpdate(context.Background(), "u1", u)
		require.NoError(t, err)
		require.Equal(t, 0.0, res.Record.LastPosition)
	}
}

// ─── concurrency ─────────────────────────────────────────────────────────────

func TestApplyUpdate_ConcurrentSnapshotNoLostUpdate(t *testing.T) {
	st := newBarrierStore(store.NewMemoryStore(), 2)
	e := newEngine(st)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i, batch := range []Update{update("v1", 10, iv(0, 2)), update("v1", 10, iv(3, 5))} {
		wg.Add(1)
		go func(id int, u Update) {
			defer wg.Done()
			ctx := context.WithValue(context.Background(), writerKey{}, id)
			_, err := e.ApplyUpdate(ctx, "u1", u)
			errs <- err
		}(i, batch)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := e.GetProgress(context.Background(), "u1", "v1")
	require.NoError(t, err)
	require.Equal(t, interval.Set{iv(0, 5)}, rec.WatchedIntervals)
	require.Equal(t, 60.0, rec.ProgressPercent)
}

func TestApplyUpdate_ManyWriters(t *testing.T) {
	sqlite := func(t *testing.T) store.Store {
		gdb, err := db.OpenGorm(context.Background(), "sqlite", filepath.Join(t.TempDir(), "p.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.CloseGorm(gdb) })
		s := store.NewGormStore(gdb)
		require.NoError(t, s.Migrate(context.Background()))
		return s
	}
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"gorm":   sqlite,
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			e := New(mk(t), Options{MaxAttempts: 200, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
			const writers = 20
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// Every writer owns a disjoint 5-second span; together
					// they cover [0, 99].
					_, err := e.ApplyUpdate(context.Background(), "u1", update("v1", 100, iv(i*5, i*5+4)))
					if err != nil {
						t.Errorf("writer %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			rec, err := e.GetProgress(context.Background(), "u1", "v1")
			require.NoError(t, err)
			require.Equal(t, interval.Set{iv(0, 99)}, rec.WatchedIntervals)
			require.Equal(t, 100.0, rec.ProgressPercent)
		})
	}
}

// ─── storage failures ────────────────────────────────────────────────────────

func TestApplyUpdate_RetriesTransientFailures(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: fmt.Errorf("%w: conn reset", store.ErrUnavailable)}
	st.failures.Store(2)

	res, err := newEngine(st).ApplyUpdate(context.Background(), "u1", update("v1", 10, iv(0, 4)))
	require.NoError(t, err)
	require.Equal(t, 50.0, res.ProgressPercent)
}

func TestApplyUpdate_GivesUpAfterMaxAttempts(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: store.ErrConflict}
	st.failures.Store(100)

	e := New(st, Options{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	_, err := e.ApplyUpdate(context.Background(), "u1", update("v1", 10, iv(0, 4)))
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, store.ErrConflict)
	require.True(t, Retryable(err))
	require.Equal(t, int32(100-3), st.failures.Load())
}

func TestApplyUpdate_NonRetryableStoreError(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), err: errors.New("decode intervals: bad json")}
	st.failures.Store(1)

	_, err := newEngine(st).ApplyUpdate(context.Background(), "u1", update("v1", 10, iv(0, 4)))
	require.Error(t, err)
	require.False(t, Retryable(err))
}

func TestApplyUpdate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(store.NewMemoryStore()).ApplyUpdate(ctx, "u1", update("v1", 10, iv(0, 4)))
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

// ─── catalog and events ──────────────────────────────────────────────────────

func TestApplyUpdate_Catalog(t *testing.T) {
	cat := catalog.NewMemory(
		catalog.Video{Key: "known", Duration: 20},
		catalog.Video{Key: "no-duration"},
	)
	e := New(store.NewMemoryStore(), Options{Catalog: cat})
	ctx := context.Background()

	_, err := e.ApplyUpdate(ctx, "u1", update("missing", 10, iv(0, 4)))
	require.ErrorIs(t, err, ErrUnknownVideo)

	// The catalog duration wins over the client's.
	res, err := e.ApplyUpdate(ctx, "u1", update("known", 10, iv(0, 14)))
	require.NoError(t, err)
	require.Equal(t, 20, res.Record.VideoDuration)
	require.Equal(t, 75.0, res.ProgressPercent)

	res, err = e.ApplyUpdate(ctx, "u1", update("no-duration", 10, iv(0, 4)))
	require.NoError(t, err)
	require.Equal(t, 10, res.Record.VideoDuration)
}

func TestApplyUpdate_PublishesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	e := New(store.NewMemoryStore(), Options{Events: pub})

	_, err := e.ApplyUpdate(context.Background(), "u1", update("v1", 10, iv(0, 4)))
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	require.Equal(t, events.SubjectProgressUpdated, ev["subject"])
	require.Equal(t, "u1", ev["user"])
	require.Equal(t, "v1", ev["video_id"])
	require.Equal(t, 50.0, ev["progress_percent"])
}

// ─── reads ───────────────────────────────────────────────────────────────────

func TestGetProgress_DefaultWhenMissing(t *testing.T) {
	rec, err := newEngine(store.NewMemoryStore()).GetProgress(context.Background(), "u1", "v1")
	require.NoError(t, err)
	require.NotNil(t, rec.WatchedIntervals)
	require.Empty(t, rec.WatchedIntervals)
	require.Zero(t, rec.LastPosition)
	require.Zero(t, rec.ProgressPercent)
	require.Zero(t, rec.VideoDuration)
}

func TestGetProgress_Validation(t *testing.T) {
	e := newEngine(store.NewMemoryStore())
	_, err := e.GetProgress(context.Background(), "", "v1")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.GetProgress(context.Background(), "u1", "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListProgress(t *testing.T) {
	ctx := context.Background()
	e := newEngine(store.NewMemoryStore())
	for _, v := range []string{"a", "b", "c"} {
		_, err := e.ApplyUpdate(ctx, "u1", update(v, 10, iv(0, 1)))
		require.NoError(t, err)
	}
	recs, err := e.ListProgress(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = e.ListProgress(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestBackoffBounds(t *testing.T) {
	e := New(store.NewMemoryStore(), Options{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond})
	for attempt := 1; attempt <= 70; attempt++ {
		d := e.backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}
