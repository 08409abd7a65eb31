// Package replay drives a tracker from a recorded playback log, one JSON
// object per line:
//
//	{"type":"duration","value":596}
//	{"type":"time","position":12.4}
//	{"type":"pause"}
//	{"type":"ended"}
//
// It is used to reproduce client sessions against a running service or an
// in-process engine.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/example/watch-progress/services/progress/internal/engine"
	"github.com/example/watch-progress/services/progress/internal/tracker"
)

type Sample struct {
	Type     string  `json:"type"`
	Position float64 `json:"position,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

type Stats struct {
	Samples       int
	Flushes       int
	FailedFlushes int
	FinalPercent  float64
}

// Run feeds every sample from r into tr and closes the session at EOF. A
// failed flush is counted and playback continues; the tracker keeps the
// batch for the next trigger.
func Run(ctx context.Context, r io.Reader, tr *tracker.Tracker, log *zap.Logger) (Stats, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var st Stats
	flush := func(f func(context.Context) error) {
		st.Flushes++
		if err := f(ctx); err != nil {
			st.FailedFlushes++
			log.Warn("replay flush failed", zap.Int("line", st.Samples), zap.Error(err))
		}
	}

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		var s Sample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return st, fmt.Errorf("line %d: %w", line, err)
		}
		st.Samples++
		switch s.Type {
		case "duration":
			tr.SetDuration(s.Value)
		case "time":
			tr.Observe(s.Position)
		case "pause":
			flush(tr.Pause)
		case "ended":
			flush(tr.Ended)
		default:
			return st, fmt.Errorf("line %d: unknown sample type %q", line, s.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read samples: %w", err)
	}
	flush(tr.Close)
	st.FinalPercent = tr.EstimatedPercent()
	if len(tr.Pending()) > 0 {
		return st, errors.New("session ended with unflushed intervals")
	}
	return st, nil
}

// LocalFlusher applies batches directly to an in-process engine.
func LocalFlusher(e *engine.Engine, userKey string) tracker.Flusher {
	return tracker.FlusherFunc(func(ctx context.Context, b tracker.Batch) (float64, error) {
		raw := make([]engine.RawInterval, 0, len(b.Intervals))
		for _, iv := range b.Intervals {
			raw = append(raw, engine.Raw(iv))
		}
		res, err := e.ApplyUpdate(ctx, userKey, engine.Update{
			VideoKey:     b.VideoKey,
			Intervals:    raw,
			LastPosition: b.LastPosition,
			Duration:     float64(b.Duration),
		})
		if err != nil {
			return 0, err
		}
		return res.ProgressPercent, nil
	})
}
