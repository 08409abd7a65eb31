package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/example/watch-progress/services/progress/internal/interval"
	"github.com/example/watch-progress/services/progress/internal/store"
)

const (
	maxVideoKeyLen = 256
	// maxSeconds bounds interval bounds and durations (~68 years).
	maxSeconds = math.MaxInt32
)

// RawInterval is an interval as received from a client. Bounds are decoded
// as JSON numbers and checked for integrality during validation.
type RawInterval struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

// Raw converts a well-formed interval into its wire shape.
func Raw(iv interval.Interval) RawInterval {
	s, e := float64(iv.Start), float64(iv.End)
	return RawInterval{Start: &s, End: &e}
}

// Update is one flush batch for a video.
type Update struct {
	VideoKey string
	// Intervals must be non-nil; an empty list only refreshes LastPosition.
	Intervals    []RawInterval
	LastPosition float64
	Duration     float64
}

// UpdateRequest is the JSON body shared by the HTTP, gRPC and queue
// transports.
type UpdateRequest struct {
	VideoID          string          `json:"videoId"`
	WatchedIntervals []RawInterval   `json:"watchedIntervals"`
	LastPosition     json.RawMessage `json:"lastPosition,omitempty"`
	VideoDuration    json.RawMessage `json:"videoDuration,omitempty"`
}

// NewUpdateRequest builds the wire form of a batch.
func NewUpdateRequest(videoKey string, ivs []interval.Interval, lastPosition float64, duration int) UpdateRequest {
	raw := make([]RawInterval, 0, len(ivs))
	for _, iv := range ivs {
		raw = append(raw, Raw(iv))
	}
	return UpdateRequest{
		VideoID:          videoKey,
		WatchedIntervals: raw,
		LastPosition:     json.RawMessage(formatNumber(lastPosition)),
		VideoDuration:    json.RawMessage(formatNumber(float64(duration))),
	}
}

// Update converts the wire form. A missing or non-numeric duration is a
// malformed request; a non-numeric lastPosition silently becomes 0.
func (r UpdateRequest) Update() (Update, error) {
	if strings.TrimSpace(r.VideoID) == "" {
		return Update{}, invalid("videoId", "is required")
	}
	if r.WatchedIntervals == nil {
		return Update{}, invalid("watchedIntervals", "must be a list")
	}
	duration, ok := decodeNumber(r.VideoDuration)
	if !ok {
		return Update{}, invalid("videoDuration", "must be a number")
	}
	pos, _ := decodeNumber(r.LastPosition)
	return Update{
		VideoKey:     r.VideoID,
		Intervals:    r.WatchedIntervals,
		LastPosition: pos,
		Duration:     duration,
	}, nil
}

// normalized is an Update that passed validation.
type normalized struct {
	videoKey     string
	intervals    []interval.Interval
	lastPosition float64
	duration     int
}

func validate(u Update) (normalized, error) {
	key := strings.TrimSpace(u.VideoKey)
	if key == "" {
		return normalized{}, invalid("videoId", "is required")
	}
	if len(key) > maxVideoKeyLen {
		return normalized{}, invalid("videoId", "is too long")
	}
	if u.Intervals == nil {
		return normalized{}, invalid("watchedIntervals", "must be a list")
	}

	ivs := make([]interval.Interval, 0, len(u.Intervals))
	for i, raw := range u.Intervals {
		field := fmt.Sprintf("watchedIntervals[%d]", i)
		start, err := wholeSecond(raw.Start, field+".start")
		if err != nil {
			return normalized{}, err
		}
		end, err := wholeSecond(raw.End, field+".end")
		if err != nil {
			return normalized{}, err
		}
		if end < start {
			return normalized{}, invalid(field+".end", "must be >= start")
		}
		ivs = append(ivs, interval.Interval{Start: start, End: end})
	}

	if math.IsNaN(u.Duration) || math.IsInf(u.Duration, 0) {
		return normalized{}, invalidDuration("must be finite")
	}
	d := math.Floor(u.Duration)
	if d <= 0 {
		return normalized{}, invalidDuration("must be positive")
	}
	if d > maxSeconds {
		return normalized{}, invalidDuration("is out of range")
	}

	return normalized{
		videoKey:     key,
		intervals:    ivs,
		lastPosition: sanitizePosition(u.LastPosition),
		duration:     int(d),
	}, nil
}

func wholeSecond(v *float64, field string) (int, error) {
	if v == nil {
		return 0, invalid(field, "is required")
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, invalid(field, "must be an integer")
	}
	if f < 0 {
		return 0, invalid(field, "must be >= 0")
	}
	if f > maxSeconds {
		return 0, invalid(field, "is out of range")
	}
	return int(f), nil
}

// sanitizePosition maps NaN, infinities and negatives to 0. The last
// position is advisory and never fails an update.
func sanitizePosition(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return 0
	}
	return p
}

func decodeNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

// View is the client-facing shape of a progress record.
type View struct {
	VideoID          string       `json:"videoId"`
	WatchedIntervals interval.Set `json:"watchedIntervals"`
	LastPosition     float64      `json:"lastPosition"`
	ProgressPercent  float64      `json:"progressPercent"`
	VideoDuration    int          `json:"videoDuration"`
	UpdatedAt        *time.Time   `json:"updatedAt,omitempty"`
}

func NewView(rec store.Record) View {
	v := View{
		VideoID:          rec.VideoKey,
		WatchedIntervals: rec.WatchedIntervals,
		LastPosition:     rec.LastPosition,
		ProgressPercent:  rec.ProgressPercent,
		VideoDuration:    rec.VideoDuration,
	}
	if v.WatchedIntervals == nil {
		v.WatchedIntervals = interval.Set{}
	}
	if !rec.UpdatedAt.IsZero() {
		ts := rec.UpdatedAt.UTC()
		v.UpdatedAt = &ts
	}
	return v
}
