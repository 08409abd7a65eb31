package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	if p.Enabled() {
		t.Fatal("nil publisher must not be enabled")
	}
	// Must not panic.
	p.Publish(SubjectProgressUpdated, "progress_updated", "user-1", nil)

	if _, err := p.PublishSync(context.Background(), SubjectProgressFlush, map[string]any{}); err == nil {
		t.Fatal("expected error from disabled publisher")
	}
}

func TestPublisher_ZeroJetStreamIsNoop(t *testing.T) {
	p := New(nil, nil)
	if p.Enabled() {
		t.Fatal("publisher without jetstream must not be enabled")
	}
	p.Publish(SubjectProgressUpdated, "progress_updated", "user-1", map[string]any{"k": 1})
}

func TestNewEvent_Envelope(t *testing.T) {
	ev := newEvent("progress_updated", "user-1", map[string]any{"video_id": "v1"})
	if ev.EventID == "" {
		t.Fatal("expected event id")
	}
	if ev.OccurredAt.IsZero() || ev.OccurredAt.Location().String() != "UTC" {
		t.Fatalf("expected UTC timestamp, got %v", ev.OccurredAt)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"event_id", "event_name", "user_id", "occurred_at", "properties"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}
}
