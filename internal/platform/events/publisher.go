// Package events provides a fire-and-forget NATS JetStream publisher for
// integration events emitted by the progress service.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName is the JetStream stream that captures every progress.* subject.
	StreamName = "PROGRESS"

	SubjectProgressUpdated = "progress.updated"
	SubjectProgressFlush   = "progress.flush"
)

// Event is the envelope sent on every events subject.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub.
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log}
}

// Enabled reports whether publishing goes anywhere.
func (p *Publisher) Enabled() bool {
	return p != nil && p.js != nil
}

// Publish sends an event asynchronously. Failures are logged as warnings
// and never surface to the caller.
func (p *Publisher) Publish(subject, eventName, userID string, props map[string]any) {
	if !p.Enabled() {
		return
	}
	data, err := json.Marshal(newEvent(eventName, userID, props))
	if err != nil {
		p.log.Warn("events: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// PublishSync sends payload and waits for the JetStream ack, returning the
// message id used for deduplication. It is used where the caller must know
// the message is durable before answering its own client.
func (p *Publisher) PublishSync(ctx context.Context, subject string, payload any) (string, error) {
	if !p.Enabled() {
		return "", nats.ErrJetStreamNotEnabled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := p.js.Publish(subject, data, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return "", err
	}
	return id, nil
}

func newEvent(eventName, userID string, props map[string]any) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Properties: props,
	}
}
