// Package worker applies flush batches that the HTTP API queued on JetStream
// instead of merging them inline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/watch-progress/internal/platform/events"
	"github.com/example/watch-progress/services/progress/internal/engine"
)

const (
	DurableName = "progress_flush"

	defaultBatchSize  = 50
	defaultMaxWait    = 2 * time.Second
	defaultTimeout    = 5 * time.Second
	defaultMaxDeliver = 10

	baseRedelivery = time.Second
	maxRedelivery  = 30 * time.Second
)

// FlushMessage is the payload published on events.SubjectProgressFlush.
type FlushMessage struct {
	UserID    string               `json:"user_id"`
	RequestID string               `json:"request_id,omitempty"`
	QueuedAt  time.Time            `json:"queued_at"`
	Update    engine.UpdateRequest `json:"update"`
}

// Applier is the part of *engine.Engine the consumer needs.
type Applier interface {
	ApplyUpdate(ctx context.Context, userKey string, u engine.Update) (engine.Result, error)
}

type Options struct {
	BatchSize  int
	MaxWait    time.Duration
	Timeout    time.Duration
	MaxDeliver int
}

type Consumer struct {
	js     nats.JetStreamContext
	engine Applier
	log    *zap.Logger
	opts   Options
}

func NewConsumer(js nats.JetStreamContext, eng Applier, log *zap.Logger, opts Options) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = defaultMaxDeliver
	}
	return &Consumer{js: js, engine: eng, log: log.Named("flush_consumer"), opts: opts}
}

// EnsureStream creates the progress stream when it does not exist yet.
func EnsureStream(js nats.JetStreamManager) error {
	_, err := js.StreamInfo(events.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", events.StreamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       events.StreamName,
		Subjects:   []string{"progress.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", events.StreamName, err)
	}
	return nil
}

// Run pulls batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(events.SubjectProgressFlush, DurableName,
		nats.ManualAck(),
		nats.MaxDeliver(c.opts.MaxDeliver),
		nats.AckWait(c.opts.Timeout+10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.SubjectProgressFlush, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.log.Info("flush consumer started", zap.String("durable", DurableName))
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.MaxWait)
		msgs, err := sub.Fetch(c.opts.BatchSize, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.Warn("fetch failed", zap.Error(err))
			if err := sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		for _, m := range msgs {
			c.handle(ctx, m.Data, m)
		}
	}
}

// ackable is the acknowledgement surface of *nats.Msg.
type ackable interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

func (c *Consumer) handle(ctx context.Context, data []byte, m ackable) {
	var msg FlushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("dropping undecodable flush", zap.Error(err))
		c.settle(m.Term())
		return
	}
	u, err := msg.Update.Update()
	if err != nil {
		c.log.Warn("dropping invalid flush", zap.String("user_key", msg.UserID), zap.Error(err))
		c.settle(m.Term())
		return
	}

	applyCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	res, err := c.engine.ApplyUpdate(applyCtx, msg.UserID, u)
	switch {
	case err == nil:
		c.log.Debug("flush applied",
			zap.String("user_key", msg.UserID),
			zap.String("video_key", u.VideoKey),
			zap.Float64("progress_percent", res.ProgressPercent),
			zap.String("request_id", msg.RequestID),
		)
		c.settle(m.Ack())
	case engine.Retryable(err):
		delay := redeliveryDelay(deliveries(m))
		c.log.Warn("flush will be redelivered",
			zap.String("user_key", msg.UserID),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.settle(m.NakWithDelay(delay))
	default:
		c.log.Warn("dropping rejected flush", zap.String("user_key", msg.UserID), zap.Error(err))
		c.settle(m.Term())
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.log.Warn("ack failed", zap.Error(err))
	}
}

func deliveries(m ackable) uint64 {
	md, err := m.Metadata()
	if err != nil || md == nil {
		return 1
	}
	return md.NumDelivered
}

// redeliveryDelay doubles per delivery attempt from 1s up to 30s.
func redeliveryDelay(delivered uint64) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	d := baseRedelivery
	for i := uint64(1); i < delivered; i++ {
		d *= 2
		if d >= maxRedelivery {
			return maxRedelivery
		}
	}
	return d
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
