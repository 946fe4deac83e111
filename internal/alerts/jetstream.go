package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// StreamProvider creates streams. *natsjs.Client satisfies it.
type StreamProvider interface {
	Stream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// JetStreamQueue reads alerts from a durable JetStream consumer with
// explicit acknowledgement. The enqueue time is the stream timestamp and the
// delivery count comes from the consumer.
type JetStreamQueue struct {
	stream   jetstream.Stream
	consumer jetstream.Consumer
	subject  string
	dead     DeadLetterStore
	now      func() time.Time
}

// NewJetStreamQueue creates or updates the alert stream and its consumer.
//
// Parameters:
//   - ctx: Bounds stream and consumer setup
//   - js: Stream provider
//   - cfg: Stream, subject, consumer and ack wait
//   - dead: Where dead-lettered alerts are recorded; nil drops them
func NewJetStreamQueue(ctx context.Context, js StreamProvider, cfg config.AlertsConfig, dead DeadLetterStore) (*JetStreamQueue, error) {
	maxAge := 24 * time.Hour
	if cfg.MaxAge > maxAge {
		maxAge = cfg.MaxAge
	}

	stream, err := js.Stream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Twinline anomaly alerts",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      maxAge,
	})
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		Description:   "Twinline alert processor",
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("alerts: consumer %s: %w", cfg.Consumer, err)
	}

	return &JetStreamQueue{
		stream:   stream,
		consumer: consumer,
		subject:  cfg.Subject,
		dead:     dead,
		now:      time.Now,
	}, nil
}

// Receive implements Queue.
func (q *JetStreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	if max <= 0 {
		max = 1
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}

	batch, err := q.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("alerts: fetch: %w", err)
	}

	var out []*Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return out, fmt.Errorf("alerts: message metadata: %w", err)
		}
		out = append(out, &Message{
			ID:         strconv.FormatUint(meta.Sequence.Stream, 10),
			Body:       msg.Data(),
			EnqueuedAt: meta.Timestamp,
			Deliveries: int(meta.NumDelivered),
			handle:     msg,
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return out, fmt.Errorf("alerts: fetch: %w", err)
	}
	return out, nil
}

func jsMsg(m *Message) (jetstream.Msg, error) {
	msg, ok := m.handle.(jetstream.Msg)
	if !ok {
		return nil, ErrForeignMessage
	}
	return msg, nil
}

// Acknowledge implements Queue.
func (q *JetStreamQueue) Acknowledge(ctx context.Context, m *Message) error {
	msg, err := jsMsg(m)
	if err != nil {
		return err
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("alerts: ack %s: %w", m.ID, err)
	}
	return nil
}

// Release implements Queue.
func (q *JetStreamQueue) Release(_ context.Context, m *Message) error {
	msg, err := jsMsg(m)
	if err != nil {
		return err
	}
	if err := msg.Nak(); err != nil {
		return fmt.Errorf("alerts: nak %s: %w", m.ID, err)
	}
	return nil
}

// DeadLetter implements Queue. The message is recorded and then terminated
// so JetStream stops redelivering it.
func (q *JetStreamQueue) DeadLetter(ctx context.Context, m *Message, reason string) error {
	msg, err := jsMsg(m)
	if err != nil {
		return err
	}
	if q.dead != nil {
		if err := q.dead.Record(ctx, newDeadLetter(m, reason, q.now())); err != nil {
			return err
		}
	}
	if err := msg.TermWithReason(reason); err != nil {
		return fmt.Errorf("alerts: term %s: %w", m.ID, err)
	}
	return nil
}

// Publisher publishes to JetStream. jetstream.JetStream satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishAlert enqueues an alert on subject.
func PublishAlert(ctx context.Context, js Publisher, subject string, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if _, err := js.Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("alerts: publish: %w", err)
	}
	return nil
}
