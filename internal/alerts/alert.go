package alerts

import (
	"context"
	"errors"
	"time"
)

// Alert types.
const (
	TypeError      = "Error"
	TypeProduction = "Production"
)

var (
	// ErrMalformed is returned for an alert body that is not a valid alert.
	ErrMalformed = errors.New("alerts: malformed alert")

	// ErrMissingDevice is returned for an alert without a device id.
	ErrMissingDevice = errors.New("alerts: missing device id")

	// ErrQueueClosed is returned by a closed queue.
	ErrQueueClosed = errors.New("alerts: queue closed")

	// ErrForeignMessage is returned when a message from another backend is
	// passed to a queue.
	ErrForeignMessage = errors.New("alerts: message not from this queue")
)

// Alert is the JSON body of a queued alert.
type Alert struct {
	DeviceID                 string    `json:"DeviceId"`
	AlertType                string    `json:"AlertType"`
	WindowEnd                time.Time `json:"WindowEnd"`
	ErrorCount               *int      `json:"ErrorCount,omitempty"`
	GoodProductionPercentage *float64  `json:"GoodProductionPercentage,omitempty"`
}

// Message is one delivery of a queued alert.
type Message struct {
	ID         string
	Body       []byte
	EnqueuedAt time.Time
	Deliveries int

	// handle is the backend's own message.
	handle any
}

// Queue is an at-least-once alert queue. Every received message must be
// acknowledged, released or dead-lettered; one that is none of these is
// redelivered by the queue after its visibility timeout.
type Queue interface {
	// Receive returns up to max messages, waiting at most wait for the first.
	// No messages is not an error.
	Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error)

	// Acknowledge removes a message from the queue.
	Acknowledge(ctx context.Context, m *Message) error

	// Release returns a message to the queue for immediate redelivery.
	Release(ctx context.Context, m *Message) error

	// DeadLetter records a message as undeliverable and removes it.
	DeadLetter(ctx context.Context, m *Message, reason string) error
}

// DeadLetter is a stored undeliverable alert.
type DeadLetter struct {
	ID             int64     `json:"id"`
	MessageID      string    `json:"message_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	AlertType      string    `json:"alert_type,omitempty"`
	Body           string    `json:"body"`
	Deliveries     int       `json:"deliveries"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// DeadLetterStore keeps dead-lettered alerts.
type DeadLetterStore interface {
	Record(ctx context.Context, d DeadLetter) error
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
