package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Method statuses.
const (
	StatusOK       = 0
	StatusNotFound = 404
	StatusFailed   = 500
)

var (
	// ErrTimeout is returned when no response arrives within the response timeout.
	ErrTimeout = errors.New("command: response timeout")

	// ErrNotStarted is returned when an MQTT transport is used before Start.
	ErrNotStarted = errors.New("command: transport not started")

	// ErrInvalidRequest is returned for requests that cannot be routed.
	ErrInvalidRequest = errors.New("command: invalid request")
)

// Invoker calls a method on a device.
//
// The returned error reports transport failures only. A handler failure is
// a non-zero status with a nil error.
type Invoker interface {
	Invoke(ctx context.Context, deviceID, method string, payload any) (int, error)
}

// Target receives method calls for one device.
type Target interface {
	HandleCommand(ctx context.Context, method string, payload json.RawMessage) int
}

// Request is the wire form of a method call.
type Request struct {
	RequestID string          `json:"request_id"`
	DeviceID  string          `json:"device_id"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyTo   string          `json:"reply_to"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is the wire form of a method result.
type Response struct {
	RequestID string          `json:"request_id"`
	DeviceID  string          `json:"device_id"`
	Method    string          `json:"method"`
	Status    int             `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// encodePayload turns a caller payload into raw JSON. Raw messages and byte
// slices pass through unchanged; nil stays empty.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", ErrInvalidRequest, err)
	}
	return data, nil
}

// Logger is the logging interface used by the command transports.
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
