// Package telemetry defines the records a reconciler emits and the sinks
// that carry them out of the process.
//
// Three kinds of records leave a device: periodic production telemetry,
// error-state change events and log notices. MQTTSink publishes them for
// downstream consumers, InfluxSink keeps their history, and Fanout sends
// one record to several sinks.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// MessageTypeErrorState tags error-state events on the wire.
const MessageTypeErrorState = "ErrorState"

// Log levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Record is one production telemetry message.
type Record struct {
	DeviceID         string    `json:"DeviceId"`
	ProductionStatus int       `json:"ProductionStatus"`
	WorkorderID      string    `json:"WorkorderId"`
	Temperature      float64   `json:"Temperature"`
	GoodCount        int       `json:"GoodCount"`
	BadCount         int       `json:"BadCount"`
	Timestamp        time.Time `json:"-"`
}

// ErrorStateEvent announces a change of a device's error mask.
type ErrorStateEvent struct {
	MessageType      string    `json:"MessageType"`
	DeviceID         string    `json:"DeviceId"`
	Timestamp        time.Time `json:"Timestamp"`
	ErrorState       int       `json:"ErrorState"`
	ErrorDescription string    `json:"ErrorDescription"`
}

// LogEntry is a structured device notice for the log aggregator.
type LogEntry struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Sink receives telemetry.
type Sink interface {
	Telemetry(ctx context.Context, r Record) error
	ErrorState(ctx context.Context, e ErrorStateEvent) error
	Log(ctx context.Context, e LogEntry) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Telemetry(context.Context, Record) error          { return nil }
func (Discard) ErrorState(context.Context, ErrorStateEvent) error { return nil }
func (Discard) Log(context.Context, LogEntry) error               { return nil }

// Fanout delivers every record to each sink in order and joins their errors.
type Fanout []Sink

// Telemetry implements Sink.
func (f Fanout) Telemetry(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Telemetry(ctx, r))
	}
	return errors.Join(errs...)
}

// ErrorState implements Sink.
func (f Fanout) ErrorState(ctx context.Context, e ErrorStateEvent) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.ErrorState(ctx, e))
	}
	return errors.Join(errs...)
}

// Log implements Sink.
func (f Fanout) Log(ctx context.Context, e LogEntry) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Log(ctx, e))
	}
	return errors.Join(errs...)
}
