package telemetry

import (
	"context"
	"fmt"

	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
)

// Publisher is the part of the MQTT client the sink needs.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// MQTTSink publishes telemetry as JSON:
//
//	twinline/telemetry/{deviceId}            Record
//	twinline/events/{deviceId}/error_state   ErrorStateEvent
//	twinline/logs/{deviceId}                 LogEntry
type MQTTSink struct {
	pub Publisher
}

// NewMQTTSink creates a sink on an MQTT publisher.
func NewMQTTSink(pub Publisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

// Telemetry implements Sink.
func (s *MQTTSink) Telemetry(_ context.Context, r Record) error {
	if err := s.pub.PublishJSON(mqtt.Topics{}.Telemetry(r.DeviceID), r); err != nil {
		return fmt.Errorf("publishing telemetry: %w", err)
	}
	return nil
}

// ErrorState implements Sink.
func (s *MQTTSink) ErrorState(_ context.Context, e ErrorStateEvent) error {
	if e.MessageType == "" {
		e.MessageType = MessageTypeErrorState
	}
	if err := s.pub.PublishJSON(mqtt.Topics{}.Event(e.DeviceID, "error_state"), e); err != nil {
		return fmt.Errorf("publishing error state: %w", err)
	}
	return nil
}

// Log implements Sink.
func (s *MQTTSink) Log(_ context.Context, e LogEntry) error {
	if err := s.pub.PublishJSON(mqtt.Topics{}.Logs(e.DeviceID), e); err != nil {
		return fmt.Errorf("publishing log entry: %w", err)
	}
	return nil
}
