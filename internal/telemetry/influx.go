package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/influxdb"
)

// PointWriter is the part of the InfluxDB client the sink needs.
type PointWriter interface {
	WriteProduction(s influxdb.ProductionSample)
	WriteErrorState(deviceID string, mask int, description string, ts time.Time)
}

// InfluxSink keeps telemetry history. Writes are batched by the client and
// never fail synchronously; log entries are not stored.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates a sink on an InfluxDB writer.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Telemetry implements Sink.
func (s *InfluxSink) Telemetry(_ context.Context, r Record) error {
	s.w.WriteProduction(influxdb.ProductionSample{
		DeviceID:         r.DeviceID,
		WorkorderID:      r.WorkorderID,
		ProductionStatus: r.ProductionStatus,
		Temperature:      r.Temperature,
		GoodCount:        r.GoodCount,
		BadCount:         r.BadCount,
		Time:             r.Timestamp,
	})
	return nil
}

// ErrorState implements Sink.
func (s *InfluxSink) ErrorState(_ context.Context, e ErrorStateEvent) error {
	s.w.WriteErrorState(e.DeviceID, e.ErrorState, e.ErrorDescription, e.Timestamp)
	return nil
}

// Log implements Sink.
func (s *InfluxSink) Log(context.Context, LogEntry) error {
	return nil
}
