package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementProduction = "production"
	MeasurementErrorState = "error_state"
)

// ProductionSample is one telemetry reading from a production line.
type ProductionSample struct {
	DeviceID         string
	WorkorderID      string
	ProductionStatus int
	Temperature      float64
	GoodCount        int
	BadCount         int
	Time             time.Time
}

func productionPoint(s ProductionSample) *write.Point {
	tags := map[string]string{"device_id": s.DeviceID}
	if s.WorkorderID != "" {
		tags["workorder_id"] = s.WorkorderID
	}
	return write.NewPoint(MeasurementProduction, tags, map[string]any{
		"production_status": s.ProductionStatus,
		"temperature":       s.Temperature,
		"good_count":        s.GoodCount,
		"bad_count":         s.BadCount,
	}, timeOrNow(s.Time))
}

func errorStatePoint(deviceID string, mask int, description string, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementErrorState,
		map[string]string{"device_id": deviceID},
		map[string]any{"error_state": mask, "error_description": description},
		timeOrNow(ts))
}

// WriteProduction queues a telemetry reading. The work order is only
// tagged when the device is running one.
func (c *Client) WriteProduction(s ProductionSample) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(productionPoint(s))
	}
}

// WriteErrorState queues a change of a device's error mask. description is
// the flag names, "None" when the mask is clear. A zero ts means now.
func (c *Client) WriteErrorState(deviceID string, mask int, description string, ts time.Time) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(errorStatePoint(deviceID, mask, description, ts))
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
