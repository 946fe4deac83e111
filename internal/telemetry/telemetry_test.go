package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/influxdb"
)

// mockPublisher records published payloads by topic.
type mockPublisher struct {
	mu        sync.Mutex
	published map[string][]byte
	err       error
}

func (m *mockPublisher) PublishJSON(topic string, v any) error {
	if m.err != nil {
		return m.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string][]byte)
	}
	m.published[topic] = data
	return nil
}

type mockPointWriter struct {
	samples []influxdb.ProductionSample
	masks   []int
}

func (m *mockPointWriter) WriteProduction(s influxdb.ProductionSample) {
	m.samples = append(m.samples, s)
}

func (m *mockPointWriter) WriteErrorState(_ string, mask int, _ string, _ time.Time) {
	m.masks = append(m.masks, mask)
}

func TestMQTTSink_Topics(t *testing.T) {
	pub := &mockPublisher{}
	sink := NewMQTTSink(pub)
	ctx := context.Background()

	if err := sink.Telemetry(ctx, Record{DeviceID: "line-1", ProductionStatus: 1, GoodCount: 5}); err != nil {
		t.Fatalf("Telemetry() error = %v", err)
	}
	if err := sink.ErrorState(ctx, ErrorStateEvent{DeviceID: "line-1", ErrorState: 1, ErrorDescription: "Emergency Stop"}); err != nil {
		t.Fatalf("ErrorState() error = %v", err)
	}
	if err := sink.Log(ctx, LogEntry{DeviceID: "line-1", Level: LevelWarning, Message: "offline"}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(pub.published["twinline/telemetry/line-1"], &rec); err != nil {
		t.Fatalf("telemetry payload: %v", err)
	}
	for _, key := range []string{"DeviceId", "ProductionStatus", "WorkorderId", "Temperature", "GoodCount", "BadCount"} {
		if _, ok := rec[key]; !ok {
			t.Errorf("telemetry payload missing %s: %v", key, rec)
		}
	}

	var ev map[string]any
	if err := json.Unmarshal(pub.published["twinline/events/line-1/error_state"], &ev); err != nil {
		t.Fatalf("error state payload: %v", err)
	}
	if ev["MessageType"] != MessageTypeErrorState || ev["ErrorState"] != float64(1) {
		t.Errorf("error state payload = %v", ev)
	}

	if _, ok := pub.published["twinline/logs/line-1"]; !ok {
		t.Error("log entry not published")
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	sink := NewMQTTSink(&mockPublisher{err: boom})
	if err := sink.Telemetry(context.Background(), Record{DeviceID: "x"}); !errors.Is(err, boom) {
		t.Errorf("Telemetry() error = %v, want wrapped broker error", err)
	}
}

func TestInfluxSink(t *testing.T) {
	w := &mockPointWriter{}
	sink := NewInfluxSink(w)
	ctx := context.Background()

	_ = sink.Telemetry(ctx, Record{DeviceID: "line-1", GoodCount: 9, Temperature: 70})
	_ = sink.ErrorState(ctx, ErrorStateEvent{DeviceID: "line-1", ErrorState: 6})
	_ = sink.Log(ctx, LogEntry{DeviceID: "line-1"})

	if len(w.samples) != 1 || w.samples[0].GoodCount != 9 {
		t.Errorf("samples = %+v", w.samples)
	}
	if len(w.masks) != 1 || w.masks[0] != 6 {
		t.Errorf("masks = %v", w.masks)
	}
}

func TestFanout(t *testing.T) {
	a := &mockPublisher{}
	boom := errors.New("b failed")
	b := &mockPublisher{err: boom}
	w := &mockPointWriter{}
	f := Fanout{NewMQTTSink(a), NewMQTTSink(b), NewInfluxSink(w), Discard{}}

	err := f.Telemetry(context.Background(), Record{DeviceID: "line-1"})
	if !errors.Is(err, boom) {
		t.Errorf("Fanout error = %v, want b's error", err)
	}
	if len(a.published) != 1 || len(w.samples) != 1 {
		t.Error("a failing sink stopped delivery to the others")
	}

	if err := (Fanout{Discard{}}).Log(context.Background(), LogEntry{}); err != nil {
		t.Errorf("Fanout(Discard).Log() error = %v", err)
	}
}
