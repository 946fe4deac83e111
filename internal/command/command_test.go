package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
)

// fakeBroker is an in-process MQTT client shared by both transports.
// Deliveries happen on their own goroutine like paho's.
type fakeBroker struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published []string
	dropAll   bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBroker) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, topic)
	var handlers []mqtt.MessageHandler
	if !b.dropAll {
		for pattern, h := range b.subs {
			if topicMatches(pattern, topic) {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go func(h mqtt.MessageHandler) { _ = h(topic, data) }(h)
	}
	return nil
}

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

// recordingTarget stores the calls it receives.
type recordingTarget struct {
	mu      sync.Mutex
	methods []string
	payload json.RawMessage
	status  int
}

func (r *recordingTarget) HandleCommand(_ context.Context, method string, payload json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	r.payload = payload
	return r.status
}

type countingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingRecorder) RecordCommand(method string, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[method]++
}

func TestTable_Dispatch(t *testing.T) {
	table := NewTable(nil).
		Handle("Ok", func(context.Context, json.RawMessage) int { return StatusOK }).
		Handle("Fail", func(context.Context, json.RawMessage) int { return StatusFailed }).
		Handle("Panic", func(context.Context, json.RawMessage) int { panic("boom") })

	tests := []struct {
		method string
		want   int
	}{
		{"Ok", StatusOK},
		{"Fail", StatusFailed},
		{"Panic", StatusFailed},
		{"Missing", StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := table.Dispatch(context.Background(), tt.method, nil); got != tt.want {
				t.Errorf("Dispatch(%s) = %d, want %d", tt.method, got, tt.want)
			}
		})
	}

	table.Fallback(func(context.Context, json.RawMessage) int { return StatusOK })
	if got := table.Dispatch(context.Background(), "Missing", nil); got != StatusOK {
		t.Errorf("Dispatch with fallback = %d, want 0", got)
	}
	if len(table.Methods()) != 3 {
		t.Errorf("Methods() = %v", table.Methods())
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	target := &recordingTarget{}
	r.Register("line-1", target)

	status, err := r.Invoke(context.Background(), "line-1", "SendMessages", map[string]int{"nrOfMessages": 2})
	if err != nil || status != StatusOK {
		t.Fatalf("Invoke() = %d, %v", status, err)
	}
	if string(target.payload) != `{"nrOfMessages":2}` {
		t.Errorf("payload = %s", target.payload)
	}

	status, err = r.Invoke(context.Background(), "line-9", "EmergencyStop", nil)
	if err != nil || status != StatusNotFound {
		t.Errorf("unknown device Invoke() = %d, %v, want 404", status, err)
	}

	other := &recordingTarget{}
	r.Unregister("line-1", other)
	if !r.Registered("line-1") {
		t.Error("Unregister removed a different target")
	}
	r.Unregister("line-1", target)
	if r.Registered("line-1") {
		t.Error("Unregister left the target registered")
	}
}

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(nil)
	if err != nil || raw != nil {
		t.Errorf("nil payload = %s, %v", raw, err)
	}
	raw, _ = encodePayload([]byte(`{"a":1}`))
	if string(raw) != `{"a":1}` {
		t.Errorf("bytes payload = %s", raw)
	}
	if _, err := encodePayload(make(chan int)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unencodable payload error = %v", err)
	}
}

func TestMQTT_RoundTrip(t *testing.T) {
	broker := newFakeBroker()
	router := NewRouter()
	target := &recordingTarget{status: StatusOK}
	router.Register("line-1", target)

	rec := &countingRecorder{}
	server := NewServer(broker, router, nil, rec)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Server.Start() error = %v", err)
	}
	defer server.Stop()

	inv := NewMQTTInvoker(broker, time.Second, nil)
	if err := inv.Start(); err != nil {
		t.Fatalf("Invoker.Start() error = %v", err)
	}
	defer inv.Stop()

	status, err := inv.Invoke(context.Background(), "line-1", "EmergencyStop", nil)
	if err != nil || status != StatusOK {
		t.Fatalf("Invoke() = %d, %v", status, err)
	}

	status, err = inv.Invoke(context.Background(), "line-2", "EmergencyStop", nil)
	if err != nil || status != StatusNotFound {
		t.Errorf("Invoke(unknown device) = %d, %v, want 404", status, err)
	}

	target.mu.Lock()
	methods := append([]string(nil), target.methods...)
	target.mu.Unlock()
	if len(methods) != 1 || methods[0] != "EmergencyStop" {
		t.Errorf("target calls = %v", methods)
	}

	var sawCommand bool
	for _, topic := range broker.topics() {
		if topic == "twinline/command/line-1/EmergencyStop" {
			sawCommand = true
		}
	}
	if !sawCommand {
		t.Errorf("published topics = %v", broker.topics())
	}
}

func TestMQTTInvoker_Timeout(t *testing.T) {
	broker := newFakeBroker()
	broker.dropAll = true

	inv := NewMQTTInvoker(broker, 20*time.Millisecond, nil)
	if err := inv.Start(); err != nil {
		t.Fatal(err)
	}

	_, err := inv.Invoke(context.Background(), "line-1", "EmergencyStop", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Invoke() error = %v, want ErrTimeout", err)
	}
	if len(inv.pending) != 0 {
		t.Errorf("pending requests leaked: %d", len(inv.pending))
	}
}

func TestMQTTInvoker_Validation(t *testing.T) {
	inv := NewMQTTInvoker(newFakeBroker(), 0, nil)
	if inv.timeout != DefaultResponseTimeout {
		t.Errorf("timeout = %v, want default", inv.timeout)
	}

	if _, err := inv.Invoke(context.Background(), "line-1", "Stop", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Invoke before Start error = %v, want ErrNotStarted", err)
	}
	if _, err := inv.Invoke(context.Background(), "line/1", "Stop", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Invoke with bad device id error = %v, want ErrInvalidRequest", err)
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	s := NewServer(newFakeBroker(), NewRouter(), nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"bad topic", "twinline/command/line-1", `{"request_id":"a"}`},
		{"bad json", "twinline/command/line-1/Stop", `{`},
		{"missing id", "twinline/command/line-1/Stop", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.handleRequest(tt.topic, []byte(tt.payload)); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("handleRequest() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
