package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker tests expect Mosquitto at 127.0.0.1:1883 and skip when it is absent.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "twinline-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg)
	if err != nil {
		t.Skipf("MQTT broker not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// offlineClient returns a client that has never connected.
func offlineClient() *Client {
	return &Client{clientID: "twinline-test", qos: 1, subs: make(map[string]subscription)}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command", topics.Command("line-1", "EmergencyStop"), "twinline/command/line-1/EmergencyStop"},
		{"response", topics.Response("req-1"), "twinline/response/req-1"},
		{"telemetry", topics.Telemetry("line-1"), "twinline/telemetry/line-1"},
		{"event", topics.Event("line-1", "error_state"), "twinline/events/line-1/error_state"},
		{"logs", topics.Logs("line-1"), "twinline/logs/line-1"},
		{"c2d", topics.CloudToDevice("line-1"), "twinline/c2d/line-1"},
		{"system status", topics.SystemStatus(), "twinline/system/status"},
		{"all commands", topics.AllCommands(), "twinline/command/+/+"},
		{"all responses", topics.AllResponses(), "twinline/response/+"},
		{"all c2d", topics.AllCloudToDevice(), "twinline/c2d/+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantDevice string
		wantMethod string
		wantOK     bool
	}{
		{"twinline/command/line-1/ClearErrors", "line-1", "ClearErrors", true},
		{"twinline/command/line-1", "", "", false},
		{"twinline/command//ClearErrors", "", "", false},
		{"twinline/response/line-1/ClearErrors", "", "", false},
		{"other/command/line-1/ClearErrors", "", "", false},
		{"twinline/command/line-1/ClearErrors/extra", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			dev, method, ok := ParseCommandTopic(tt.topic)
			if ok != tt.wantOK || dev != tt.wantDevice || method != tt.wantMethod {
				t.Errorf("ParseCommandTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.topic, dev, method, ok, tt.wantDevice, tt.wantMethod, tt.wantOK)
			}
		})
	}
}

func TestParseDeviceTopic(t *testing.T) {
	if dev, ok := ParseDeviceTopic("twinline/c2d/line-2", "c2d"); !ok || dev != "line-2" {
		t.Errorf("ParseDeviceTopic() = (%q, %v), want (line-2, true)", dev, ok)
	}
	if _, ok := ParseDeviceTopic("twinline/telemetry/line-2", "c2d"); ok {
		t.Error("ParseDeviceTopic() matched wrong category")
	}
	if _, ok := ParseDeviceTopic("twinline/c2d/", "c2d"); ok {
		t.Error("ParseDeviceTopic() accepted empty device id")
	}
}

func TestValidSegment(t *testing.T) {
	tests := map[string]bool{
		"line-1":   true,
		"Device 1": true,
		"":         false,
		"a/b":      false,
		"a+":       false,
		"#":        false,
	}
	for in, want := range tests {
		if got := ValidSegment(in); got != want {
			t.Errorf("ValidSegment(%q) = %v, want %v", in, got, want)
		}
	}
}

// =============================================================================
// Payload and Option Tests
// =============================================================================

func TestStatusPayload(t *testing.T) {
	tests := []struct {
		name   string
		status string
		reason string
	}{
		{"online", statusOnline, ""},
		{"graceful", statusOffline, reasonShutdown},
		{"will", statusOffline, reasonUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg map[string]string
			if err := json.Unmarshal(statusPayload("host-1", tt.status, tt.reason), &msg); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if msg["status"] != tt.status || msg["client_id"] != "host-1" || msg["reason"] != tt.reason {
				t.Errorf("payload = %v", msg)
			}
			if _, err := time.Parse(time.RFC3339, msg["timestamp"]); err != nil {
				t.Errorf("timestamp %q is not RFC3339: %v", msg["timestamp"], err)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() TLS = %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "twinline"
	cfg.Auth.Password = "secret"
	opts := buildClientOptions(cfg)

	if opts.ClientID != "twinline-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "twinline" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}

	if !opts.WillEnabled || opts.WillTopic != "twinline/system/status" || !opts.WillRetained {
		t.Errorf("LWT = %q retained=%v", opts.WillTopic, opts.WillRetained)
	}
	if !strings.Contains(string(opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("LWT payload = %s", opts.WillPayload)
	}
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestPublishValidation(t *testing.T) {
	c := offlineClient()
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"bad qos", "twinline/test", []byte("x"), 3, ErrInvalidQoS},
		{"oversize", "twinline/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "twinline/test", []byte("x"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishJSON_EncodeError(t *testing.T) {
	c := offlineClient()
	err := c.PublishJSON("twinline/test", map[string]any{"bad": make(chan int)})
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON() error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := offlineClient()
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("twinline/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := c.Subscribe("twinline/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe("twinline/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("offline error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe empty error = %v", err)
	}
}

func TestHealthCheck_Offline(t *testing.T) {
	c := offlineClient()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() cancelled error = %v", err)
	}
}

func TestClose_NeverConnected(t *testing.T) {
	c := offlineClient()
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHandleConnectionCallbacks(t *testing.T) {
	c := offlineClient()
	var lost error
	c.SetOnDisconnect(func(err error) { lost = err })

	c.connected.Store(true)
	c.handleDisconnect(errors.New("broker gone"))

	if lost == nil || lost.Error() != "broker gone" {
		t.Errorf("disconnect callback error = %v", lost)
	}
	if c.connected.Load() {
		t.Error("connected = true after disconnect")
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if err == nil {
		t.Skip("something is listening on 19999")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	client := connectOrSkip(t, "twinline-test-roundtrip")

	topic := Topics{}.Command("line-rt", "ClearErrors")
	received := make(chan []byte, 1)
	var once sync.Once
	err := client.Subscribe(Topics{}.AllCommands(), 1, func(tp string, payload []byte) error {
		if tp == topic {
			once.Do(func() { received <- payload })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(Topics{}.AllCommands()) {
		t.Error("subscription not tracked")
	}

	if err := client.PublishJSON(topic, map[string]string{"request_id": "r1"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case payload := <-received:
		if !strings.Contains(string(payload), `"r1"`) {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if err := client.Unsubscribe(Topics{}.AllCommands()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client := connectOrSkip(t, "twinline-test-panic")

	topic := "twinline/test/panic"
	done := make(chan struct{}, 2)
	err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		done <- struct{}{}
		if string(payload) == "boom" {
			panic("handler exploded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = client.Publish(topic, []byte("boom"), 1, false)
	_ = client.Publish(topic, []byte("fine"), 1, false)

	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not invoked after panic")
		}
	}
	if !client.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
}
