package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	*httptest.Server

	mu     sync.Mutex
	lines  []string
	status int
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{status: http.StatusNoContent}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
			status := f.status
			f.mu.Unlock()
			if status != http.StatusNoContent {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"code":"invalid","message":"bucket not found"}`))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) failWrites(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func fakeConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "twinline-test-token",
		Org:           "twinline",
		Bucket:        "production",
		BatchSize:     10,
		FlushInterval: 60,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := fakeConfig("http://127.0.0.1:8086")
	cfg.Enabled = false
	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := influxdb.Connect(fakeConfig("http://127.0.0.1:59999"))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WritesAndFlush(t *testing.T) {
	srv := newFakeInflux(t)
	client, err := influxdb.Connect(fakeConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WriteProduction(influxdb.ProductionSample{DeviceID: "line-1", WorkorderID: "wo-1", GoodCount: 40})
	client.WriteErrorState("line-1", 1, "Emergency Stop", time.Time{})
	client.Flush()

	var lines []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines = srv.written(); len(lines) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(lines) != 2 {
		t.Fatalf("written = %q, want 2 lines", lines)
	}
	if !strings.HasPrefix(lines[0], "production,device_id=line-1,workorder_id=wo-1 ") {
		t.Errorf("line[0] = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "error_state,device_id=line-1 ") {
		t.Errorf("line[1] = %q", lines[1])
	}
}

func TestClient_AsyncErrorsReachCallback(t *testing.T) {
	srv := newFakeInflux(t)
	srv.failWrites(http.StatusBadRequest)

	client, err := influxdb.Connect(fakeConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	got := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case got <- err:
		default:
		}
	})

	client.WriteErrorState("line-1", 0, "None", time.Time{})
	client.Flush()

	select {
	case err := <-got:
		if err == nil {
			t.Error("callback received nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write error not reported")
	}
}

func TestClient_Close(t *testing.T) {
	srv := newFakeInflux(t)
	client, err := influxdb.Connect(fakeConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteErrorState("line-1", 0, "None", time.Time{})
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if n := len(srv.written()); n != 1 {
		t.Errorf("points flushed on close = %d, want 1", n)
	}

	// Writes after close are dropped and a second Close is a no-op.
	client.WriteProduction(influxdb.ProductionSample{DeviceID: "line-1"})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestClient_ZeroValue(t *testing.T) {
	var client influxdb.Client
	client.WriteProduction(influxdb.ProductionSample{DeviceID: "x"})
	client.WriteErrorState("x", 1, "Emergency Stop", time.Time{})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestIntegration_LocalInflux runs against the development InfluxDB when
// INFLUXDB_URL and INFLUXDB_TOKEN are set.
func TestIntegration_LocalInflux(t *testing.T) {
	url, token := os.Getenv("INFLUXDB_URL"), os.Getenv("INFLUXDB_TOKEN")
	if url == "" || token == "" {
		t.Skip("INFLUXDB_URL/INFLUXDB_TOKEN not set")
	}
	cfg := fakeConfig(url)
	cfg.Token = token

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})
	client.WriteProduction(influxdb.ProductionSample{DeviceID: "line-test-1", GoodCount: 1})
	client.Flush()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
}
