package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Devices = []DeviceConfig{
		{Name: "Device 1", RemoteID: "line-1", Endpoint: "sim://line-1", NodeName: "Device 1", DefaultProductionRate: 100},
		{Name: "Device 2", RemoteID: "line-2", Endpoint: "opc.tcp://localhost:4840", NodeName: "Device 2", DefaultProductionRate: 100},
	}
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
service:
  id: "test-plant"
devices:
  - name: "Device 1"
    remote_id: "line-1"
    endpoint: "opc.tcp://localhost:4840"
  - name: "Device 2"
    endpoint: "sim://line-2"
    default_production_rate: 80
default_device: "Device 2"
reconciler:
  interval: 10s
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.ID != "test-plant" {
		t.Errorf("Service.ID = %q, want %q", cfg.Service.ID, "test-plant")
	}
	if cfg.Reconciler.Interval != 10*time.Second {
		t.Errorf("Reconciler.Interval = %v, want 10s", cfg.Reconciler.Interval)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}

	// Fallbacks applied to the second device.
	d2 := cfg.Devices[1]
	if d2.RemoteID != "Device 2" {
		t.Errorf("Devices[1].RemoteID = %q, want %q", d2.RemoteID, "Device 2")
	}
	if d2.NodeName != "Device 2" {
		t.Errorf("Devices[1].NodeName = %q, want %q", d2.NodeName, "Device 2")
	}
	if d2.DefaultProductionRate != 80 {
		t.Errorf("Devices[1].DefaultProductionRate = %d, want 80", d2.DefaultProductionRate)
	}
	if cfg.Devices[0].DefaultProductionRate != 100 {
		t.Errorf("Devices[0].DefaultProductionRate = %d, want 100", cfg.Devices[0].DefaultProductionRate)
	}

	def, ok := cfg.DefaultDeviceConfig()
	if !ok || def.Name != "Device 2" {
		t.Errorf("DefaultDeviceConfig() = %q, %v, want %q, true", def.Name, ok, "Device 2")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoad_MissingDevices(t *testing.T) {
	content := `
service:
  id: "test-plant"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for empty device list, got nil")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
	if !strings.Contains(err.Error(), "devices") {
		t.Errorf("Load() error = %v, want mention of devices", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing service ID",
			mutate:  func(c *Config) { c.Service.ID = "" },
			wantErr: "service.id",
		},
		{
			name:    "duplicate device name",
			mutate:  func(c *Config) { c.Devices[1].Name = c.Devices[0].Name },
			wantErr: "is duplicated",
		},
		{
			name:    "duplicate remote id",
			mutate:  func(c *Config) { c.Devices[1].RemoteID = c.Devices[0].RemoteID },
			wantErr: "remote_id",
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Devices[0].Endpoint = "" },
			wantErr: "endpoint",
		},
		{
			name:    "unknown default device",
			mutate:  func(c *Config) { c.DefaultDevice = "Device 9" },
			wantErr: "default_device",
		},
		{
			name:    "unknown twin backend",
			mutate:  func(c *Config) { c.Twin.Backend = "cosmos" },
			wantErr: "twin.backend",
		},
		{
			name: "nats twin backend without nats",
			mutate: func(c *Config) {
				c.Twin.Backend = TwinBackendNATS
				c.NATS.Enabled = false
				c.Alerts.Backend = QueueBackendMemory
			},
			wantErr: "nats.enabled",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Alerts.RetryAttempts = 0 },
			wantErr: "retry_attempts",
		},
		{
			name: "mqtt commands without mqtt",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
			},
			wantErr: "mqtt command transport",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "JWT secret too short",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: "security.jwt.secret",
		},
		{
			name: "API disabled skips secret check",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.Security.JWT.Secret = ""
			},
		},
		{
			name:    "bad autostart",
			mutate:  func(c *Config) { c.Reconciler.Autostart = "some" },
			wantErr: "reconciler.autostart",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ID = ""
	cfg.MQTT.QoS = 9

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"service.id", "mqtt.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, missing %q", err, want)
		}
	}
}

func TestConfig_DefaultDeviceFallsBackToFirst(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultDevice = ""

	d, ok := cfg.DefaultDeviceConfig()
	if !ok {
		t.Fatal("DefaultDeviceConfig() ok = false, want true")
	}
	if d.Name != "Device 1" {
		t.Errorf("DefaultDeviceConfig().Name = %q, want %q", d.Name, "Device 1")
	}

	if _, ok := cfg.Device("missing"); ok {
		t.Error("Device(missing) ok = true, want false")
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("TWINLINE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("TWINLINE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("TWINLINE_MQTT_USERNAME", "testuser")
	t.Setenv("TWINLINE_MQTT_PASSWORD", "testpass")
	t.Setenv("TWINLINE_NATS_URL", "nats://nats.example.com:4222")
	t.Setenv("TWINLINE_TWIN_BACKEND", "nats")
	t.Setenv("TWINLINE_DEFAULT_DEVICE", "Device 2")
	t.Setenv("TWINLINE_API_HOST", "192.168.1.1")
	t.Setenv("TWINLINE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("TWINLINE_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"NATS.URL", cfg.NATS.URL, "nats://nats.example.com:4222"},
		{"Twin.Backend", cfg.Twin.Backend, "nats"},
		{"DefaultDevice", cfg.DefaultDevice, "Device 2"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Reconciler.Interval != 2*time.Second {
		t.Errorf("defaultConfig Reconciler.Interval = %v, want 2s", cfg.Reconciler.Interval)
	}
	if cfg.Alerts.MaxAge != 5*time.Minute {
		t.Errorf("defaultConfig Alerts.MaxAge = %v, want 5m", cfg.Alerts.MaxAge)
	}
	if cfg.Alerts.SweepDeadline != 30*time.Second {
		t.Errorf("defaultConfig Alerts.SweepDeadline = %v, want 30s", cfg.Alerts.SweepDeadline)
	}
	if cfg.Alerts.RetryAttempts != 3 || cfg.Alerts.RetryBaseDelay != 2*time.Second {
		t.Errorf("defaultConfig retry = %d x %v, want 3 x 2s", cfg.Alerts.RetryAttempts, cfg.Alerts.RetryBaseDelay)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
