package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration problems that must stop the process at startup.
var ErrInvalid = errors.New("config: invalid configuration")

// Twin backends.
const (
	TwinBackendSQLite = "sqlite"
	TwinBackendNATS   = "nats"
	TwinBackendMemory = "memory"
)

// Alert queue backends.
const (
	QueueBackendNATS   = "nats"
	QueueBackendMemory = "memory"
)

// Command transports.
const (
	CommandTransportMQTT  = "mqtt"
	CommandTransportLocal = "local"
)

// Autostart policies.
const (
	AutostartAll     = "all"
	AutostartDefault = "default"
	AutostartNone    = "none"
)

// Config is the root configuration structure for Twinline Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service       ServiceConfig    `yaml:"service"`
	Devices       []DeviceConfig   `yaml:"devices"`
	DefaultDevice string           `yaml:"default_device"`
	Reconciler    ReconcilerConfig `yaml:"reconciler"`
	Alerts        AlertsConfig     `yaml:"alerts"`
	Commands      CommandsConfig   `yaml:"commands"`
	Twin          TwinConfig       `yaml:"twin"`
	Database      DatabaseConfig   `yaml:"database"`
	MQTT          MQTTConfig       `yaml:"mqtt"`
	NATS          NATSConfig       `yaml:"nats"`
	InfluxDB      InfluxDBConfig   `yaml:"influxdb"`
	API           APIConfig        `yaml:"api"`
	WebSocket     WebSocketConfig  `yaml:"websocket"`
	Logging       LoggingConfig    `yaml:"logging"`
	Security      SecurityConfig   `yaml:"security"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DeviceConfig describes one production-line device.
type DeviceConfig struct {
	// Name is the local device name used in logs and the admin API.
	Name string `yaml:"name"`

	// RemoteID identifies the device's twin document and command channel.
	RemoteID string `yaml:"remote_id"`

	// Endpoint is the equipment link address, e.g. "opc.tcp://10.0.0.5:4840" or "sim://line-1".
	Endpoint string `yaml:"endpoint"`

	// NodeName prefixes the device's tag paths. Defaults to Name.
	NodeName string `yaml:"node_name"`

	// ConnectionString is the per-device credential for the twin service.
	ConnectionString string `yaml:"connection_string"`

	// DefaultProductionRate is the rate a simulated (sim://) device starts at.
	// It does not touch the twin.
	DefaultProductionRate int `yaml:"default_production_rate"`
}

// ReconcilerConfig contains per-device reconciliation loop settings.
type ReconcilerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	DefaultCommandDelay time.Duration `yaml:"default_command_delay"`
	Autostart           string        `yaml:"autostart"`
}

// AlertsConfig contains alert processor settings.
type AlertsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Backend        string        `yaml:"backend"`
	Stream         string        `yaml:"stream"`
	Subject        string        `yaml:"subject"`
	Consumer       string        `yaml:"consumer"`
	AckWait        time.Duration `yaml:"ack_wait"`
	MaxAge         time.Duration `yaml:"max_age"`
	SweepDeadline  time.Duration `yaml:"sweep_deadline"`
	BatchSize      int           `yaml:"batch_size"`
	ReceiveWait    time.Duration `yaml:"receive_wait"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxDeliveries  int           `yaml:"max_deliveries"`
}

// CommandsConfig contains command channel settings.
type CommandsConfig struct {
	Transport       string        `yaml:"transport"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// TwinConfig selects and configures the twin document store.
type TwinConfig struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// NATSConfig contains NATS/JetStream connection settings.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	Token          string        `yaml:"token"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig        `yaml:"jwt"`
	Operators []OperatorConfig `yaml:"operators"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// OperatorConfig is an admin API account. PasswordHash is an Argon2id PHC string.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TWINLINE_SECTION_KEY
// For example: TWINLINE_DATABASE_PATH, TWINLINE_NATS_URL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails. All
//     returned errors wrap ErrInvalid.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file: %w", ErrInvalid, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %w", ErrInvalid, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "twinline-001",
			Name: "Twinline",
		},
		Reconciler: ReconcilerConfig{
			Interval:            2 * time.Second,
			DrainTimeout:        10 * time.Second,
			OperationTimeout:    5 * time.Second,
			DefaultCommandDelay: time.Second,
			Autostart:           AutostartAll,
		},
		Alerts: AlertsConfig{
			Enabled:        true,
			Backend:        QueueBackendNATS,
			Stream:         "ALERTS",
			Subject:        "alerts.emergency",
			Consumer:       "twinline-alerts",
			AckWait:        2 * time.Minute,
			MaxAge:         5 * time.Minute,
			SweepDeadline:  30 * time.Second,
			BatchSize:      100,
			ReceiveWait:    5 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: 2 * time.Second,
			MaxDeliveries:  5,
		},
		Commands: CommandsConfig{
			Transport:       CommandTransportMQTT,
			ResponseTimeout: 30 * time.Second,
		},
		Twin: TwinConfig{
			Backend: TwinBackendSQLite,
			Bucket:  "twins",
		},
		Database: DatabaseConfig{
			Path:        "./data/twinline.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "twinline-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		NATS: NATSConfig{
			Enabled:        true,
			URL:            "nats://localhost:4222",
			Name:           "twinline-core",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "twinline",
			Bucket:        "production",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// defaultProductionRate is used when a device entry does not set one.
const defaultProductionRate = 100

// applyDeviceDefaults fills per-device fields that fall back to other fields.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.NodeName == "" {
			d.NodeName = d.Name
		}
		if d.RemoteID == "" {
			d.RemoteID = d.Name
		}
		if d.DefaultProductionRate == 0 {
			d.DefaultProductionRate = defaultProductionRate
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TWINLINE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWINLINE_DEFAULT_DEVICE"); v != "" {
		cfg.DefaultDevice = v
	}

	// Database
	if v := os.Getenv("TWINLINE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Twin
	if v := os.Getenv("TWINLINE_TWIN_BACKEND"); v != "" {
		cfg.Twin.Backend = v
	}

	// MQTT
	if v := os.Getenv("TWINLINE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TWINLINE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TWINLINE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// NATS
	if v := os.Getenv("TWINLINE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("TWINLINE_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}

	// API
	if v := os.Getenv("TWINLINE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("TWINLINE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("TWINLINE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure wrapping ErrInvalid, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	errs = append(errs, c.validateDevices()...)

	if c.Reconciler.Interval <= 0 {
		errs = append(errs, "reconciler.interval must be positive")
	}
	switch c.Reconciler.Autostart {
	case AutostartAll, AutostartDefault, AutostartNone:
	default:
		errs = append(errs, fmt.Sprintf("reconciler.autostart %q must be all, default or none", c.Reconciler.Autostart))
	}

	switch c.Twin.Backend {
	case TwinBackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite twin backend")
		}
	case TwinBackendNATS:
		if !c.NATS.Enabled {
			errs = append(errs, "nats.enabled must be true for the nats twin backend")
		}
	case TwinBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("twin.backend %q must be sqlite, nats or memory", c.Twin.Backend))
	}

	if c.Alerts.Enabled {
		switch c.Alerts.Backend {
		case QueueBackendNATS:
			if !c.NATS.Enabled {
				errs = append(errs, "nats.enabled must be true for the nats alert queue")
			}
		case QueueBackendMemory:
		default:
			errs = append(errs, fmt.Sprintf("alerts.backend %q must be nats or memory", c.Alerts.Backend))
		}
		if c.Alerts.RetryAttempts < 1 {
			errs = append(errs, "alerts.retry_attempts must be at least 1")
		}
		if c.Alerts.BatchSize < 1 {
			errs = append(errs, "alerts.batch_size must be at least 1")
		}
		if c.Alerts.MaxAge <= 0 {
			errs = append(errs, "alerts.max_age must be positive")
		}
	}

	switch c.Commands.Transport {
	case CommandTransportMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "mqtt.enabled must be true for the mqtt command transport")
		}
	case CommandTransportLocal:
	default:
		errs = append(errs, fmt.Sprintf("commands.transport %q must be mqtt or local", c.Commands.Transport))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set TWINLINE_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// validateDevices checks the device list and the default device selector.
func (c *Config) validateDevices() []string {
	var errs []string

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one entry in devices is required")
	}

	names := make(map[string]struct{}, len(c.Devices))
	remoteIDs := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
			continue
		}
		if _, dup := names[d.Name]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d].name %q is duplicated", i, d.Name))
		}
		names[d.Name] = struct{}{}

		if d.RemoteID != "" {
			if _, dup := remoteIDs[d.RemoteID]; dup {
				errs = append(errs, fmt.Sprintf("devices[%d].remote_id %q is duplicated", i, d.RemoteID))
			}
			remoteIDs[d.RemoteID] = struct{}{}
		}
		if d.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].endpoint is required", i))
		}
		if d.DefaultProductionRate < 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].default_production_rate must not be negative", i))
		}
	}

	if c.DefaultDevice != "" {
		if _, ok := names[c.DefaultDevice]; !ok {
			errs = append(errs, fmt.Sprintf("default_device %q is not in devices", c.DefaultDevice))
		}
	}

	return errs
}

// Device returns the device entry with the given name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// DefaultDeviceConfig resolves the default device selector. When no
// selector is set the first configured device is used.
func (c *Config) DefaultDeviceConfig() (DeviceConfig, bool) {
	if c.DefaultDevice == "" {
		if len(c.Devices) == 0 {
			return DeviceConfig{}, false
		}
		return c.Devices[0], true
	}
	return c.Device(c.DefaultDevice)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
