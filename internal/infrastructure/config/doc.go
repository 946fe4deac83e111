// Package config handles loading and validating Twinline Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and the device list
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT/NATS credentials, InfluxDB token, JWT secret)
//     should be set via environment variables
//   - Per-device connection strings live in the config file, which should
//     have restricted permissions (0600)
//
// Every error returned by Load wraps ErrInvalid so the caller can exit with
// the configuration-failure status code.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dev, _ := cfg.DefaultDeviceConfig()
//	fmt.Println(dev.Name)
package config
