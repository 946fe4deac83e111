package device

import (
	"fmt"
	"net/url"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// Identity describes one device. It is immutable once built.
type Identity struct {
	// Name is the local name used in logs, the admin API and fleet views.
	Name string `json:"name"`

	// RemoteID keys the twin document, the command channel and alerts.
	RemoteID string `json:"remote_id"`

	// Endpoint is the equipment link address (opc.tcp://... or sim://...).
	Endpoint string `json:"endpoint"`

	// NodeName prefixes tag and method paths on the equipment.
	NodeName string `json:"node_name"`

	// ConnectionString is the device's credential for the twin service.
	ConnectionString string `json:"-"`

	// DefaultProductionRate is the rate a simulated device starts at.
	DefaultProductionRate int `json:"default_production_rate"`
}

// FromConfig builds an Identity from a configuration entry.
func FromConfig(d config.DeviceConfig) Identity {
	id := Identity{
		Name:                  d.Name,
		RemoteID:              d.RemoteID,
		Endpoint:              d.Endpoint,
		NodeName:              d.NodeName,
		ConnectionString:      d.ConnectionString,
		DefaultProductionRate: d.DefaultProductionRate,
	}
	if id.RemoteID == "" {
		id.RemoteID = id.Name
	}
	if id.NodeName == "" {
		id.NodeName = id.Name
	}
	return id
}

// Scheme returns the endpoint URL scheme, e.g. "opc.tcp" or "sim".
func (i Identity) Scheme() string {
	u, err := url.Parse(i.Endpoint)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// Validate checks the identity for required fields.
func (i Identity) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if i.RemoteID == "" {
		return fmt.Errorf("%w: %s: remote id is required", ErrInvalidDevice, i.Name)
	}
	if i.Endpoint == "" {
		return fmt.Errorf("%w: %s: endpoint is required", ErrInvalidDevice, i.Name)
	}
	if i.Scheme() == "" {
		return fmt.Errorf("%w: %s: endpoint %q has no scheme", ErrInvalidDevice, i.Name, i.Endpoint)
	}
	if i.DefaultProductionRate < 0 {
		return fmt.Errorf("%w: %s: default production rate must not be negative", ErrInvalidDevice, i.Name)
	}
	return nil
}
