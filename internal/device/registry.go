package device

import (
	"fmt"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// Registry is the read-only set of configured device identities.
//
// It is built once at startup and never mutated, so all methods are safe
// for concurrent use without locking.
type Registry struct {
	ordered    []Identity
	byName     map[string]int
	byRemoteID map[string]int
	defaultIdx int
}

// NewRegistry builds a registry from the configured device list.
//
// Parameters:
//   - devices: Device entries in configuration order
//   - defaultName: Default device selector; empty selects the first device
//
// Returns:
//   - *Registry: Registry ready for lookups
//   - error: ErrNoDevices, ErrInvalidDevice, ErrDeviceExists or ErrDeviceNotFound
//     for an unknown default selector
func NewRegistry(devices []config.DeviceConfig, defaultName string) (*Registry, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	r := &Registry{
		ordered:    make([]Identity, 0, len(devices)),
		byName:     make(map[string]int, len(devices)),
		byRemoteID: make(map[string]int, len(devices)),
	}

	for _, d := range devices {
		id := FromConfig(d)
		if err := id.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[id.Name]; dup {
			return nil, fmt.Errorf("%w: name %q", ErrDeviceExists, id.Name)
		}
		if _, dup := r.byRemoteID[id.RemoteID]; dup {
			return nil, fmt.Errorf("%w: remote id %q", ErrDeviceExists, id.RemoteID)
		}
		r.byName[id.Name] = len(r.ordered)
		r.byRemoteID[id.RemoteID] = len(r.ordered)
		r.ordered = append(r.ordered, id)
	}

	if defaultName != "" {
		idx, ok := r.byName[defaultName]
		if !ok {
			return nil, fmt.Errorf("%w: default device %q", ErrDeviceNotFound, defaultName)
		}
		r.defaultIdx = idx
	}

	return r, nil
}

// Get returns the identity with the given local name.
func (r *Registry) Get(name string) (Identity, error) {
	idx, ok := r.byName[name]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return r.ordered[idx], nil
}

// ByRemoteID returns the identity with the given remote id.
func (r *Registry) ByRemoteID(remoteID string) (Identity, error) {
	idx, ok := r.byRemoteID[remoteID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: remote id %s", ErrDeviceNotFound, remoteID)
	}
	return r.ordered[idx], nil
}

// Default returns the default device.
func (r *Registry) Default() Identity {
	return r.ordered[r.defaultIdx]
}

// All returns every identity in configuration order. The slice is a copy.
func (r *Registry) All() []Identity {
	out := make([]Identity, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of configured devices.
func (r *Registry) Len() int {
	return len(r.ordered)
}
