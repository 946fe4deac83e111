package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device name or remote id is not configured.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when two identities share a name or remote id.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when an identity fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrNoDevices is returned when a registry is built from an empty list.
	ErrNoDevices = errors.New("device: no devices configured")
)
