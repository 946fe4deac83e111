package equipment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/twinline-core/internal/device"
)

// Tag names exposed by every device.
const (
	TagProductionStatus = "ProductionStatus"
	TagProductionRate   = "ProductionRate"
	TagDeviceError      = "DeviceError"
	TagTemperature      = "Temperature"
	TagGoodCount        = "GoodCount"
	TagBadCount         = "BadCount"
	TagWorkorderID      = "WorkorderId"
)

// Method names exposed by every device.
const (
	MethodEmergencyStop    = "EmergencyStop"
	MethodResetErrorStatus = "ResetErrorStatus"
)

// Production status values.
const (
	StatusStopped = 0
	StatusRunning = 1
)

var (
	// ErrUnsupportedScheme is returned when no dialer handles an endpoint scheme.
	ErrUnsupportedScheme = errors.New("equipment: unsupported endpoint scheme")

	// ErrUnknownTag is returned when a path does not name a known tag.
	ErrUnknownTag = errors.New("equipment: unknown tag")

	// ErrUnknownMethod is returned when a method path is not recognised.
	ErrUnknownMethod = errors.New("equipment: unknown method")

	// ErrTypeMismatch is returned when a tag value has an unexpected type.
	ErrTypeMismatch = errors.New("equipment: type mismatch")

	// ErrLinkClosed is returned when a closed link is used.
	ErrLinkClosed = errors.New("equipment: link closed")

	// ErrUnavailable is returned when the device cannot be reached.
	ErrUnavailable = errors.New("equipment: unavailable")
)

// Link is an open connection to one device.
type Link interface {
	// Read returns the current value of a tag.
	Read(ctx context.Context, path string) (any, error)

	// Write sets a tag.
	Write(ctx context.Context, path string, value any) error

	// Call invokes a method on an object.
	Call(ctx context.Context, objectPath, methodPath string) error

	// Close releases the connection.
	Close(ctx context.Context) error
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context, id device.Identity) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, id device.Identity) (Link, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, id device.Identity) (Link, error) {
	return f(ctx, id)
}

// Path joins a node name and a tag or method name.
func Path(node, name string) string {
	return node + "/" + name
}

// ReadInt reads a tag and converts it to int.
func ReadInt(ctx context.Context, l Link, path string) (int, error) {
	v, err := l.Read(ctx, path)
	if err != nil {
		return 0, err
	}
	return toInt(path, v)
}

// ReadFloat reads a tag and converts it to float64.
func ReadFloat(ctx context.Context, l Link, path string) (float64, error) {
	v, err := l.Read(ctx, path)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		i, err := toInt(path, v)
		return float64(i), err
	}
}

// ReadString reads a tag and converts it to string.
func ReadString(ctx context.Context, l Link, path string) (string, error) {
	v, err := l.Read(ctx, path)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

func toInt(path string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q is not an integer", ErrTypeMismatch, path, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s: %T is not an integer", ErrTypeMismatch, path, v)
	}
}
