package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// AnyETag makes an update unconditional.
const AnyETag = "*"

// Property names shared by reconcilers, alerts and the admin API.
const (
	PropProductionRate    = "ProductionRate"
	PropProductionStatus  = "ProductionStatus"
	PropErrorStatus       = "ErrorStatus"
	PropLastAppLaunch     = "DateTimeLastAppLaunch"
	PropLastDesiredChange = "DateTimeLastDesiredPropertyChangeReceived"
)

var (
	// ErrConflict is returned when an update carries a stale etag.
	ErrConflict = errors.New("twin: etag conflict")

	// ErrInvalidDeviceID is returned for an empty device id.
	ErrInvalidDeviceID = errors.New("twin: invalid device id")

	// ErrInvalidPatch is returned when a patch cannot be encoded.
	ErrInvalidPatch = errors.New("twin: invalid patch")
)

// Properties is one property set of a twin document.
type Properties map[string]any

// Document is a device's twin.
type Document struct {
	DeviceID string     `json:"device_id"`
	Desired  Properties `json:"desired"`
	Reported Properties `json:"reported"`
	ETag     string     `json:"etag"`
}

// Store is the twin document service.
type Store interface {
	// Get returns the device's document, creating an empty one if needed.
	Get(ctx context.Context, deviceID string) (*Document, error)

	// UpdateReported merges patch into reported properties and returns the new etag.
	UpdateReported(ctx context.Context, deviceID string, patch Properties, etag string) (string, error)

	// UpdateDesired merges patch into desired properties and returns the new etag.
	UpdateDesired(ctx context.Context, deviceID string, patch Properties, etag string) (string, error)

	// WatchDesired calls fn with the full desired set after every desired
	// change until stop is called or ctx ends. Calls for one watcher are
	// sequential.
	WatchDesired(ctx context.Context, deviceID string, fn func(Properties)) (stop func(), err error)
}

// Int returns an integral property. Numbers of any Go type are accepted.
func Int(p Properties, key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// String returns a string property.
func String(p Properties, key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a deep copy through JSON.
func (p Properties) Clone() Properties {
	out, err := normalize(p)
	if err != nil {
		return Properties{}
	}
	return out
}

// merge applies patch to dst. A nil value removes the key.
func merge(dst, patch Properties) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// normalize round-trips p through JSON so every backend returns the same types.
func normalize(p Properties) (Properties, error) {
	if p == nil {
		return Properties{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	return decode(data)
}

func decode(data []byte) (Properties, error) {
	out := Properties{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("twin: decoding properties: %w", err)
	}
	if out == nil {
		out = Properties{}
	}
	return out, nil
}

// applyPatch returns base with patch merged, both normalised.
func applyPatch(base, patch Properties) (Properties, error) {
	np, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	out := base.Clone()
	merge(out, np)
	return out, nil
}

func checkID(deviceID string) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	return nil
}
