package equipment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/twinline-core/internal/alarm"
	"github.com/nerrad567/twinline-core/internal/device"
)

// SchemeSim is the endpoint scheme served by Simulator.
const SchemeSim = "sim"

// Simulator is an in-process stand-in for the factory floor. Each node name
// gets its own SimDevice, created running at its default production rate on
// first dial. State survives across links so a reconciler sees a consistent
// device between cycles.
type Simulator struct {
	mu      sync.Mutex
	devices map[string]*SimDevice
}

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{devices: make(map[string]*SimDevice)}
}

// Device returns the simulated device for a node, creating it if needed.
func (s *Simulator) Device(node string) *SimDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[node]
	if !ok {
		d = newSimDevice(100)
		s.devices[node] = d
	}
	return d
}

// Dial implements Dialer.
func (s *Simulator) Dial(ctx context.Context, id device.Identity) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	d, ok := s.devices[id.NodeName]
	if !ok {
		rate := id.DefaultProductionRate
		if rate == 0 {
			rate = 100
		}
		d = newSimDevice(rate)
		s.devices[id.NodeName] = d
	}
	s.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id.Endpoint)
	}
	d.advance()
	return &simLink{node: id.NodeName, dev: d}, nil
}

// SimDevice is the state of one simulated device.
type SimDevice struct {
	mu          sync.Mutex
	tags        map[string]any
	ticks       int
	unavailable bool
	failReads   bool
	calls       []string
	writes      int
}

func newSimDevice(rate int) *SimDevice {
	return &SimDevice{
		tags: map[string]any{
			TagProductionStatus: StatusRunning,
			TagProductionRate:   rate,
			TagDeviceError:      0,
			TagTemperature:      60.0,
			TagGoodCount:        0,
			TagBadCount:         0,
			TagWorkorderID:      uuid.NewString(),
		},
	}
}

// advance moves production forward by one step. Caller holds d.mu.
func (d *SimDevice) advance() {
	if d.tags[TagProductionStatus] != StatusRunning {
		return
	}
	d.ticks++
	rate, _ := d.tags[TagProductionRate].(int)
	good, _ := d.tags[TagGoodCount].(int)
	d.tags[TagGoodCount] = good + max(1, rate/20)
	if d.ticks%10 == 0 {
		bad, _ := d.tags[TagBadCount].(int)
		d.tags[TagBadCount] = bad + 1
	}
	d.tags[TagTemperature] = 60 + float64(rate)*0.1 + float64(d.ticks%5)*0.2
}

// Set overwrites a tag value.
func (d *SimDevice) Set(tag string, value any) {
	d.mu.Lock()
	d.tags[tag] = value
	d.mu.Unlock()
}

// Get returns a tag value.
func (d *SimDevice) Get(tag string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags[tag]
}

// SetUnavailable makes subsequent dials fail.
func (d *SimDevice) SetUnavailable(v bool) {
	d.mu.Lock()
	d.unavailable = v
	d.mu.Unlock()
}

// SetFailReads makes subsequent tag reads fail.
func (d *SimDevice) SetFailReads(v bool) {
	d.mu.Lock()
	d.failReads = v
	d.mu.Unlock()
}

// Calls returns the method paths invoked so far.
func (d *SimDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// Writes returns the number of tag writes so far.
func (d *SimDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

type simLink struct {
	node   string
	dev    *SimDevice
	closed bool
}

// tag extracts the tag name from a {node}/{tag} path on this link's node.
func (l *simLink) tag(path string) (string, error) {
	i := strings.LastIndex(path, "/")
	if i < 0 || path[:i] != l.node {
		return "", fmt.Errorf("%w: %s", ErrUnknownTag, path)
	}
	return path[i+1:], nil
}

func (l *simLink) Read(ctx context.Context, path string) (any, error) {
	if l.closed {
		return nil, ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := l.tag(path)
	if err != nil {
		return nil, err
	}

	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	if l.dev.failReads {
		return nil, fmt.Errorf("%w: read %s", ErrUnavailable, path)
	}
	v, ok := l.dev.tags[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, path)
	}
	return v, nil
}

func (l *simLink) Write(ctx context.Context, path string, value any) error {
	if l.closed {
		return ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := l.tag(path)
	if err != nil {
		return err
	}

	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	if _, ok := l.dev.tags[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, path)
	}
	if n, ok := value.(int32); ok {
		value = int(n)
	}
	l.dev.tags[name] = value
	l.dev.writes++
	return nil
}

func (l *simLink) Call(ctx context.Context, objectPath, methodPath string) error {
	if l.closed {
		return ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if objectPath != l.node {
		return fmt.Errorf("%w: object %s", ErrUnknownMethod, objectPath)
	}

	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	switch methodPath {
	case Path(l.node, MethodEmergencyStop):
		mask, _ := l.dev.tags[TagDeviceError].(int)
		l.dev.tags[TagProductionStatus] = StatusStopped
		l.dev.tags[TagDeviceError] = int(alarm.Apply(alarm.Mask(mask), alarm.EmergencyStop))
	case Path(l.node, MethodResetErrorStatus):
		l.dev.tags[TagDeviceError] = int(alarm.None)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMethod, methodPath)
	}
	l.dev.calls = append(l.dev.calls, methodPath)
	return nil
}

func (l *simLink) Close(context.Context) error {
	l.closed = true
	return nil
}
