package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// State is the run state of one device's reconciler.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// DefaultDrainTimeout bounds how long Stop waits for a reconciler.
const DefaultDrainTimeout = 10 * time.Second

// Runner is a device loop. Run blocks until ctx is cancelled and calls
// ready once it is serving. *reconciler.Reconciler satisfies it.
type Runner interface {
	Run(ctx context.Context, ready func()) error
}

// Factory builds the runner for a device.
type Factory func(id device.Identity) Runner

// Logger defines the logging interface for the fleet manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Gauge receives the running-device count. *metrics.Metrics satisfies it.
type Gauge interface {
	SetDevicesRunning(n int)
}

// DeviceStatus is one row of a fleet view.
type DeviceStatus struct {
	Device    device.Identity `json:"device"`
	State     State           `json:"state"`
	Since     time.Time       `json:"since,omitzero"`
	LastError string          `json:"last_error,omitempty"`
}

// Event reports a state transition.
type Event struct {
	Device   string    `json:"device"`
	RemoteID string    `json:"remote_id"`
	State    State     `json:"state"`
	Time     time.Time `json:"time"`
	Error    string    `json:"error,omitempty"`
}

// task is a tracked device.
type task struct {
	id     device.Identity
	state  State
	since  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the reconcilers of a fleet.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	devices *device.Registry
	factory Factory
	drain   time.Duration
	logger  Logger
	gauge   Gauge

	mu         sync.Mutex
	tracked    map[string]*task
	lastErrors map[string]string
	listeners  []func(Event)
}

// NewManager creates a manager for the devices in registry.
//
// Parameters:
//   - devices: The configured fleet
//   - factory: Builds a runner for a device on each start
//   - drain: How long Stop waits before abandoning a runner; 0 uses the default
func NewManager(devices *device.Registry, factory Factory, drain time.Duration) *Manager {
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Manager{
		devices:    devices,
		factory:    factory,
		drain:      drain,
		logger:     noopLogger{},
		tracked:    make(map[string]*task),
		lastErrors: make(map[string]string),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetGauge sets the running-device gauge.
func (m *Manager) SetGauge(g Gauge) {
	m.gauge = g
}

// OnChange registers fn to be called after every state transition. Calls
// happen outside the manager's lock and must not block.
func (m *Manager) OnChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start begins reconciling a device. Starting a tracked device does nothing.
//
// Returns:
//   - error: device.ErrDeviceNotFound for an unknown name
func (m *Manager) Start(name string) error {
	id, err := m.devices.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.tracked[name]; ok {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:     id,
		state:  StateStarting,
		since:  time.Now(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tracked[name] = t
	delete(m.lastErrors, name)
	ev := m.eventLocked(t, "")
	m.mu.Unlock()

	m.logger.Info("starting device", "device", name, "remote_id", id.RemoteID)
	m.publish(ev)

	go m.supervise(ctx, t)
	return nil
}

// supervise runs a task's runner and cleans up when it returns.
func (m *Manager) supervise(ctx context.Context, t *task) {
	var err error
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciler panic: %v", r)
		}
		m.finish(t, err)
	}()

	runner := m.factory(t.id)
	err = runner.Run(ctx, func() { m.transition(t, StateStarting, StateRunning) })
}

// transition moves t from one state to another if it is still in from.
func (m *Manager) transition(t *task, from, to State) {
	m.mu.Lock()
	if m.tracked[t.id.Name] != t || t.state != from {
		m.mu.Unlock()
		return
	}
	t.state = to
	t.since = time.Now()
	ev := m.eventLocked(t, "")
	m.mu.Unlock()

	m.logger.Info("device state changed", "device", t.id.Name, "state", to)
	m.publish(ev)
}

// finish untracks t after its runner returned.
func (m *Manager) finish(t *task, err error) {
	t.cancel()

	m.mu.Lock()
	current := m.tracked[t.id.Name] == t
	if current {
		delete(m.tracked, t.id.Name)
	}
	msg := ""
	if err != nil && !errors.Is(err, context.Canceled) {
		msg = err.Error()
		m.lastErrors[t.id.Name] = msg
	}
	t.state = StateStopped
	t.since = time.Now()
	ev := m.eventLocked(t, msg)
	m.mu.Unlock()

	if msg != "" {
		m.logger.Error("device failed, stopping it", "device", t.id.Name, "error", msg)
	} else {
		m.logger.Info("device stopped", "device", t.id.Name)
	}
	if current {
		m.publish(ev)
	}
}

// Stop stops a device and waits for its reconciler to finish, at most for
// the drain timeout. After that the runner is abandoned and the device is
// untracked anyway. Stopping an untracked device does nothing.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	t, ok := m.tracked[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	var ev Event
	changed := t.state != StateStopping
	if changed {
		t.state = StateStopping
		t.since = time.Now()
		ev = m.eventLocked(t, "")
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("stopping device", "device", name)
		m.publish(ev)
	}
	t.cancel()

	timer := time.NewTimer(m.drain)
	defer timer.Stop()

	select {
	case <-t.done:
		return nil
	case <-timer.C:
		m.logger.Warn("device did not drain in time, abandoning it", "device", name, "drain_timeout", m.drain)
	case <-ctx.Done():
		m.logger.Warn("stop interrupted, abandoning device", "device", name, "error", ctx.Err())
	}
	m.abandon(t)
	return nil
}

// abandon untracks t without waiting for it.
func (m *Manager) abandon(t *task) {
	m.mu.Lock()
	if m.tracked[t.id.Name] != t {
		m.mu.Unlock()
		return
	}
	delete(m.tracked, t.id.Name)
	ev := Event{Device: t.id.Name, RemoteID: t.id.RemoteID, State: StateStopped, Time: time.Now()}
	m.mu.Unlock()
	m.publish(ev)
}

// StartAll starts every configured device.
func (m *Manager) StartAll() error {
	var errs []error
	for _, id := range m.devices.All() {
		errs = append(errs, m.Start(id.Name))
	}
	return errors.Join(errs...)
}

// Autostart starts devices according to a config.Autostart* mode.
func (m *Manager) Autostart(mode string) error {
	switch mode {
	case config.AutostartAll:
		return m.StartAll()
	case config.AutostartDefault:
		return m.Start(m.devices.Default().Name)
	default:
		return nil
	}
}

// StopAll stops every tracked device concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.tracked))
	for name := range m.tracked {
		names = append(names, name)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error { return m.Stop(ctx, name) })
	}
	return g.Wait()
}

// State returns a device's state.
func (m *Manager) State(name string) (DeviceStatus, error) {
	id, err := m.devices.Get(name)
	if err != nil {
		return DeviceStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(id), nil
}

// All returns every configured device.
func (m *Manager) All() []DeviceStatus {
	return m.view(func(DeviceStatus) bool { return true })
}

// Running returns the tracked devices, whatever their transition state.
func (m *Manager) Running() []DeviceStatus {
	return m.view(func(s DeviceStatus) bool { return s.State != StateStopped })
}

// Stopped returns the configured devices that are not tracked.
func (m *Manager) Stopped() []DeviceStatus {
	return m.view(func(s DeviceStatus) bool { return s.State == StateStopped })
}

func (m *Manager) view(keep func(DeviceStatus) bool) []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceStatus, 0, m.devices.Len())
	for _, id := range m.devices.All() {
		if s := m.statusLocked(id); keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) statusLocked(id device.Identity) DeviceStatus {
	s := DeviceStatus{Device: id, State: StateStopped, LastError: m.lastErrors[id.Name]}
	if t, ok := m.tracked[id.Name]; ok {
		s.State = t.state
		s.Since = t.since
	}
	return s
}

// Lookup reports whether a remote id belongs to the fleet and whether its
// reconciler is running.
func (m *Manager) Lookup(remoteID string) (exists, connected bool) {
	id, err := m.devices.ByRemoteID(remoteID)
	if err != nil {
		return false, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[id.Name]
	return true, ok && t.state == StateRunning
}

func (m *Manager) eventLocked(t *task, errMsg string) Event {
	return Event{
		Device:   t.id.Name,
		RemoteID: t.id.RemoteID,
		State:    t.state,
		Time:     t.since,
		Error:    errMsg,
	}
}

// publish notifies listeners and updates the gauge.
func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	listeners := append([]func(Event){}, m.listeners...)
	running := 0
	for _, t := range m.tracked {
		if t.state == StateRunning {
			running++
		}
	}
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.SetDevicesRunning(running)
	}
	for _, fn := range listeners {
		fn(ev)
	}
}
