package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nerrad567/twinline-core/internal/alarm"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/equipment"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/twinline-core/internal/telemetry"
	"github.com/nerrad567/twinline-core/internal/twin"
)

// ErrHandlerPanic is returned by Run when a desired-change or
// cloud-to-device handler panicked. The reconciler stops; other devices
// are unaffected.
var ErrHandlerPanic = errors.New("reconciler: handler panicked")

// Defaults for zero config values.
const (
	DefaultInterval         = 2 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultCommandDelay     = time.Second
)

// noDesiredRate is the last reacted-to rate before any desired push.
const noDesiredRate = -1

// Logger is the logging interface used by the reconciler.
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

// Registrar publishes a reconciler's method table. *command.Router satisfies it.
type Registrar interface {
	Register(deviceID string, t command.Target)
	Unregister(deviceID string, t command.Target)
}

// MessageSource delivers cloud-to-device messages. *mqtt.Client satisfies it.
type MessageSource interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Recorder receives cycle and twin metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCycle(device string, d time.Duration, err error)
	RecordTwinWrite(device, property string)
	RecordTwinConflict(device string)
}

// Deps are the collaborators of a Reconciler. Dialer, Twins and Sink are
// required; the rest may be nil.
type Deps struct {
	Dialer   equipment.Dialer
	Twins    twin.Store
	Sink     telemetry.Sink
	Commands Registrar
	Messages MessageSource
	Metrics  Recorder
	Logger   Logger
}

// Reconciler owns one device's reconciliation loop.
//
// Thread Safety: Run is called once. Cycle, SetProductionRate and the
// method handlers may run concurrently with it; twin updates are serialised.
type Reconciler struct {
	id   device.Identity
	cfg  config.ReconcilerConfig
	deps Deps

	logger Logger
	table  *command.Table
	now    func() time.Time

	// updateMu serialises the twin-update algorithm and guards lastMask.
	updateMu sync.Mutex
	lastMask alarm.Mask

	mu          sync.Mutex
	lastDesired int
}

// New creates a reconciler for one device.
//
// Parameters:
//   - id: The device the reconciler owns
//   - cfg: Reconciler timing; zero durations take the package defaults
//   - deps: Collaborators
//
// Returns:
//   - *Reconciler: Ready to Run
func New(id device.Identity, cfg config.ReconcilerConfig, deps Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.DefaultCommandDelay < 0 {
		cfg.DefaultCommandDelay = DefaultCommandDelay
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Discard{}
	}

	r := &Reconciler{
		id:          id,
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		now:         time.Now,
		lastDesired: noDesiredRate,
	}
	r.table = r.commandTable()
	return r
}

// Identity returns the device the reconciler owns.
func (r *Reconciler) Identity() device.Identity {
	return r.id
}

// Run starts the reconciler and blocks until ctx is cancelled.
//
// Startup reports DateTimeLastAppLaunch, subscribes to desired-property
// changes and cloud-to-device messages, and registers the method table;
// ready is then called once. The loop runs a cycle immediately and then
// every interval. Run returns after the in-flight cycle completes.
//
// Returns:
//   - error: nil after cancellation, an ErrHandlerPanic wrap when a
//     callback panicked, or a startup failure
func (r *Reconciler) Run(ctx context.Context, ready func()) error {
	// Watch and message callbacks run on store and broker goroutines.
	// A panic there cancels ctx with ErrHandlerPanic as the cause.
	ctx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	r.reportLaunch(ctx)

	stopWatch, err := r.deps.Twins.WatchDesired(ctx, r.id.RemoteID, func(desired twin.Properties) {
		r.contain(fail, "desired change", func() { r.onDesiredChange(desired) })
	})
	if err != nil {
		return fmt.Errorf("watching desired properties: %w", err)
	}
	defer stopWatch()

	if r.deps.Messages != nil {
		topic := mqtt.Topics{}.CloudToDevice(r.id.RemoteID)
		handler := func(msgTopic string, payload []byte) (err error) {
			r.contain(fail, "cloud-to-device message", func() { err = r.onCloudMessage(msgTopic, payload) })
			return err
		}
		if err := r.deps.Messages.Subscribe(topic, 1, handler); err != nil {
			return fmt.Errorf("subscribing to cloud-to-device messages: %w", err)
		}
		defer func() {
			if err := r.deps.Messages.Unsubscribe(topic); err != nil {
				r.logger.Warn("unsubscribing from cloud-to-device messages", "error", err)
			}
		}()
	}

	if r.deps.Commands != nil {
		r.deps.Commands.Register(r.id.RemoteID, r)
		defer r.deps.Commands.Unregister(r.id.RemoteID, r)
	}

	if ready != nil {
		ready()
	}
	r.notice(ctx, telemetry.LevelInfo, "Device started")
	r.logger.Info("reconciler started", "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Cycle(ctx); err != nil {
			r.logger.Warn("cycle aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrHandlerPanic) {
				r.logger.Error("reconciler stopped after handler panic", "error", cause)
				return cause
			}
			r.notice(context.WithoutCancel(ctx), telemetry.LevelInfo, "Device stopped")
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// contain runs fn and turns a panic into a cancellation of the run.
func (r *Reconciler) contain(fail context.CancelCauseFunc, handler string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "handler", handler, "panic", p, "stack", string(debug.Stack()))
			fail(fmt.Errorf("%w: %s: %v", ErrHandlerPanic, handler, p))
		}
	}()
	fn()
}

// Cycle runs one reconciliation pass. The pass is not interrupted by ctx
// cancellation; it is bounded by the operation timeout instead.
func (r *Reconciler) Cycle(ctx context.Context) (err error) {
	start := r.now()
	defer func() {
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordCycle(r.id.RemoteID, time.Since(start), err)
		}
	}()

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	return r.withLink(ctx, func(link equipment.Link) error {
		status, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagProductionStatus))
		if err != nil {
			return fmt.Errorf("reading production status: %w", err)
		}
		rate, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagProductionRate))
		if err != nil {
			return fmt.Errorf("reading production rate: %w", err)
		}
		if _, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagDeviceError)); err != nil {
			return fmt.Errorf("reading device error: %w", err)
		}

		doc, err := r.deps.Twins.Get(ctx, r.id.RemoteID)
		if err != nil {
			return fmt.Errorf("reading twin: %w", err)
		}
		if desired, ok := twin.Int(doc.Desired, twin.PropProductionRate); ok && desired != rate {
			if err := r.setProductionRate(ctx, link, desired); err != nil {
				return err
			}
		}

		if status != equipment.StatusRunning {
			r.notice(ctx, telemetry.LevelWarning, "Device offline")
			return nil
		}
		return r.sendMessage(ctx, link)
	})
}

// SetProductionRate writes rate to the equipment and then to the twin's
// reported properties.
func (r *Reconciler) SetProductionRate(ctx context.Context, rate int) error {
	return r.withLink(ctx, func(link equipment.Link) error {
		return r.setProductionRate(ctx, link, rate)
	})
}

func (r *Reconciler) setProductionRate(ctx context.Context, link equipment.Link, rate int) error {
	if err := link.Write(ctx, r.tag(equipment.TagProductionRate), rate); err != nil {
		return fmt.Errorf("writing production rate: %w", err)
	}
	if err := r.reportProperty(ctx, twin.PropProductionRate, rate); err != nil {
		return err
	}
	r.notice(ctx, telemetry.LevelInfo, fmt.Sprintf("Set Production Rate to: %d%%", rate))
	return nil
}

// sendMessage reads a telemetry snapshot, updates the twin from it and
// emits the record.
func (r *Reconciler) sendMessage(ctx context.Context, link equipment.Link) error {
	rec := telemetry.Record{DeviceID: r.id.RemoteID, Timestamp: r.now().UTC()}
	var err error

	if rec.ProductionStatus, err = equipment.ReadInt(ctx, link, r.tag(equipment.TagProductionStatus)); err != nil {
		return fmt.Errorf("reading production status: %w", err)
	}
	if rec.WorkorderID, err = equipment.ReadString(ctx, link, r.tag(equipment.TagWorkorderID)); err != nil {
		return fmt.Errorf("reading work order: %w", err)
	}
	if rec.Temperature, err = equipment.ReadFloat(ctx, link, r.tag(equipment.TagTemperature)); err != nil {
		return fmt.Errorf("reading temperature: %w", err)
	}
	if rec.GoodCount, err = equipment.ReadInt(ctx, link, r.tag(equipment.TagGoodCount)); err != nil {
		return fmt.Errorf("reading good count: %w", err)
	}
	if rec.BadCount, err = equipment.ReadInt(ctx, link, r.tag(equipment.TagBadCount)); err != nil {
		return fmt.Errorf("reading bad count: %w", err)
	}
	rate, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagProductionRate))
	if err != nil {
		return fmt.Errorf("reading production rate: %w", err)
	}
	mask, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagDeviceError))
	if err != nil {
		return fmt.Errorf("reading device error: %w", err)
	}

	if err := r.UpdateTwin(ctx, rate, alarm.Mask(mask)); err != nil {
		return err
	}
	if err := r.deps.Sink.Telemetry(ctx, rec); err != nil {
		return fmt.Errorf("sending telemetry: %w", err)
	}
	r.logger.Debug("telemetry sent", "good", rec.GoodCount, "bad", rec.BadCount)
	return nil
}

// UpdateTwin pushes rate and mask into the reported properties, writing only
// what differs. ErrorStatus and ProductionRate are seeded first if absent.
// A version conflict ends the update without error.
func (r *Reconciler) UpdateTwin(ctx context.Context, rate int, mask alarm.Mask) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	doc, err := r.deps.Twins.Get(ctx, r.id.RemoteID)
	if err != nil {
		return fmt.Errorf("reading twin: %w", err)
	}
	w := &reportedWriter{r: r, etag: doc.ETag}
	reported := doc.Reported

	if _, ok := reported[twin.PropErrorStatus]; !ok {
		if ok, err := w.write(ctx, twin.PropErrorStatus, ""); !ok {
			return err
		}
		reported[twin.PropErrorStatus] = ""
	}
	if _, ok := reported[twin.PropProductionRate]; !ok {
		if ok, err := w.write(ctx, twin.PropProductionRate, 0); !ok {
			return err
		}
		reported[twin.PropProductionRate] = 0
	}

	desc := alarm.Describe(mask)
	if cur, _ := twin.String(reported, twin.PropErrorStatus); cur != desc {
		if ok, err := w.write(ctx, twin.PropErrorStatus, desc); !ok {
			return err
		}
		r.notice(ctx, telemetry.LevelInfo, "Updated ErrorStatus in Device Twin: "+desc)

		if mask != r.lastMask {
			r.sendErrorState(ctx, mask)
			r.lastMask = mask
		}
	}

	if cur, _ := twin.Int(reported, twin.PropProductionRate); cur != rate {
		if ok, err := w.write(ctx, twin.PropProductionRate, rate); !ok {
			return err
		}
		r.notice(ctx, telemetry.LevelInfo, fmt.Sprintf("Updated ProductionRate in Device Twin: %d", rate))
	}
	return nil
}

// reportedWriter chains single-field reported updates on one etag.
type reportedWriter struct {
	r    *Reconciler
	etag string
}

// write returns false when the update did not happen. The error is nil for
// a conflict.
func (w *reportedWriter) write(ctx context.Context, key string, value any) (bool, error) {
	r := w.r
	etag, err := r.deps.Twins.UpdateReported(ctx, r.id.RemoteID, twin.Properties{key: value}, w.etag)
	if errors.Is(err, twin.ErrConflict) {
		r.logger.Debug("twin update conflict", "property", key)
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordTwinConflict(r.id.RemoteID)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating reported %s: %w", key, err)
	}
	w.etag = etag
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordTwinWrite(r.id.RemoteID, key)
	}
	return true, nil
}

// reportProperty writes one reported property with the current etag.
func (r *Reconciler) reportProperty(ctx context.Context, key string, value any) error {
	doc, err := r.deps.Twins.Get(ctx, r.id.RemoteID)
	if err != nil {
		return fmt.Errorf("reading twin: %w", err)
	}
	w := &reportedWriter{r: r, etag: doc.ETag}
	ok, err := w.write(ctx, key, value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("updating reported %s: %w", key, twin.ErrConflict)
	}
	return nil
}

// applyErrorFlag merges flag into the equipment's error register and
// updates the twin with the result.
func (r *Reconciler) applyErrorFlag(ctx context.Context, link equipment.Link, flag alarm.Mask) error {
	current, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagDeviceError))
	if err != nil {
		return fmt.Errorf("reading device error: %w", err)
	}
	next := alarm.Apply(alarm.Mask(current), flag)
	if err := link.Write(ctx, r.tag(equipment.TagDeviceError), int(next)); err != nil {
		return fmt.Errorf("writing device error: %w", err)
	}
	rate, err := equipment.ReadInt(ctx, link, r.tag(equipment.TagProductionRate))
	if err != nil {
		return fmt.Errorf("reading production rate: %w", err)
	}
	return r.UpdateTwin(ctx, rate, next)
}

func (r *Reconciler) sendErrorState(ctx context.Context, mask alarm.Mask) {
	ev := telemetry.ErrorStateEvent{
		MessageType:      telemetry.MessageTypeErrorState,
		DeviceID:         r.id.RemoteID,
		Timestamp:        r.now().UTC(),
		ErrorState:       int(mask),
		ErrorDescription: alarm.Describe(mask),
	}
	if err := r.deps.Sink.ErrorState(ctx, ev); err != nil {
		r.logger.Warn("sending error state", "mask", int(mask), "error", err)
		return
	}
	r.logger.Info("error state changed", "mask", int(mask), "description", ev.ErrorDescription)
}

// reportLaunch records the start time in the twin. Failures are logged.
func (r *Reconciler) reportLaunch(ctx context.Context) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	doc, err := r.deps.Twins.Get(ctx, r.id.RemoteID)
	if err != nil {
		r.logger.Warn("reading twin at startup", "error", err)
		return
	}
	if _, ok := doc.Desired[twin.PropProductionRate]; !ok {
		r.logger.Warn("desired production rate not set, waiting for an operator to set it")
	}
	patch := twin.Properties{twin.PropLastAppLaunch: r.now().UTC().Format(time.RFC3339)}
	if _, err := r.deps.Twins.UpdateReported(ctx, r.id.RemoteID, patch, doc.ETag); err != nil {
		r.logger.Warn("reporting launch time", "error", err)
	}
}

// onDesiredChange handles a desired-property push.
func (r *Reconciler) onDesiredChange(desired twin.Properties) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()

	r.logger.Debug("desired properties changed", "desired", desired)

	if rate, ok := twin.Int(desired, twin.PropProductionRate); ok {
		r.mu.Lock()
		changed := rate != r.lastDesired
		r.mu.Unlock()

		if changed {
			if err := r.SetProductionRate(ctx, rate); err != nil {
				r.logger.Warn("applying desired production rate", "rate", rate, "error", err)
			} else {
				r.mu.Lock()
				r.lastDesired = rate
				r.mu.Unlock()
			}
		}
	}

	if err := r.reportProperty(ctx, twin.PropLastDesiredChange, r.now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("reporting desired change time", "error", err)
	}
}

// cloudMessage is the JSON form of a cloud-to-device message.
type cloudMessage struct {
	ID         string            `json:"id"`
	Body       json.RawMessage   `json:"body"`
	Properties map[string]string `json:"properties"`
}

// onCloudMessage logs a cloud-to-device message and completes it.
func (r *Reconciler) onCloudMessage(_ string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()

	var msg cloudMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		msg = cloudMessage{Body: payload}
	}
	if msg.ID == "" {
		msg.ID = "unknown"
	}

	r.notice(ctx, telemetry.LevelInfo, "C2D message received with Id="+msg.ID)
	r.notice(ctx, telemetry.LevelInfo, "Received message: "+string(msg.Body))
	for k, v := range msg.Properties {
		r.notice(ctx, telemetry.LevelInfo, fmt.Sprintf("Property %s=%s", k, v))
	}
	r.notice(ctx, telemetry.LevelInfo, "Completed C2D message with Id="+msg.ID)
	return nil
}

// notice sends a device log entry. Sink failures are logged locally.
func (r *Reconciler) notice(ctx context.Context, level, message string) {
	entry := telemetry.LogEntry{
		DeviceID:  r.id.RemoteID,
		Timestamp: r.now().UTC(),
		Level:     level,
		Message:   message,
	}
	if err := r.deps.Sink.Log(ctx, entry); err != nil {
		r.logger.Debug("sending log entry", "error", err)
	}
}

// withLink opens a link for fn and closes it afterwards.
func (r *Reconciler) withLink(ctx context.Context, fn func(equipment.Link) error) error {
	link, err := r.deps.Dialer.Dial(ctx, r.id)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", r.id.Endpoint, err)
	}
	defer func() {
		if err := link.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Debug("closing link", "error", err)
		}
	}()
	return fn(link)
}

// opContext detaches ctx from cancellation and bounds it by the operation
// timeout, so an in-flight write always completes.
func (r *Reconciler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OperationTimeout)
}

func (r *Reconciler) tag(name string) string {
	return equipment.Path(r.id.NodeName, name)
}
