package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/twinline-core/internal/alarm"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/metrics"
	"github.com/nerrad567/twinline-core/internal/twin"
)

const (
	methodEmergencyStop = "EmergencyStop"

	// defaultProductionRate is assumed when the twin has no desired rate.
	defaultProductionRate = 100

	productionRateStep = 10

	// receiveErrorDelay is the pause after a failed steady-state Receive.
	receiveErrorDelay = time.Second
)

// Directory tells the processor which devices exist and which are connected.
// *fleet.Manager satisfies it.
type Directory interface {
	Lookup(remoteID string) (exists, connected bool)
}

// Recorder counts processed alerts. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordAlert(alertType, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAlert(string, string) {}

// Processor consumes alerts and applies corrective actions.
type Processor struct {
	queue   Queue
	twins   twin.Store
	invoker command.Invoker
	dir     Directory
	cfg     config.AlertsConfig
	logger  Logger
	metrics Recorder
	now     func() time.Time

	// timer paces retries; nil uses a real timer.
	timer backoff.Timer

	// swept counts the deliveries each released message used up during
	// the startup sweep. They do not count towards MaxDeliveries.
	sweptMu sync.Mutex
	swept   map[string]int
}

// NewProcessor creates an alert processor.
//
// Parameters:
//   - queue: Alert source
//   - twins: Twin documents of the fleet
//   - invoker: Sends device methods
//   - dir: Device existence and connectivity
//   - cfg: Alert settings; zero fields take the built-in defaults
//
// Returns:
//   - *Processor: Ready to Run
func NewProcessor(queue Queue, twins twin.Store, invoker command.Invoker, dir Directory, cfg config.AlertsConfig) *Processor {
	return &Processor{
		queue:   queue,
		twins:   twins,
		invoker: invoker,
		dir:     dir,
		cfg:     withDefaults(cfg),
		logger:  noopLogger{},
		metrics: noopRecorder{},
		now:     time.Now,
		swept:   make(map[string]int),
	}
}

func withDefaults(cfg config.AlertsConfig) config.AlertsConfig {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.SweepDeadline <= 0 {
		cfg.SweepDeadline = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return cfg
}

// SetLogger sets the logger.
func (p *Processor) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetRecorder sets the metrics recorder.
func (p *Processor) SetRecorder(r Recorder) {
	if r != nil {
		p.metrics = r
	}
}

// Run sweeps the backlog and then processes alerts one at a time until ctx
// is cancelled. It returns nil on cancellation.
func (p *Processor) Run(ctx context.Context) error {
	discarded, released, err := p.Sweep(ctx)
	if err != nil {
		p.logger.Warn("startup sweep ended early", "error", err)
	}
	p.logger.Info("startup sweep complete", "discarded", discarded, "released", released)

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := p.queue.Receive(ctx, 1, p.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrQueueClosed) {
				return err
			}
			p.logger.Error("receiving alerts", "error", err)
			if !sleep(ctx, receiveErrorDelay) {
				return nil
			}
			continue
		}
		for _, m := range msgs {
			p.Handle(ctx, m)
		}
	}
}

// Sweep drains the backlog once: alerts older than the max age are
// acknowledged without action and the rest are released for normal
// processing. It stops on an empty batch, a batch with nothing new, an error
// or the sweep deadline. Young alerts stay held until the sweep ends so each
// batch reaches further into the backlog.
func (p *Processor) Sweep(ctx context.Context) (discarded, released int, err error) {
	sweepCtx, cancel := context.WithTimeout(ctx, p.cfg.SweepDeadline)
	defer cancel()

	// Settlement outlives the sweep deadline.
	settleCtx := context.WithoutCancel(ctx)

	held := make(map[string]*Message)
	deliveries := make(map[string]int)
	seen := make(map[string]bool)
	defer func() {
		for id, m := range held {
			if err := p.queue.Release(settleCtx, m); err != nil {
				p.logger.Warn("releasing alert", "message_id", id, "error", err)
				continue
			}
			p.metrics.RecordAlert(peekType(m.Body), metrics.OutcomeReleased)
			released++
			p.sweptMu.Lock()
			p.swept[id] += deliveries[id]
			p.sweptMu.Unlock()
		}
	}()

	for {
		msgs, rerr := p.queue.Receive(sweepCtx, p.cfg.BatchSize, p.cfg.ReceiveWait)
		for _, m := range msgs {
			if seen[m.ID] {
				// Redelivered within the sweep; the newest handle wins.
				deliveries[m.ID]++
				if _, ok := held[m.ID]; ok {
					held[m.ID] = m
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, context.DeadlineExceeded) && ctx.Err() == nil {
				rerr = nil
			}
			return discarded, released, rerr
		}
		if len(msgs) == 0 {
			return discarded, released, nil
		}

		fresh := 0
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fresh++

			if age := p.now().Sub(m.EnqueuedAt); age > p.cfg.MaxAge {
				alertType := peekType(m.Body)
				if err := p.queue.Acknowledge(settleCtx, m); err != nil {
					p.logger.Warn("discarding stale alert", "message_id", m.ID, "error", err)
					continue
				}
				p.logger.Info("discarded stale alert", "message_id", m.ID, "type", alertType, "age", age.Round(time.Second))
				p.metrics.RecordAlert(alertType, metrics.OutcomeDiscarded)
				discarded++
				continue
			}
			held[m.ID] = m
			deliveries[m.ID] = 1
		}
		if fresh == 0 {
			return discarded, released, nil
		}
	}
}

// steadyDeliveries is m.Deliveries less the deliveries spent in the sweep.
func (p *Processor) steadyDeliveries(m *Message) int {
	p.sweptMu.Lock()
	defer p.sweptMu.Unlock()
	return max(1, m.Deliveries-p.swept[m.ID])
}

func (p *Processor) forget(id string) {
	p.sweptMu.Lock()
	delete(p.swept, id)
	p.sweptMu.Unlock()
}

// Handle processes one delivery. Alerts whose corrective action ran, failed
// or was skipped are acknowledged. Alerts that cannot be dispatched are left
// for redelivery, or dead-lettered once they reach the delivery limit.
func (p *Processor) Handle(ctx context.Context, m *Message) {
	settleCtx := context.WithoutCancel(ctx)

	a, outcome, err := p.dispatch(ctx, m.Body)
	if err != nil {
		alertType := a.AlertType
		if alertType == "" {
			alertType = "unknown"
		}
		if n := p.steadyDeliveries(m); n < p.cfg.MaxDeliveries {
			p.logger.Warn("alert not dispatched", "message_id", m.ID, "deliveries", n, "error", err)
			p.metrics.RecordAlert(alertType, metrics.OutcomeMalformed)
			return
		}
		if dlErr := p.queue.DeadLetter(settleCtx, m, err.Error()); dlErr != nil {
			p.logger.Error("dead-lettering alert", "message_id", m.ID, "error", dlErr)
			return
		}
		p.forget(m.ID)
		p.logger.Error("alert dead-lettered", "message_id", m.ID, "deliveries", m.Deliveries, "reason", err)
		p.metrics.RecordAlert(alertType, metrics.OutcomeDeadLettered)
		return
	}

	if err := p.queue.Acknowledge(settleCtx, m); err != nil {
		p.logger.Error("acknowledging alert", "message_id", m.ID, "error", err)
		return
	}
	p.forget(m.ID)
	p.metrics.RecordAlert(a.AlertType, outcome)
}

// dispatch decodes body and runs the matching handler.
func (p *Processor) dispatch(ctx context.Context, body []byte) (a Alert, outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alerts: handler panic: %v", r)
		}
	}()

	a, err = Decode(body)
	if err != nil {
		return a, "", err
	}

	switch a.AlertType {
	case TypeError:
		return a, p.handleError(ctx, a), nil
	case TypeProduction:
		return a, p.handleProduction(ctx, a), nil
	default:
		p.logger.Warn("unknown alert type", "device", a.DeviceID, "type", a.AlertType)
		return a, metrics.OutcomeSkipped, nil
	}
}

// Decode parses an alert body.
func Decode(body []byte) (Alert, error) {
	var a Alert
	if err := json.Unmarshal(body, &a); err != nil {
		return Alert{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.DeviceID == "" {
		return a, ErrMissingDevice
	}
	return a, nil
}

func peekType(body []byte) string {
	var a Alert
	if json.Unmarshal(body, &a) != nil || a.AlertType == "" {
		return "unknown"
	}
	return a.AlertType
}

// handleError stops a connected device unless it is already stopped.
func (p *Processor) handleError(ctx context.Context, a Alert) string {
	log := p.logger
	exists, connected := p.dir.Lookup(a.DeviceID)
	if !exists {
		log.Warn("error alert for unknown device", "device", a.DeviceID)
		return metrics.OutcomeFailed
	}
	if !connected {
		log.Warn("error alert for disconnected device", "device", a.DeviceID)
		return metrics.OutcomeFailed
	}

	doc, err := p.readTwin(ctx, a.DeviceID)
	if err != nil {
		log.Error("reading twin for error alert", "device", a.DeviceID, "error", err)
		return metrics.OutcomeFailed
	}
	if status, _ := twin.String(doc.Reported, twin.PropErrorStatus); strings.Contains(status, alarm.EmergencyStop.String()) {
		log.Info("device already in emergency stop", "device", a.DeviceID)
		return metrics.OutcomeSkipped
	}

	err = p.retry(ctx, "emergency stop", func() error {
		status, err := p.invoker.Invoke(ctx, a.DeviceID, methodEmergencyStop, nil)
		if err != nil {
			return err
		}
		if status != command.StatusOK {
			return fmt.Errorf("%s returned status %d", methodEmergencyStop, status)
		}
		return nil
	})
	if err != nil {
		log.Error("emergency stop failed", "device", a.DeviceID, "attempts", p.cfg.RetryAttempts, "error", err)
		return metrics.OutcomeFailed
	}
	log.Info("emergency stop sent", "device", a.DeviceID, "error_count", deref(a.ErrorCount))
	return metrics.OutcomeHandled
}

// handleProduction lowers the desired production rate by one step.
func (p *Processor) handleProduction(ctx context.Context, a Alert) string {
	log := p.logger
	if exists, _ := p.dir.Lookup(a.DeviceID); !exists {
		log.Warn("production alert for unknown device", "device", a.DeviceID)
		return metrics.OutcomeFailed
	}

	doc, err := p.readTwin(ctx, a.DeviceID)
	if err != nil {
		log.Error("reading twin for production alert", "device", a.DeviceID, "error", err)
		return metrics.OutcomeFailed
	}

	current, ok := twin.Int(doc.Desired, twin.PropProductionRate)
	if !ok {
		current = defaultProductionRate
	}
	next := max(0, current-productionRateStep)

	err = p.retry(ctx, "update desired rate", func() error {
		_, err := p.twins.UpdateDesired(ctx, a.DeviceID, twin.Properties{twin.PropProductionRate: next}, doc.ETag)
		if errors.Is(err, twin.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Error("lowering production rate failed", "device", a.DeviceID, "error", err)
		return metrics.OutcomeFailed
	}
	log.Info(fmt.Sprintf("Production Rate changed: %d%% -> %d%%", current, next),
		"device", a.DeviceID, "good_production", derefFloat(a.GoodProductionPercentage))
	return metrics.OutcomeHandled
}

func (p *Processor) readTwin(ctx context.Context, deviceID string) (*twin.Document, error) {
	var doc *twin.Document
	err := p.retry(ctx, "read twin", func() error {
		d, err := p.twins.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	return doc, err
}

// retry runs op up to RetryAttempts times, doubling the delay from
// RetryBaseDelay between attempts.
func (p *Processor) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.cfg.RetryBaseDelay << uint(p.cfg.RetryAttempts)
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.RetryAttempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(op, policy, func(err error, next time.Duration) {
		p.logger.Warn("retrying "+what, "error", err, "next", next)
	}, p.timer)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
