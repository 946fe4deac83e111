// Package metrics exposes Twinline's Prometheus instruments.
//
// All instruments live on a private registry so tests can create as many
// Metrics values as they like. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "twinline"

// Alert outcomes.
const (
	OutcomeHandled      = "handled"
	OutcomeReleased     = "released"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeMalformed    = "malformed"
	OutcomeSkipped      = "skipped"
	OutcomeDiscarded    = "discarded"
)

// Metrics holds every instrument the service records.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleErrors    *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	twinWrites     *prometheus.CounterVec
	twinConflicts  *prometheus.CounterVec
	commands       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	devicesRunning prometheus.Gauge
}

// New creates the instruments and registers them, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "cycles_total",
				Help:      "Completed reconciliation cycles.",
			},
			[]string{"device"},
		),
		cycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "cycle_errors_total",
				Help:      "Reconciliation cycles that ended in an error.",
			},
			[]string{"device"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "cycle_duration_seconds",
				Help:      "Reconciliation cycle duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device"},
		),
		twinWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "twin",
				Name:      "reported_writes_total",
				Help:      "Corrective writes to reported properties.",
			},
			[]string{"device", "property"},
		),
		twinConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "twin",
				Name:      "conflicts_total",
				Help:      "Twin writes rejected by a version check.",
			},
			[]string{"device"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "handled_total",
				Help:      "Device commands handled, by method and status.",
			},
			[]string{"method", "status"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "processed_total",
				Help:      "Alerts processed, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		devicesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "devices_running",
				Help:      "Devices whose reconciler is running.",
			},
		),
	}

	m.registry.MustRegister(
		m.cycles, m.cycleErrors, m.cycleDuration, m.twinWrites, m.twinConflicts,
		m.commands, m.alerts, m.devicesRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to expose over HTTP. Nil for a nil Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCycle counts one reconciliation cycle.
func (m *Metrics) RecordCycle(device string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(device).Inc()
	m.cycleDuration.WithLabelValues(device).Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(device).Inc()
	}
}

// RecordTwinWrite counts a reported property write.
func (m *Metrics) RecordTwinWrite(device, property string) {
	if m == nil {
		return
	}
	m.twinWrites.WithLabelValues(device, property).Inc()
}

// RecordTwinConflict counts a twin write that lost a version race.
func (m *Metrics) RecordTwinConflict(device string) {
	if m == nil {
		return
	}
	m.twinConflicts.WithLabelValues(device).Inc()
}

// RecordCommand counts a handled device command.
func (m *Metrics) RecordCommand(method string, status int) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordAlert counts a processed alert.
func (m *Metrics) RecordAlert(alertType, outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType, outcome).Inc()
}

// SetDevicesRunning sets the running-device gauge.
func (m *Metrics) SetDevicesRunning(n int) {
	if m == nil {
		return
	}
	m.devicesRunning.Set(float64(n))
}
