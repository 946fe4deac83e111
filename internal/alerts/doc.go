// Package alerts consumes anomaly alerts and drives corrective actions.
//
// Alerts arrive on an at-least-once Queue. On startup the Processor sweeps
// the backlog: alerts older than the max age are acknowledged without
// action, younger ones are released for normal processing. It then consumes
// the stream one message at a time:
//
//   - Error: stop the device with the EmergencyStop method unless its twin
//     already reports an emergency stop.
//   - Production: lower the desired production rate by 10.
//   - anything else: logged and acknowledged.
//
// Corrective actions retry with exponential backoff. An action that still
// fails is logged and its alert acknowledged. An alert that cannot be
// dispatched at all (bad JSON, no device id, panic) is left unacknowledged
// so the queue redelivers it; after the configured number of deliveries it
// is dead-lettered instead.
//
// # Backends
//
// JetStreamQueue reads a durable JetStream consumer. MemoryQueue serves dev
// mode and tests. SQLiteDeadLetters keeps dead-lettered alerts in the
// alert_dead_letters table.
package alerts
