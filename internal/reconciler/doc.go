// Package reconciler keeps one device's equipment and twin in agreement.
//
// A Reconciler runs a cycle every interval:
//
//  1. read ProductionStatus, ProductionRate and DeviceError from the equipment
//  2. if the twin's desired ProductionRate differs, write it to the equipment
//  3. if the device is running, emit a telemetry record and push rate and
//     error status into the twin's reported properties; otherwise emit an
//     offline notice
//
// Reported writes are single-field, etag-checked updates. A conflict means
// another writer moved first; the rest of that update is dropped and the
// next cycle re-evaluates.
//
// The reconciler also serves direct methods (SendMessages, EmergencyStop,
// ClearErrors, SetDeviceStatus and a default handler) through a
// command.Table, reacts to desired-property pushes, and logs cloud-to-device
// messages.
//
// Each cycle or method opens its own equipment link and closes it before
// returning. Cancelling Run stops the loop between cycles; a cycle already
// in progress completes under its own operation timeout.
package reconciler
