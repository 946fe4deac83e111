// Package fleet starts, tracks and stops one reconciler per configured device.
//
// Each device moves through
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//
// Start is idempotent and Stop is a no-op for untracked devices. Every
// device runs in its own goroutine under a supervisor that recovers panics;
// a failing device is logged and stopped without affecting the others.
//
// The tracking table belongs to the Manager. The views All, Running and
// Stopped are projections of the configured device list over that table.
package fleet
