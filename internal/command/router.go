package command

import (
	"context"
	"sync"
)

// Router delivers method calls to the targets registered in this process.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{targets: make(map[string]Target)}
}

// Register makes t the target for deviceID.
func (r *Router) Register(deviceID string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[deviceID] = t
}

// Unregister removes deviceID's target if it is still t. A reconciler that
// stopped late cannot remove its replacement.
func (r *Router) Unregister(deviceID string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.targets[deviceID]; ok && cur == t {
		delete(r.targets, deviceID)
	}
}

// Registered reports whether deviceID has a target.
func (r *Router) Registered(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[deviceID]
	return ok
}

// Invoke implements Invoker. Devices with no target yield StatusNotFound.
func (r *Router) Invoke(ctx context.Context, deviceID, method string, payload any) (int, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return StatusFailed, err
	}

	r.mu.RLock()
	t, ok := r.targets[deviceID]
	r.mu.RUnlock()
	if !ok {
		return StatusNotFound, nil
	}
	return t.HandleCommand(ctx, method, raw), nil
}
