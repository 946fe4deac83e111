package equipment

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/twinline-core/internal/device"
)

// Mux routes Dial calls to a Dialer chosen by the endpoint scheme.
type Mux struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{dialers: make(map[string]Dialer)}
}

// Handle registers d for endpoints with the given scheme, replacing any
// previous registration.
func (m *Mux) Handle(scheme string, d Dialer) {
	m.mu.Lock()
	m.dialers[scheme] = d
	m.mu.Unlock()
}

// Dial implements Dialer.
func (m *Mux) Dial(ctx context.Context, id device.Identity) (Link, error) {
	scheme := id.Scheme()
	m.mu.RLock()
	d, ok := m.dialers[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (%s)", ErrUnsupportedScheme, scheme, id.Endpoint)
	}
	return d.Dial(ctx, id)
}
