package api

import (
	"testing"
	"time"

	"github.com/nerrad567/twinline-core/internal/auth"
)

func TestTicketStore(t *testing.T) {
	ts := newTicketStore(time.Minute)

	id := ts.issue("operator", auth.RoleOperator)
	if id == "" || id == ts.issue("operator", auth.RoleOperator) {
		t.Fatalf("issue() returned %q, want unique non-empty ids", id)
	}

	got, ok := ts.redeem(id)
	if !ok || got.username != "operator" || got.role != auth.RoleOperator {
		t.Fatalf("redeem() = %+v, %v", got, ok)
	}
	if _, ok := ts.redeem(id); ok {
		t.Error("ticket redeemed twice")
	}
	if _, ok := ts.redeem("never-issued"); ok {
		t.Error("unknown ticket accepted")
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore(time.Minute)
	stale := ts.issue("viewer", auth.RoleViewer)
	fresh := ts.issue("admin", auth.RoleAdmin)

	ts.mu.Lock()
	e := ts.pending[stale]
	e.expires = time.Now().Add(-time.Second)
	ts.pending[stale] = e
	ts.mu.Unlock()

	if n := ts.sweep(time.Now()); n != 1 {
		t.Errorf("sweep() removed %d, want 1", n)
	}
	if _, ok := ts.redeem(stale); ok {
		t.Error("expired ticket accepted")
	}
	if _, ok := ts.redeem(fresh); !ok {
		t.Error("fresh ticket rejected")
	}
}
