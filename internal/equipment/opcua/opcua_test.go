package opcua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/equipment"
)

func TestNodeID(t *testing.T) {
	got := NodeID(2, equipment.Path("Device 1", equipment.TagProductionRate))
	if got != "ns=2;s=Device 1/ProductionRate" {
		t.Errorf("NodeID() = %q", got)
	}

	id, err := ua.ParseNodeID(got)
	if err != nil {
		t.Fatalf("ParseNodeID() error = %v", err)
	}
	if id.Namespace() != 2 || id.StringID() != "Device 1/ProductionRate" {
		t.Errorf("parsed = ns %d %q", id.Namespace(), id.StringID())
	}
}

func TestWireValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{80, int32(80)},
		{true, int32(1)},
		{false, int32(0)},
		{int32(5), int32(5)},
		{"wo-1", "wo-1"},
		{1.5, 1.5},
	}
	for _, tt := range tests {
		if got := wireValue(tt.in); got != tt.want {
			t.Errorf("wireValue(%v) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestDialerDefaults(t *testing.T) {
	var d Dialer
	if d.namespace() != DefaultNamespace {
		t.Errorf("namespace() = %d", d.namespace())
	}
	if d.requestTimeout() != defaultRequestTimeout {
		t.Errorf("requestTimeout() = %v", d.requestTimeout())
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dialer{}.Dial(ctx, device.Identity{
		Name:     "Device 1",
		Endpoint: "opc.tcp://127.0.0.1:1",
		NodeName: "Device 1",
	})
	if !errors.Is(err, equipment.ErrUnavailable) {
		t.Errorf("Dial() error = %v, want ErrUnavailable", err)
	}
}
