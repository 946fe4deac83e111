package alarm

import (
	"strings"
	"testing"
)

func TestApply(t *testing.T) {
	masks := []Mask{0, EmergencyStop, PowerFailure | UnknownError, 15, 0x30}
	flags := []Mask{EmergencyStop, PowerFailure, SensorFailure, UnknownError}

	for _, m := range masks {
		if got := Apply(m, None); got != None {
			t.Errorf("Apply(%d, 0) = %d, want 0", m, got)
		}
		for _, f := range flags {
			if got := Apply(m, f); got != m|f {
				t.Errorf("Apply(%d, %d) = %d, want %d", m, f, got, m|f)
			}
		}
	}
}

func TestApply_NeverClearsIndividualFlags(t *testing.T) {
	m := Apply(None, EmergencyStop)
	m = Apply(m, SensorFailure)
	m = Apply(m, EmergencyStop)
	if m != EmergencyStop|SensorFailure {
		t.Errorf("mask = %d, want %d", m, EmergencyStop|SensorFailure)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		mask Mask
		want string
	}{
		{0, "None"},
		{EmergencyStop, "Emergency Stop"},
		{PowerFailure, "Power Failure"},
		{0b1010, "Unknown Error, Power Failure"},
		{0b1111, "Unknown Error, Sensor Failure, Power Failure, Emergency Stop"},
		{0b10000, "None"},
		{0b10001, "Emergency Stop"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Describe(tt.mask); got != tt.want {
				t.Errorf("Describe(%b) = %q, want %q", tt.mask, got, tt.want)
			}
		})
	}
}

func TestDescribe_OnlySetFlags(t *testing.T) {
	got := Describe(0b1010)
	for _, absent := range []string{"Emergency Stop", "Sensor Failure"} {
		if strings.Contains(got, absent) {
			t.Errorf("Describe(0b1010) = %q, contains %q", got, absent)
		}
	}
	if strings.Index(got, "Unknown Error") > strings.Index(got, "Power Failure") {
		t.Errorf("Describe(0b1010) = %q, want high bit first", got)
	}
}

func TestHas(t *testing.T) {
	m := EmergencyStop | SensorFailure
	if !m.Has(EmergencyStop) {
		t.Error("Has(EmergencyStop) = false")
	}
	if m.Has(PowerFailure) {
		t.Error("Has(PowerFailure) = true")
	}
	if m.Has(None) {
		t.Error("Has(None) = true")
	}
	if m.String() != "Sensor Failure, Emergency Stop" {
		t.Errorf("String() = %q", m.String())
	}
}
