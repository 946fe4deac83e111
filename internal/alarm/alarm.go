// Package alarm holds the device error flag register.
//
// A device reports its active alarm conditions as a bitmask. The bits form a
// closed set; anything outside it is ignored when describing a mask.
package alarm

import (
	"strings"
)

// Mask is a set of simultaneously active alarm flags.
type Mask int

// Alarm flags.
const (
	None          Mask = 0
	EmergencyStop Mask = 1
	PowerFailure  Mask = 2
	SensorFailure Mask = 4
	UnknownError  Mask = 8
)

// flagNames lists the known flags, highest bit first.
var flagNames = []struct {
	flag Mask
	name string
}{
	{UnknownError, "Unknown Error"},
	{SensorFailure, "Sensor Failure"},
	{PowerFailure, "Power Failure"},
	{EmergencyStop, "Emergency Stop"},
}

// NoneText is the description of an empty mask.
const NoneText = "None"

// Apply merges flag into current. A zero flag clears every bit.
func Apply(current, flag Mask) Mask {
	if flag == None {
		return None
	}
	return current | flag
}

// Describe returns the names of the set flags, highest bit first, joined
// with ", ", or "None" when no known flag is set.
func Describe(m Mask) string {
	var names []string
	for _, f := range flagNames {
		if m&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return NoneText
	}
	return strings.Join(names, ", ")
}

// Has reports whether every bit of flag is set in m.
func (m Mask) Has(flag Mask) bool {
	return flag != None && m&flag == flag
}

// String implements fmt.Stringer.
func (m Mask) String() string {
	return Describe(m)
}
