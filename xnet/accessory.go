package xnet

import "fmt"

// MaxAccessory is the highest accessory number addressable by the 8-bit group byte.
const MaxAccessory = 1024

// AccessoryState is the position of a two-output accessory. The values match the
// two-bit encoding used in feedback bytes.
type AccessoryState uint8

const (
	StateUnknown AccessoryState = 0b00
	StateClosed  AccessoryState = 0b01
	StateThrown  AccessoryState = 0b10
	StateInvalid AccessoryState = 0b11
)

func (s AccessoryState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateClosed:
		return "closed"
	case StateThrown:
		return "thrown"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsDefined reports whether s is one of the two physical positions.
func (s AccessoryState) IsDefined() bool {
	return s == StateClosed || s == StateThrown
}

// ParseAccessoryState parses "closed"/"c" or "thrown"/"t".
func ParseAccessoryState(s string) (AccessoryState, error) {
	switch s {
	case "closed", "c", "CLOSED", "C":
		return StateClosed, nil
	case "thrown", "t", "THROWN", "T":
		return StateThrown, nil
	default:
		return StateUnknown, fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

// Priority orders outgoing messages. Higher priorities are sent first.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}

	return "normal"
}

// ValidAccessory reports whether n is an addressable accessory number.
func ValidAccessory(n int) bool {
	return n >= 1 && n <= MaxAccessory
}

// AccessoryGroup returns the group byte (feedback address) of accessory n.
func AccessoryGroup(n int) int {
	return (n - 1) / 4
}

// AccessoryNibble returns which nibble of the group carries accessory n.
func AccessoryNibble(n int) int {
	return ((n - 1) % 4) / 2
}

// AccessorySlot returns the position of accessory n inside its nibble.
func AccessorySlot(n int) int {
	return (n - 1) % 2
}

// PairedAccessory returns the accessory sharing a feedback nibble with n.
func PairedAccessory(n int) int {
	if n%2 == 1 {
		return n + 1
	}

	return n - 1
}

// PairBase returns the odd accessory number of the pair containing n.
func PairBase(n int) int {
	if n%2 == 0 {
		return n - 1
	}

	return n
}

// AccessoryFromFeedback returns the accessory number for a group, nibble and slot.
func AccessoryFromFeedback(group, nibble, slot int) int {
	return group*4 + nibble*2 + slot + 1
}
