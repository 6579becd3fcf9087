// Package model contains domain models passed between layers.
package model

import "fmt"

// Mode is one of the four supported game rule-sets. Tracking state is
// fully independent per mode.
type Mode uint8

// The four fixed game modes, in wire order.
const (
	ModeOsu Mode = iota
	ModeTaiko
	ModeCatch
	ModeMania

	// ModeCount is the number of supported modes.
	ModeCount = 4
)

// Modes returns all supported modes in index order.
func Modes() [ModeCount]Mode {
	return [ModeCount]Mode{ModeOsu, ModeTaiko, ModeCatch, ModeMania}
}

// Valid reports whether m is one of the four supported modes.
func (m Mode) Valid() bool {
	return m < ModeCount
}

func (m Mode) String() string {
	switch m {
	case ModeOsu:
		return "osu"
	case ModeTaiko:
		return "taiko"
	case ModeCatch:
		return "catch"
	case ModeMania:
		return "mania"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// APIString returns the ruleset name the osu! v2 API expects. It
// differs from String for catch, which the API calls "fruits".
func (m Mode) APIString() string {
	if m == ModeCatch {
		return "fruits"
	}
	return m.String()
}

// ParseMode converts a mode name to its Mode value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "osu", "std", "standard":
		return ModeOsu, nil
	case "taiko":
		return ModeTaiko, nil
	case "catch", "ctb", "fruits":
		return ModeCatch, nil
	case "mania":
		return ModeMania, nil
	default:
		return 0, fmt.Errorf("unknown mode: %q", s)
	}
}
