package model

import "time"

// Score is a single play reported by the upstream score source.
type Score struct {
	ID     uint64
	UserID uint64
	Mode   Mode

	// PP is nil when the server computed no pp for the play, e.g. on
	// loved or unranked maps. Such scores are never notification-worthy.
	PP *float64

	// MaxCombo is the combo reached in this play; MapMaxCombo is the
	// map's maximum possible combo, 0 when unknown.
	MaxCombo    int
	MapMaxCombo int

	EndedAt time.Time
}

// ComboPercent returns the play's combo as a percentage of the map's
// maximum combo. The second return is false when the map maximum is
// unknown.
func (s *Score) ComboPercent() (float64, bool) {
	if s.MapMaxCombo <= 0 {
		return 0, false
	}

	return 100 * float64(s.MaxCombo) / float64(s.MapMaxCombo), true
}
