package model

import "math"

// Bounds on the rank-index filter. A top-score notification always
// concerns one of the user's 100 best plays.
const (
	MinTrackIndex uint8 = 1
	MaxTrackIndex uint8 = 100
)

// Thresholds are the per-channel filter bounds of a subscription: a new
// top score is only reported to the channel when its rank index, pp, and
// combo percentage all fall inside the configured inclusive ranges.
// Immutable value; re-subscribing a channel replaces it wholesale.
type Thresholds struct {
	MinIndex uint8
	MaxIndex uint8

	MinPP float64
	MaxPP float64

	MinComboPercent float64
	MaxComboPercent float64
}

// DefaultThresholds returns fully unbounded thresholds: index 1-100,
// any pp, any combo percentage.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinIndex:        MinTrackIndex,
		MaxIndex:        MaxTrackIndex,
		MinPP:           0,
		MaxPP:           math.Inf(1),
		MinComboPercent: 0,
		MaxComboPercent: 100,
	}
}

// WithIndex returns a copy with the rank-index bounds replaced. Nil
// means unbounded; values are clamped into 1-100.
func (t Thresholds) WithIndex(min, max *uint8) Thresholds {
	t.MinIndex = MinTrackIndex
	t.MaxIndex = MaxTrackIndex

	if min != nil {
		t.MinIndex = clampIndex(*min)
	}

	if max != nil {
		t.MaxIndex = clampIndex(*max)
	}

	return t
}

// WithPP returns a copy with the pp bounds replaced. Nil means unbounded.
func (t Thresholds) WithPP(min, max *float64) Thresholds {
	t.MinPP = 0
	t.MaxPP = math.Inf(1)

	if min != nil {
		t.MinPP = math.Max(*min, 0)
	}

	if max != nil {
		t.MaxPP = *max
	}

	return t
}

// WithComboPercent returns a copy with the combo-percentage bounds
// replaced. Nil means unbounded; values are clamped into 0-100.
func (t Thresholds) WithComboPercent(min, max *float64) Thresholds {
	t.MinComboPercent = 0
	t.MaxComboPercent = 100

	if min != nil {
		t.MinComboPercent = clampPercent(*min)
	}

	if max != nil {
		t.MaxComboPercent = clampPercent(*max)
	}

	return t
}

// Matches reports whether a score with the given 1-based rank index, pp,
// and combo percentage passes every bound. A score whose combo
// percentage is unknown passes the combo check.
func (t Thresholds) Matches(index uint8, pp float64, comboPercent float64, comboKnown bool) bool {
	if index < t.MinIndex || index > t.MaxIndex {
		return false
	}

	if pp < t.MinPP || pp > t.MaxPP {
		return false
	}

	if comboKnown && (comboPercent < t.MinComboPercent || comboPercent > t.MaxComboPercent) {
		return false
	}

	return true
}

func clampIndex(v uint8) uint8 {
	if v < MinTrackIndex {
		return MinTrackIndex
	}

	if v > MaxTrackIndex {
		return MaxTrackIndex
	}

	return v
}

func clampPercent(v float64) float64 {
	return math.Min(math.Max(v, 0), 100)
}
