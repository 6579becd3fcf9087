package tracking

import "github.com/okian/topwatch/internal/domain/model"

// TrackedUser owns exactly one tracking entry per game mode. Users are
// handed out by reference from the registry; a user whose entries are
// all empty must not stay in the registry.
type TrackedUser struct {
	entries [model.ModeCount]*Entry
}

func newTrackedUser() *TrackedUser {
	u := &TrackedUser{}
	for i := range u.entries {
		u.entries[i] = newEntry()
	}

	return u
}

// Entry returns the tracking entry for mode.
func (u *TrackedUser) Entry(mode model.Mode) *Entry {
	return u.entries[mode]
}

// IsEmpty reports whether no mode has any channel subscription left.
func (u *TrackedUser) IsEmpty() bool {
	for _, e := range u.entries {
		if e.HasChannels() {
			return false
		}
	}

	return true
}

// ChannelCount returns the total number of subscriptions across all
// modes.
func (u *TrackedUser) ChannelCount() int {
	count := 0
	for _, e := range u.entries {
		count += e.ChannelCount()
	}

	return count
}
