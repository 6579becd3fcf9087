package tracking

import (
	"iter"
	"sync"

	"github.com/okian/topwatch/internal/domain/model"
)

// Registry is the process-wide concurrent map from user id to tracked
// user. It is created once at startup, lives for the process lifetime,
// and is the single entry point for lookups, insertions, and removals.
// No operation blocks on I/O.
type Registry struct {
	mu    sync.RWMutex
	users map[uint64]*TrackedUser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[uint64]*TrackedUser)}
}

// NewRegistryFromRows builds a registry from the persisted subscription
// rows. Population is single-threaded on purpose: the cold start sees no
// concurrent traffic, so a plain map build avoids needless lock
// contention before the registry is wrapped for concurrent access.
func NewRegistryFromRows(rows []model.TrackingRow) *Registry {
	users := make(map[uint64]*TrackedUser)

	for _, row := range rows {
		if !row.Mode.Valid() {
			continue
		}

		u, ok := users[row.UserID]
		if !ok {
			u = newTrackedUser()
			users[row.UserID] = u
		}

		e := u.Entry(row.Mode)
		e.channels[row.ChannelID] = row.Thresholds

		if row.LastPP > e.Baseline() {
			e.UpdateBaseline(row.LastPP)
		}
	}

	return &Registry{users: users}
}

// Get returns the tracked user, if present.
func (r *Registry) Get(userID uint64) (*TrackedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]

	return u, ok
}

// GetOrCreate returns the existing tracked user or atomically inserts a
// fresh all-empty one. Concurrent callers for the same id all receive
// the same user.
func (r *Registry) GetOrCreate(userID uint64) *TrackedUser {
	r.mu.RLock()
	u, ok := r.users[userID]
	r.mu.RUnlock()

	if ok {
		return u
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[userID]; ok {
		return u
	}

	u = newTrackedUser()
	r.users[userID] = u

	return u
}

// RemoveIfEmpty prunes the user once all of its entries are observed
// empty. Safe to call redundantly: a missing or non-empty user is a
// no-op. Reports whether the user was removed.
func (r *Registry) RemoveIfEmpty(userID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok || !u.IsEmpty() {
		return false
	}

	delete(r.users, userID)

	return true
}

// Len returns the number of tracked users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users)
}

// ChannelCount returns the total number of subscriptions across all
// users and modes.
func (r *Registry) ChannelCount() int {
	count := 0
	for _, u := range r.All() {
		count += u.ChannelCount()
	}

	return count
}

// All iterates over a snapshot of the tracked users. The snapshot is
// taken once at call time; mutations made during or after the call
// become visible on the next one, which is consistent enough for bulk
// sweeps.
func (r *Registry) All() iter.Seq2[uint64, *TrackedUser] {
	r.mu.RLock()
	type pair struct {
		id   uint64
		user *TrackedUser
	}
	pairs := make([]pair, 0, len(r.users))
	for id, u := range r.users {
		pairs = append(pairs, pair{id: id, user: u})
	}
	r.mu.RUnlock()

	return func(yield func(uint64, *TrackedUser) bool) {
		for _, p := range pairs {
			if !yield(p.id, p.user) {
				return
			}
		}
	}
}

// RemoveChannel removes the channel from every matching entry, scoped to
// one mode or all of them when mode is nil. Users left without any
// subscription are pruned in a second pass so the sweep never mutates
// the registry while iterating it. Returns the number of entries the
// channel was removed from.
func (r *Registry) RemoveChannel(channelID uint64, mode *model.Mode) int {
	removed := 0
	var emptied []uint64

	for userID, u := range r.All() {
		for _, m := range modesFor(mode) {
			if u.Entry(m).RemoveChannel(channelID) {
				removed++
			}
		}

		if u.IsEmpty() {
			emptied = append(emptied, userID)
		}
	}

	for _, userID := range emptied {
		r.RemoveIfEmpty(userID)
	}

	return removed
}

// ClearUser drops every entry of the user and prunes it from the
// registry. Returns the modes that had at least one subscription.
func (r *Registry) ClearUser(userID uint64) []model.Mode {
	u, ok := r.Get(userID)
	if !ok {
		return nil
	}

	var cleared []model.Mode
	for _, m := range model.Modes() {
		e := u.Entry(m)
		if e.HasChannels() {
			cleared = append(cleared, m)
		}

		e.Clear()
	}

	r.RemoveIfEmpty(userID)

	return cleared
}

// modesFor expands an optional mode into the modes it covers: just
// itself, or all four when nil.
func modesFor(mode *model.Mode) []model.Mode {
	if mode != nil {
		return []model.Mode{*mode}
	}

	all := model.Modes()

	return all[:]
}
