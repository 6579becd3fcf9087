// Package tracking implements the in-memory registry of tracked users:
// per-mode tracking entries, the lock-free novelty check on the score
// intake hot path, and the deferred baseline-acquisition handshake for
// freshly added subscriptions.
package tracking

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/topwatch/internal/domain/model"
)

// topScoreCount is how many best scores a full baseline needs: the
// baseline is the pp of the 100th-best play.
const topScoreCount = 100

// Entry holds the per-mode tracking state of a single user: the baseline
// pp of their 100th-best score and the channels subscribed to new-score
// notifications.
//
// The baseline and the last-processed timestamp are read on the score
// intake hot path, so both live in atomics. The channel map has its own
// lock and is only touched off the hot path or after the novelty check
// already passed.
type Entry struct {
	// IEEE-754 bits of the baseline pp. Zero doubles as the "baseline
	// unknown" sentinel. Last write wins; the value is always recomputed
	// from a fresh top-100 fetch, never incremented, so no
	// compare-and-swap is needed.
	baselinePP atomic.Uint64

	// Unix nanoseconds of the newest score handed off for processing.
	lastProcessed atomic.Int64

	mu       sync.RWMutex
	channels map[uint64]model.Thresholds
}

func newEntry() *Entry {
	return &Entry{channels: make(map[uint64]model.Thresholds)}
}

// Baseline returns the baseline pp, 0 when unknown.
func (e *Entry) Baseline() float64 {
	return math.Float64frombits(e.baselinePP.Load())
}

// UpdateBaseline overwrites the baseline pp. Last writer wins.
func (e *Entry) UpdateBaseline(pp float64) {
	e.baselinePP.Store(math.Float64bits(pp))
}

// ShouldProcess reports whether a score could be notification-worthy: it
// fails only when the pp does not beat the baseline AND the score does
// not postdate the last processed one. Lock-free; two concurrent scores
// may both pass against a stale baseline, which is accepted: a
// duplicate notification is benign, a missed one is not.
func (e *Entry) ShouldProcess(pp float64, ts time.Time) bool {
	if pp > e.Baseline() {
		return true
	}

	return ts.UnixNano() > e.lastProcessed.Load()
}

// MarkProcessed records the timestamp of a score that was handed off for
// processing.
func (e *Entry) MarkProcessed(ts time.Time) {
	e.lastProcessed.Store(ts.UnixNano())
}

// AddChannel inserts the channel subscription, replacing any existing
// thresholds for the channel.
func (e *Entry) AddChannel(channelID uint64, t model.Thresholds) {
	e.mu.Lock()
	e.channels[channelID] = t
	e.mu.Unlock()
}

// RemoveChannel deletes the channel subscription and reports whether the
// channel was subscribed at all.
func (e *Entry) RemoveChannel(channelID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.channels[channelID]; !ok {
		return false
	}

	delete(e.channels, channelID)

	return true
}

// Thresholds returns the channel's filter thresholds, if subscribed.
func (e *Entry) Thresholds(channelID uint64) (model.Thresholds, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.channels[channelID]

	return t, ok
}

// Channels returns a point-in-time copy of the channel subscriptions so
// callers can iterate without holding the entry's lock.
func (e *Entry) Channels() map[uint64]model.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()

	channels := make(map[uint64]model.Thresholds, len(e.channels))
	for id, t := range e.channels {
		channels[id] = t
	}

	return channels
}

// HasChannels reports whether any channel is subscribed.
func (e *Entry) HasChannels() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.channels) > 0
}

// ChannelCount returns the number of subscribed channels.
func (e *Entry) ChannelCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.channels)
}

// Clear resets the baseline to the unknown sentinel and drops all
// channel subscriptions. Used when the upstream no longer resolves the
// user.
func (e *Entry) Clear() {
	e.mu.Lock()
	e.channels = make(map[uint64]model.Thresholds)
	e.mu.Unlock()

	e.baselinePP.Store(0)
	e.lastProcessed.Store(0)
}

// BaselineFromTop computes the baseline pp from a best-first list of top
// scores: the pp of the 100th score when exactly 100 were supplied, the
// unknown sentinel otherwise. Fewer than 100 scores means the user's
// top list is not full yet and every new play lands in it anyway.
func BaselineFromTop(tops []model.Score) float64 {
	if len(tops) != topScoreCount {
		return 0
	}

	if pp := tops[topScoreCount-1].PP; pp != nil {
		return *pp
	}

	return 0
}
