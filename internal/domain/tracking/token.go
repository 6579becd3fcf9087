package tracking

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/okian/topwatch/internal/domain/model"
)

// Upserter performs the deferred persistence write of a resolved token.
type Upserter interface {
	Upsert(ctx context.Context, row model.TrackingRow) error
}

// BaselineToken defers the persistence of a new subscription until the
// user's top scores are known. The subscription itself is already live
// in the registry so no score event is lost in the meantime; the caller
// must fetch the user's top 100 scores and call Resolve exactly once.
//
// A token that becomes garbage without being resolved panics: silently
// dropping it would leave the subscription half-initialized with no
// diagnostic trail and cause indefinitely missed notifications.
type BaselineToken struct {
	entry    *Entry
	row      model.TrackingRow
	store    Upserter
	resolved atomic.Bool
}

// NewBaselineToken arms a token for the pending row. The entry must be
// the one the row's (user, mode) subscription was inserted into.
func NewBaselineToken(entry *Entry, row model.TrackingRow, store Upserter) *BaselineToken {
	t := &BaselineToken{entry: entry, row: row, store: store}
	runtime.SetFinalizer(t, (*BaselineToken).leaked)

	return t
}

// Row returns the pending persisted row.
func (t *BaselineToken) Row() model.TrackingRow {
	return t.row
}

// Resolved reports whether Resolve was called.
func (t *BaselineToken) Resolved() bool {
	return t.resolved.Load()
}

// Resolve computes the baseline from the fetched top scores, stores it
// on the tracking entry, and performs the deferred upsert. If fewer than
// 100 scores were supplied the baseline stays at the unknown sentinel
// and re-arms on the next resolution. Returns ErrTokenResolved on a
// second call; the persistence error, if any, is returned but the
// in-memory state is already updated.
func (t *BaselineToken) Resolve(ctx context.Context, tops []model.Score) error {
	if !t.resolved.CompareAndSwap(false, true) {
		return ErrTokenResolved
	}

	runtime.SetFinalizer(t, nil)

	pp := BaselineFromTop(tops)
	t.entry.UpdateBaseline(pp)
	t.row.LastPP = pp

	if err := t.store.Upsert(ctx, t.row); err != nil {
		return fmt.Errorf("persist subscription for user %d (%s): %w", t.row.UserID, t.row.Mode, err)
	}

	return nil
}

// leaked runs as the token's finalizer. An unresolved token reaching the
// garbage collector is a programmer error, not a recoverable condition.
func (t *BaselineToken) leaked() {
	if !t.resolved.Load() {
		panic(fmt.Sprintf(
			"tracking: baseline token for user %d (%s, channel %d) dropped without Resolve",
			t.row.UserID, t.row.Mode, t.row.ChannelID,
		))
	}
}
