// Package store defines the tracking persistence interface and its
// Postgres implementation.
package store

import (
	"context"

	"github.com/okian/topwatch/internal/domain/model"
)

// Store provides durable access to tracking subscriptions. A nil mode
// on the scoped operations means "every gamemode".
type Store interface {
	// LoadAll returns every persisted subscription row. Called once at
	// startup to rebuild the in-memory registry.
	LoadAll(ctx context.Context) ([]model.TrackingRow, error)

	// Upsert inserts a subscription row or replaces the thresholds and
	// baseline of an existing one.
	Upsert(ctx context.Context, row model.TrackingRow) error

	// Delete removes a single channel subscription for a user.
	Delete(ctx context.Context, userID uint64, mode *model.Mode, channelID uint64) error

	// DeleteUser removes every subscription for a user.
	DeleteUser(ctx context.Context, userID uint64, mode *model.Mode) error

	// DeleteChannel removes every subscription pointing at a channel.
	DeleteChannel(ctx context.Context, channelID uint64, mode *model.Mode) error

	// UpdateBaseline persists a refreshed baseline pp for every channel
	// row of a user and mode.
	UpdateBaseline(ctx context.Context, userID uint64, mode model.Mode, pp float64) error

	Close() error
}
