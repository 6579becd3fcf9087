package model

// TrackingRow mirrors one persisted (user, mode, channel) subscription
// together with the entry's baseline pp at last write. The backing store
// is eventually consistent with the in-memory registry; rows are never
// consulted on the score-intake hot path.
type TrackingRow struct {
	UserID     uint64
	Mode       Mode
	ChannelID  uint64
	Thresholds Thresholds
	LastPP     float64
}
