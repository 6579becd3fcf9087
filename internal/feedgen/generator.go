// Package feedgen emits synthetic score events over a websocket, shaped
// like the live score stream, for local runs of the tracking engine.
package feedgen

import (
	"math/rand/v2"
	"time"

	"github.com/okian/topwatch/internal/domain/model"
)

// Constants for pp tier generation.
const (
	ppTierCount = 4

	casualPPMin   = 20.0
	casualPPRange = 130.0
	solidPPMin    = 150.0
	solidPPRange  = 150.0
	strongPPMin   = 300.0
	strongPPRange = 200.0
	elitePPMin    = 500.0
	elitePPRange  = 400.0
)

// Constants for combo generation.
const (
	mapComboMin   = 200
	mapComboRange = 1800
)

// Config controls the shape of the generated stream.
type Config struct {
	// UserIDBase and UserCount bound the synthetic user id pool:
	// [UserIDBase, UserIDBase+UserCount).
	UserIDBase uint64
	UserCount  int

	// NoPPRatio is the fraction of events emitted without a pp value,
	// mimicking plays on unranked maps.
	NoPPRatio float64
}

// Generator produces random score events from a user pool.
type Generator struct {
	cfg    Config
	nextID uint64
}

// NewGenerator creates a generator for the given config.
func NewGenerator(cfg Config) *Generator {
	if cfg.UserCount <= 0 {
		cfg.UserCount = 1
	}
	return &Generator{cfg: cfg, nextID: 1}
}

// Event is the wire shape of one feed message.
type Event struct {
	ID          uint64    `json:"id"`
	UserID      uint64    `json:"user_id"`
	Mode        string    `json:"mode"`
	PP          *float64  `json:"pp"`
	MaxCombo    int       `json:"max_combo"`
	MapMaxCombo int       `json:"map_max_combo"`
	EndedAt     time.Time `json:"ended_at"`
}

// Next returns one synthetic score event. Not safe for concurrent use.
func (g *Generator) Next() Event {
	id := g.nextID
	g.nextID++

	modes := model.Modes()
	mode := modes[rand.IntN(len(modes))]

	mapMax := mapComboMin + rand.IntN(mapComboRange)
	combo := 1 + rand.IntN(mapMax)

	ev := Event{
		ID:          id,
		UserID:      g.cfg.UserIDBase + uint64(rand.IntN(g.cfg.UserCount)),
		Mode:        mode.String(),
		MaxCombo:    combo,
		MapMaxCombo: mapMax,
		EndedAt:     time.Now().UTC(),
	}
	if rand.Float64() >= g.cfg.NoPPRatio {
		pp := tieredPP()
		ev.PP = &pp
	}
	return ev
}

// tieredPP draws a pp value from one of four performance tiers so the
// stream produces both routine plays and the occasional new top score.
func tieredPP() float64 {
	switch rand.IntN(ppTierCount) {
	case 0:
		return casualPPMin + rand.Float64()*casualPPRange
	case 1:
		return solidPPMin + rand.Float64()*solidPPRange
	case 2:
		return strongPPMin + rand.Float64()*strongPPRange
	default:
		return elitePPMin + rand.Float64()*elitePPRange
	}
}
