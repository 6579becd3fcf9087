package tracking

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/topwatch/internal/domain/model"
)

type recordingUpserter struct {
	rows []model.TrackingRow
	err  error
}

func (u *recordingUpserter) Upsert(_ context.Context, row model.TrackingRow) error {
	u.rows = append(u.rows, row)
	return u.err
}

func fullTops(count int, worstPP float64) []model.Score {
	scores := make([]model.Score, count)
	for i := range scores {
		v := worstPP + float64(count-1-i)
		scores[i] = model.Score{ID: uint64(i + 1), PP: &v}
	}
	return scores
}

func newTestToken(store Upserter) (*BaselineToken, *Entry) {
	entry := newEntry()
	row := model.TrackingRow{
		UserID:     2211396,
		Mode:       model.ModeOsu,
		ChannelID:  10,
		Thresholds: model.DefaultThresholds(),
	}
	return NewBaselineToken(entry, row, store), entry
}

func TestTokenResolveFullTop(t *testing.T) {
	store := &recordingUpserter{}
	tok, entry := newTestToken(store)

	if err := tok.Resolve(context.Background(), fullTops(100, 180)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := entry.Baseline(); got != 180.0 {
		t.Errorf("expected baseline 180, got %f", got)
	}

	if len(store.rows) != 1 {
		t.Fatalf("expected 1 upserted row, got %d", len(store.rows))
	}
	if store.rows[0].LastPP != 180.0 {
		t.Errorf("expected persisted last_pp 180, got %f", store.rows[0].LastPP)
	}
}

func TestTokenResolvePartialTop(t *testing.T) {
	store := &recordingUpserter{}
	tok, entry := newTestToken(store)

	// Under 100 scores the baseline stays at the unknown sentinel and
	// re-arms on the next resolution.
	if err := tok.Resolve(context.Background(), fullTops(37, 50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := entry.Baseline(); got != 0.0 {
		t.Errorf("expected sentinel baseline, got %f", got)
	}

	if len(store.rows) != 1 {
		t.Fatalf("expected the row to be upserted regardless, got %d rows", len(store.rows))
	}
}

func TestTokenResolveTwice(t *testing.T) {
	tok, _ := newTestToken(&recordingUpserter{})

	if err := tok.Resolve(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := tok.Resolve(context.Background(), nil); !errors.Is(err, ErrTokenResolved) {
		t.Errorf("expected ErrTokenResolved, got %v", err)
	}
}

func TestTokenResolveStoreFailure(t *testing.T) {
	store := &recordingUpserter{err: errors.New("connection refused")}
	tok, entry := newTestToken(store)

	err := tok.Resolve(context.Background(), fullTops(100, 180))
	if err == nil {
		t.Fatal("expected the persistence error to surface")
	}

	// The in-memory state is updated before the write; the registry
	// remains the operative truth when the store is unreachable.
	if got := entry.Baseline(); got != 180.0 {
		t.Errorf("expected baseline 180 despite store failure, got %f", got)
	}
}

func TestTokenLeakPanics(t *testing.T) {
	tok, _ := newTestToken(&recordingUpserter{})

	defer func() {
		if recover() == nil {
			t.Error("expected an unresolved token to panic on finalization")
		}
	}()

	// Run what the finalizer would: collecting an unresolved token is a
	// programmer error and must fail loudly.
	tok.leaked()
}

func TestTokenLeakAfterResolveIsQuiet(t *testing.T) {
	tok, _ := newTestToken(&recordingUpserter{})

	if err := tok.Resolve(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("resolved token must not panic, got %v", r)
		}
	}()

	tok.leaked()
}
