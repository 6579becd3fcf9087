package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/topwatch/internal/domain/model"
)

var integrationTableCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := integrationDSN(t)

	p := newIntegrationStore(t, dsn)

	rows, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(rows))
	}

	row := model.TrackingRow{
		UserID:     2211396,
		Mode:       model.ModeOsu,
		ChannelID:  97,
		Thresholds: model.DefaultThresholds(),
		LastPP:     180.5,
	}
	if err := p.Upsert(context.Background(), row); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load after upsert failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 row, got %d", len(loaded))
	}
	got := loaded[0]
	if got.UserID != row.UserID || got.Mode != row.Mode || got.ChannelID != row.ChannelID {
		t.Fatalf("key mismatch: %+v", got)
	}
	if got.LastPP != 180.5 {
		t.Fatalf("expected last_pp 180.5, got %v", got.LastPP)
	}
	if !math.IsInf(got.Thresholds.MaxPP, 1) {
		t.Fatalf("expected unbounded max pp to round-trip through NULL, got %v", got.Thresholds.MaxPP)
	}
}

func TestPostgresIntegrationUpsertReplacesThresholds(t *testing.T) {
	dsn := integrationDSN(t)

	p := newIntegrationStore(t, dsn)

	row := model.TrackingRow{
		UserID:     10,
		Mode:       model.ModeMania,
		ChannelID:  20,
		Thresholds: model.DefaultThresholds(),
	}
	if err := p.Upsert(context.Background(), row); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	minPP, maxPP := 100.0, 500.0
	row.Thresholds = row.Thresholds.WithPP(&minPP, &maxPP)
	row.LastPP = 321.0
	if err := p.Upsert(context.Background(), row); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	loaded, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected upsert to replace, got %d rows", len(loaded))
	}
	got := loaded[0]
	if got.Thresholds.MinPP != 100.0 || got.Thresholds.MaxPP != 500.0 {
		t.Fatalf("expected pp bounds [100, 500], got [%v, %v]", got.Thresholds.MinPP, got.Thresholds.MaxPP)
	}
	if got.LastPP != 321.0 {
		t.Fatalf("expected last_pp 321, got %v", got.LastPP)
	}
}

func TestPostgresIntegrationScopedDeletes(t *testing.T) {
	dsn := integrationDSN(t)

	p := newIntegrationStore(t, dsn)

	seed := []model.TrackingRow{
		{UserID: 1, Mode: model.ModeOsu, ChannelID: 100, Thresholds: model.DefaultThresholds()},
		{UserID: 1, Mode: model.ModeTaiko, ChannelID: 100, Thresholds: model.DefaultThresholds()},
		{UserID: 1, Mode: model.ModeOsu, ChannelID: 200, Thresholds: model.DefaultThresholds()},
		{UserID: 2, Mode: model.ModeOsu, ChannelID: 100, Thresholds: model.DefaultThresholds()},
	}
	for _, row := range seed {
		if err := p.Upsert(context.Background(), row); err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
	}

	taiko := model.ModeTaiko
	if err := p.Delete(context.Background(), 1, &taiko, 100); err != nil {
		t.Fatalf("scoped delete failed: %v", err)
	}
	if got := countRows(t, p); got != 3 {
		t.Fatalf("expected 3 rows after scoped delete, got %d", got)
	}

	if err := p.DeleteChannel(context.Background(), 100, nil); err != nil {
		t.Fatalf("channel delete failed: %v", err)
	}
	if got := countRows(t, p); got != 1 {
		t.Fatalf("expected 1 row after channel delete, got %d", got)
	}

	if err := p.DeleteUser(context.Background(), 1, nil); err != nil {
		t.Fatalf("user delete failed: %v", err)
	}
	if got := countRows(t, p); got != 0 {
		t.Fatalf("expected empty table, got %d rows", got)
	}
}

func TestPostgresIntegrationUpdateBaseline(t *testing.T) {
	dsn := integrationDSN(t)

	p := newIntegrationStore(t, dsn)

	for _, channelID := range []uint64{100, 200} {
		row := model.TrackingRow{UserID: 5, Mode: model.ModeCatch, ChannelID: channelID, Thresholds: model.DefaultThresholds()}
		if err := p.Upsert(context.Background(), row); err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
	}

	if err := p.UpdateBaseline(context.Background(), 5, model.ModeCatch, 240.75); err != nil {
		t.Fatalf("update baseline failed: %v", err)
	}

	loaded, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(loaded))
	}
	for _, row := range loaded {
		if row.LastPP != 240.75 {
			t.Fatalf("expected baseline 240.75 on every channel row, got %v", row.LastPP)
		}
	}
}

func TestPostgresInvalidDSN(t *testing.T) {
	if _, err := NewPostgres("   "); err != ErrInvalidDSN {
		t.Fatalf("expected ErrInvalidDSN, got %v", err)
	}
}

func newIntegrationStore(t *testing.T, dsn string) *Postgres {
	t.Helper()
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	p.tableName = integrationTableName("tracked_users_it")
	t.Cleanup(func() {
		dropIntegrationTable(t, dsn, p.tableName)
		_ = p.Close()
	})
	return p
}

func countRows(t *testing.T, p *Postgres) int {
	t.Helper()
	rows, err := p.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return len(rows)
}

func integrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TOPWATCH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TOPWATCH_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func integrationTableName(prefix string) string {
	n := atomic.AddUint64(&integrationTableCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func dropIntegrationTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("drop table open failed: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
		t.Logf("drop table failed: %v", err)
	}
}
