package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/okian/topwatch/internal/domain/model"
	"github.com/okian/topwatch/pkg/metrics"
)

const (
	trackingTableName = "tracked_users"
	operationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres persists subscriptions in a single tracked_users table keyed
// by (user_id, gamemode, channel_id). The schema is created lazily on
// first use.
type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres builds a Postgres store for the given DSN. The connection
// is opened on first operation, not here.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &Postgres{
		dsn:       dsn,
		tableName: trackingTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		// max_pp is NULL when the subscription has no upper pp bound.
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id BIGINT NOT NULL,
				gamemode SMALLINT NOT NULL,
				channel_id BIGINT NOT NULL,
				min_index SMALLINT NOT NULL,
				max_index SMALLINT NOT NULL,
				min_pp DOUBLE PRECISION NOT NULL,
				max_pp DOUBLE PRECISION,
				min_combo_percent DOUBLE PRECISION NOT NULL,
				max_combo_percent DOUBLE PRECISION NOT NULL,
				last_pp DOUBLE PRECISION NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, gamemode, channel_id)
			)`, quoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) LoadAll(ctx context.Context) ([]model.TrackingRow, error) {
	if err := p.ensureReady(); err != nil {
		metrics.RecordStoreError()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT user_id, gamemode, channel_id,
		       min_index, max_index, min_pp, max_pp,
		       min_combo_percent, max_combo_percent, last_pp
		FROM %s`, quoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		metrics.RecordStoreError()
		return nil, err
	}
	defer rows.Close()

	var out []model.TrackingRow
	for rows.Next() {
		var (
			userID, channelID int64
			gamemode          int16
			minIdx, maxIdx    int16
			maxPP             sql.NullFloat64
			row               model.TrackingRow
		)
		if err := rows.Scan(
			&userID, &gamemode, &channelID,
			&minIdx, &maxIdx, &row.Thresholds.MinPP, &maxPP,
			&row.Thresholds.MinComboPercent, &row.Thresholds.MaxComboPercent,
			&row.LastPP,
		); err != nil {
			metrics.RecordStoreError()
			return nil, err
		}
		row.UserID = uint64(userID)
		row.ChannelID = uint64(channelID)
		row.Mode = model.Mode(gamemode)
		row.Thresholds.MinIndex = uint8(minIdx)
		row.Thresholds.MaxIndex = uint8(maxIdx)
		row.Thresholds.MaxPP = math.Inf(1)
		if maxPP.Valid {
			row.Thresholds.MaxPP = maxPP.Float64
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordStoreError()
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Upsert(ctx context.Context, row model.TrackingRow) error {
	if err := p.ensureReady(); err != nil {
		metrics.RecordStoreError()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	maxPP := sql.NullFloat64{Float64: row.Thresholds.MaxPP, Valid: !math.IsInf(row.Thresholds.MaxPP, 1)}

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, gamemode, channel_id,
			min_index, max_index, min_pp, max_pp,
			min_combo_percent, max_combo_percent, last_pp, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (user_id, gamemode, channel_id)
		DO UPDATE SET
			min_index = EXCLUDED.min_index,
			max_index = EXCLUDED.max_index,
			min_pp = EXCLUDED.min_pp,
			max_pp = EXCLUDED.max_pp,
			min_combo_percent = EXCLUDED.min_combo_percent,
			max_combo_percent = EXCLUDED.max_combo_percent,
			last_pp = EXCLUDED.last_pp,
			updated_at = NOW()`, quoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query,
		int64(row.UserID), int16(row.Mode), int64(row.ChannelID),
		int16(row.Thresholds.MinIndex), int16(row.Thresholds.MaxIndex),
		row.Thresholds.MinPP, maxPP,
		row.Thresholds.MinComboPercent, row.Thresholds.MaxComboPercent,
		row.LastPP,
	)
	if err != nil {
		metrics.RecordStoreError()
	}
	return err
}

func (p *Postgres) Delete(ctx context.Context, userID uint64, mode *model.Mode, channelID uint64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND channel_id = $2", quoteIdentifier(p.tableName))
	args := []any{int64(userID), int64(channelID)}
	if mode != nil {
		query += " AND gamemode = $3"
		args = append(args, int16(*mode))
	}
	return p.exec(ctx, query, args...)
}

func (p *Postgres) DeleteUser(ctx context.Context, userID uint64, mode *model.Mode) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", quoteIdentifier(p.tableName))
	args := []any{int64(userID)}
	if mode != nil {
		query += " AND gamemode = $2"
		args = append(args, int16(*mode))
	}
	return p.exec(ctx, query, args...)
}

func (p *Postgres) DeleteChannel(ctx context.Context, channelID uint64, mode *model.Mode) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE channel_id = $1", quoteIdentifier(p.tableName))
	args := []any{int64(channelID)}
	if mode != nil {
		query += " AND gamemode = $2"
		args = append(args, int16(*mode))
	}
	return p.exec(ctx, query, args...)
}

func (p *Postgres) UpdateBaseline(ctx context.Context, userID uint64, mode model.Mode, pp float64) error {
	query := fmt.Sprintf(
		"UPDATE %s SET last_pp = $1, updated_at = NOW() WHERE user_id = $2 AND gamemode = $3",
		quoteIdentifier(p.tableName))
	return p.exec(ctx, query, pp, int64(userID), int16(mode))
}

func (p *Postgres) exec(ctx context.Context, query string, args ...any) error {
	if err := p.ensureReady(); err != nil {
		metrics.RecordStoreError()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		metrics.RecordStoreError()
		return err
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
