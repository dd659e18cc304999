// Package postgres provides an optional Postgres-backed MetricsRepo,
// enriching the mandatory metricscsv store with indexed queries once a
// DSN is configured (spec §6's persisted state is "CSV or equivalent
// columnar" — this is the equivalent columnar store).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/persistence"
)

// metricsRepo implements persistence.MetricsRepo against a
// day_bucket_metrics table.
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a Postgres-backed metrics repository.
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{db: db, timeout: timeout}
}

type metricsRow struct {
	Symbol            string    `db:"symbol"`
	DayBucketStart    time.Time `db:"day_bucket_start"`
	GrossPnL          string    `db:"gross_pnl"`
	Fees              string    `db:"fees"`
	NetPnL            string    `db:"net_pnl"`
	FillsBuy          int64     `db:"fills_buy"`
	FillsSell         int64     `db:"fills_sell"`
	MaxDrawdown       string    `db:"max_drawdown"`
	InventoryAvg      string    `db:"inventory_avg"`
	InventoryMax      string    `db:"inventory_max"`
	QuotedSpreadBps   string    `db:"quoted_spread_bps"`
	CapturedSpreadBps string    `db:"captured_spread_bps"`
	ToxicityEMA       string    `db:"toxicity_ema"`
}

func toRow(rec persistence.MetricsRecord) metricsRow {
	return metricsRow{
		Symbol:            rec.Symbol,
		DayBucketStart:    rec.DayBucketStart.UTC(),
		GrossPnL:          rec.GrossPnL.String(),
		Fees:              rec.Fees.String(),
		NetPnL:            rec.NetPnL.String(),
		FillsBuy:          rec.FillsBuy,
		FillsSell:         rec.FillsSell,
		MaxDrawdown:       rec.MaxDrawdown.String(),
		InventoryAvg:      rec.InventoryAvg.String(),
		InventoryMax:      rec.InventoryMax.String(),
		QuotedSpreadBps:   rec.QuotedSpreadBps.String(),
		CapturedSpreadBps: rec.CapturedSpreadBps.String(),
		ToxicityEMA:       rec.ToxicityEMA.String(),
	}
}

func fromRow(row metricsRow) (persistence.MetricsRecord, error) {
	dec := func(s string) (decimal.Decimal, error) { return decimal.NewFromString(s) }
	grossPnL, err := dec(row.GrossPnL)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	fees, err := dec(row.Fees)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	netPnL, err := dec(row.NetPnL)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	maxDrawdown, err := dec(row.MaxDrawdown)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	invAvg, err := dec(row.InventoryAvg)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	invMax, err := dec(row.InventoryMax)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	quotedSpread, err := dec(row.QuotedSpreadBps)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	capturedSpread, err := dec(row.CapturedSpreadBps)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	toxicityEMA, err := dec(row.ToxicityEMA)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	return persistence.MetricsRecord{
		Symbol:            row.Symbol,
		DayBucketStart:    row.DayBucketStart,
		GrossPnL:          grossPnL,
		Fees:              fees,
		NetPnL:            netPnL,
		FillsBuy:          row.FillsBuy,
		FillsSell:         row.FillsSell,
		MaxDrawdown:       maxDrawdown,
		InventoryAvg:      invAvg,
		InventoryMax:      invMax,
		QuotedSpreadBps:   quotedSpread,
		CapturedSpreadBps: capturedSpread,
		ToxicityEMA:       toxicityEMA,
	}, nil
}

// Insert adds a single day-bucket metrics row, upserting on
// (symbol, day_bucket_start) so a re-run of the same day is idempotent.
func (r *metricsRepo) Insert(ctx context.Context, rec persistence.MetricsRecord) error {
	return r.InsertBatch(ctx, []persistence.MetricsRecord{rec})
}

// InsertBatch upserts multiple day-bucket metrics rows atomically.
func (r *metricsRepo) InsertBatch(ctx context.Context, recs []persistence.MetricsRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(recs)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO day_bucket_metrics (
			symbol, day_bucket_start, gross_pnl, fees, net_pnl, fills_buy, fills_sell,
			max_drawdown, inventory_avg, inventory_max, quoted_spread_bps,
			captured_spread_bps, toxicity_ema
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (symbol, day_bucket_start) DO UPDATE SET
			gross_pnl = EXCLUDED.gross_pnl, fees = EXCLUDED.fees, net_pnl = EXCLUDED.net_pnl,
			fills_buy = EXCLUDED.fills_buy, fills_sell = EXCLUDED.fills_sell,
			max_drawdown = EXCLUDED.max_drawdown, inventory_avg = EXCLUDED.inventory_avg,
			inventory_max = EXCLUDED.inventory_max, quoted_spread_bps = EXCLUDED.quoted_spread_bps,
			captured_spread_bps = EXCLUDED.captured_spread_bps, toxicity_ema = EXCLUDED.toxicity_ema`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		row := toRow(rec)
		_, err = stmt.ExecContext(ctx,
			row.Symbol, row.DayBucketStart, row.GrossPnL, row.Fees, row.NetPnL,
			row.FillsBuy, row.FillsSell, row.MaxDrawdown, row.InventoryAvg, row.InventoryMax,
			row.QuotedSpreadBps, row.CapturedSpreadBps, row.ToxicityEMA)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return fmt.Errorf("failed to insert metrics row (%s): %w", pqErr.Code, err)
			}
			return fmt.Errorf("failed to insert metrics row: %w", err)
		}
	}

	return tx.Commit()
}

// ListBySymbol retrieves metrics rows for a symbol within a time range.
func (r *metricsRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.MetricsRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, day_bucket_start, gross_pnl, fees, net_pnl, fills_buy, fills_sell,
			max_drawdown, inventory_avg, inventory_max, quoted_spread_bps,
			captured_spread_bps, toxicity_ema
		FROM day_bucket_metrics
		WHERE symbol = $1 AND day_bucket_start >= $2 AND day_bucket_start <= $3
		ORDER BY day_bucket_start DESC
		LIMIT $4`

	var rows []metricsRow
	if err := r.db.SelectContext(ctx, &rows, query, symbol, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to query metrics by symbol: %w", err)
	}
	return decodeRows(rows)
}

// GetLatest returns the most recent limit metrics rows for a symbol.
func (r *metricsRepo) GetLatest(ctx context.Context, symbol string, limit int) ([]persistence.MetricsRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, day_bucket_start, gross_pnl, fees, net_pnl, fills_buy, fills_sell,
			max_drawdown, inventory_avg, inventory_max, quoted_spread_bps,
			captured_spread_bps, toxicity_ema
		FROM day_bucket_metrics
		WHERE symbol = $1
		ORDER BY day_bucket_start DESC
		LIMIT $2`

	var rows []metricsRow
	if err := r.db.SelectContext(ctx, &rows, query, symbol, limit); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest metrics: %w", err)
	}
	return decodeRows(rows)
}

func decodeRows(rows []metricsRow) ([]persistence.MetricsRecord, error) {
	recs := make([]persistence.MetricsRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode metrics row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
