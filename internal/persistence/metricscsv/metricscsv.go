// Package metricscsv implements the mandatory columnar persisted-metrics
// store (spec §6): one row per asset per UTC day bucket, appended to a
// per-symbol CSV file. This is the only contract the core guarantees to
// the backtester; postgres is an optional enrichment on top of it.
package metricscsv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/persistence"
)

var columns = []string{
	"day_bucket_start", "gross_pnl", "fees", "net_pnl", "fills_buy", "fills_sell",
	"max_drawdown", "inventory_avg", "inventory_max", "quoted_spread_bps",
	"captured_spread_bps", "toxicity_ema",
}

// Store appends and reads per-symbol metrics CSV files under dir, one file
// per symbol (<symbol>.csv), keeping the header row on first write.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating it if it doesn't exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metrics dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(symbol string) string {
	return filepath.Join(s.dir, symbol+".csv")
}

// Insert appends a single record.
func (s *Store) Insert(ctx context.Context, rec persistence.MetricsRecord) error {
	return s.InsertBatch(ctx, []persistence.MetricsRecord{rec})
}

// InsertBatch appends recs to their per-symbol files, writing a header
// first if the file is new. Records for different symbols are grouped and
// written to their own files.
func (s *Store) InsertBatch(_ context.Context, recs []persistence.MetricsRecord) error {
	bySymbol := make(map[string][]persistence.MetricsRecord)
	for _, r := range recs {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}

	for symbol, rs := range bySymbol {
		if err := s.appendSymbol(symbol, rs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendSymbol(symbol string, recs []persistence.MetricsRecord) error {
	path := s.pathFor(symbol)

	needsHeader := false
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open metrics file %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if needsHeader {
		if err := w.Write(columns); err != nil {
			return fmt.Errorf("write metrics header: %w", err)
		}
	}
	for _, rec := range recs {
		if err := w.Write(encodeRow(rec)); err != nil {
			return fmt.Errorf("write metrics row for %s: %w", symbol, err)
		}
	}
	return nil
}

func encodeRow(rec persistence.MetricsRecord) []string {
	return []string{
		rec.DayBucketStart.UTC().Format(time.RFC3339),
		rec.GrossPnL.String(),
		rec.Fees.String(),
		rec.NetPnL.String(),
		strconv.FormatInt(rec.FillsBuy, 10),
		strconv.FormatInt(rec.FillsSell, 10),
		rec.MaxDrawdown.String(),
		rec.InventoryAvg.String(),
		rec.InventoryMax.String(),
		rec.QuotedSpreadBps.String(),
		rec.CapturedSpreadBps.String(),
		rec.ToxicityEMA.String(),
	}
}

func decodeRow(symbol string, row []string) (persistence.MetricsRecord, error) {
	if len(row) != len(columns) {
		return persistence.MetricsRecord{}, fmt.Errorf("expected %d columns, got %d", len(columns), len(row))
	}
	t, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return persistence.MetricsRecord{}, fmt.Errorf("parse day_bucket_start: %w", err)
	}
	dec := func(s string) (decimal.Decimal, error) { return decimal.NewFromString(s) }

	grossPnL, err := dec(row[1])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	fees, err := dec(row[2])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	netPnL, err := dec(row[3])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	fillsBuy, err := strconv.ParseInt(row[4], 10, 64)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	fillsSell, err := strconv.ParseInt(row[5], 10, 64)
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	maxDrawdown, err := dec(row[6])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	invAvg, err := dec(row[7])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	invMax, err := dec(row[8])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	quotedSpread, err := dec(row[9])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	capturedSpread, err := dec(row[10])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}
	toxicityEMA, err := dec(row[11])
	if err != nil {
		return persistence.MetricsRecord{}, err
	}

	return persistence.MetricsRecord{
		Symbol:            symbol,
		DayBucketStart:    t,
		GrossPnL:          grossPnL,
		Fees:              fees,
		NetPnL:            netPnL,
		FillsBuy:          fillsBuy,
		FillsSell:         fillsSell,
		MaxDrawdown:       maxDrawdown,
		InventoryAvg:      invAvg,
		InventoryMax:      invMax,
		QuotedSpreadBps:   quotedSpread,
		CapturedSpreadBps: capturedSpread,
		ToxicityEMA:       toxicityEMA,
	}, nil
}

// ListBySymbol returns rec for symbol whose day_bucket_start falls within
// tr, most recent first, capped at limit (0 means unlimited).
func (s *Store) ListBySymbol(_ context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.MetricsRecord, error) {
	all, err := s.readAll(symbol)
	if err != nil {
		return nil, err
	}
	var filtered []persistence.MetricsRecord
	for _, r := range all {
		if !r.DayBucketStart.Before(tr.From) && !r.DayBucketStart.After(tr.To) {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].DayBucketStart.After(filtered[j].DayBucketStart) })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// GetLatest returns the most recent limit records for symbol.
func (s *Store) GetLatest(_ context.Context, symbol string, limit int) ([]persistence.MetricsRecord, error) {
	all, err := s.readAll(symbol)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DayBucketStart.After(all[j].DayBucketStart) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) readAll(symbol string) ([]persistence.MetricsRecord, error) {
	path := s.pathFor(symbol)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metrics file %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read metrics file %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	recs := make([]persistence.MetricsRecord, 0, len(rows)-1)
	for _, row := range rows[1:] { // skip header
		rec, err := decodeRow(symbol, row)
		if err != nil {
			return nil, fmt.Errorf("decode metrics row for %s: %w", symbol, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

var _ persistence.MetricsRepo = (*Store)(nil)
