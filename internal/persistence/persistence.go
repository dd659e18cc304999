// Package persistence defines the metrics-history contract MetaSupervisor
// reads: a rolling per-asset, per-day record of trading performance (spec
// §6, §4.9). metricscsv provides the mandatory columnar store; postgres/db
// provide an optional enrichment store for the same records.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MetricsRecord is one asset's rolling metrics for a single UTC day
// bucket, matching the persisted-state column list (spec §6).
type MetricsRecord struct {
	Symbol            string
	DayBucketStart    time.Time
	GrossPnL          decimal.Decimal
	Fees              decimal.Decimal
	NetPnL            decimal.Decimal
	FillsBuy          int64
	FillsSell         int64
	MaxDrawdown       decimal.Decimal
	InventoryAvg      decimal.Decimal
	InventoryMax      decimal.Decimal
	QuotedSpreadBps   decimal.Decimal
	CapturedSpreadBps decimal.Decimal
	ToxicityEMA       decimal.Decimal
}

// TimeRange bounds a query, inclusive on both ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// MetricsRepo is the read/write contract MetaSupervisor and the metrics
// writer use, satisfied by both metricscsv and postgres.
type MetricsRepo interface {
	Insert(ctx context.Context, rec MetricsRecord) error
	InsertBatch(ctx context.Context, recs []MetricsRecord) error
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]MetricsRecord, error)
	GetLatest(ctx context.Context, symbol string, limit int) ([]MetricsRecord, error)
}

// HealthCheck reports a store's current health.
type HealthCheck struct {
	Healthy        bool
	Errors         []string
	LastCheck      time.Time
	ResponseTimeMS int64
}

// RepositoryHealth is implemented by any store backing MetricsRepo.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
