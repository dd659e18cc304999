// Package telemetry exposes the core's Prometheus metrics: per-tick
// latency, quote suppression reasons, fill rate, quoted spread, allocator
// zone, and circuit breaker state, all labeled by symbol.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SuppressionReason labels why a quote level was suppressed this tick.
type SuppressionReason string

const (
	ReasonCircuitBreak  SuppressionReason = "circuit_break"
	ReasonPositionLimit SuppressionReason = "position_limit"
	ReasonToxicity      SuppressionReason = "toxicity"
	ReasonFeeUnprofit   SuppressionReason = "fee_unprofitable"
	ReasonOneSidedGuard SuppressionReason = "one_sided_guard"
)

// Registry holds every metric the core exports. It owns a private
// prometheus.Registry rather than registering against the global default,
// so a process can run more than one Registry (e.g. one per test) without
// a duplicate-registration panic.
type Registry struct {
	registry *prometheus.Registry

	TickDuration         *prometheus.HistogramVec
	SuppressionReasons   *prometheus.CounterVec
	FillRate             *prometheus.GaugeVec
	QuotedSpreadBps      *prometheus.GaugeVec
	InventoryUtilization *prometheus.GaugeVec
	AllocatorZone        *prometheus.GaugeVec
	CircuitBreakerState  *prometheus.GaugeVec
	OrdersPlaced         *prometheus.CounterVec
	OrdersRejected       *prometheus.CounterVec
	CacheHitRatio        prometheus.Gauge
}

// NewRegistry builds and registers every metric.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mmcore_tick_duration_seconds",
				Help:    "Duration of one StrategyLoop.Tick call",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"symbol"},
		),

		SuppressionReasons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmcore_quote_suppressions_total",
				Help: "Total quote-level suppressions by reason",
			},
			[]string{"symbol", "reason"},
		),

		FillRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmcore_fill_rate",
				Help: "Rolling-window fill rate (fills / levels quoted)",
			},
			[]string{"symbol"},
		),

		QuotedSpreadBps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmcore_quoted_spread_bps",
				Help: "Current top-of-book quoted spread in basis points",
			},
			[]string{"symbol"},
		),

		InventoryUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmcore_inventory_utilization",
				Help: "abs(net_position_usd) / max_position_usd",
			},
			[]string{"symbol"},
		),

		AllocatorZone: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmcore_allocator_zone",
				Help: "MetaSupervisor zone (0=pause,1=punish,2=hold,3=reward)",
			},
			[]string{"symbol"},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmcore_breaker_state",
				Help: "Venue circuit breaker state (0=closed,1=half-open,2=open)",
			},
			[]string{"symbol"},
		),

		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmcore_orders_placed_total",
				Help: "Total orders placed by side",
			},
			[]string{"symbol", "side"},
		),

		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmcore_orders_rejected_total",
				Help: "Total order placements/modifies rejected by the venue",
			},
			[]string{"symbol", "kind"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mmcore_venue_cache_hit_ratio",
				Help: "Venue metadata cache hit ratio (0.0 to 1.0)",
			},
		),
	}

	reg.MustRegister(
		r.TickDuration,
		r.SuppressionReasons,
		r.FillRate,
		r.QuotedSpreadBps,
		r.InventoryUtilization,
		r.AllocatorZone,
		r.CircuitBreakerState,
		r.OrdersPlaced,
		r.OrdersRejected,
		r.CacheHitRatio,
	)
	return r
}

// ZoneValue maps an allocator.Zone-shaped string to the gauge's numeric
// encoding, kept here (rather than importing allocator) to avoid a
// telemetry->allocator dependency for a four-way label lookup.
func ZoneValue(zone string) float64 {
	switch zone {
	case "pause":
		return 0
	case "punish":
		return 1
	case "hold":
		return 2
	case "reward":
		return 3
	default:
		return 2
	}
}

// TickTimer measures one Tick call's wall-clock duration.
type TickTimer struct {
	reg    *Registry
	symbol string
	start  time.Time
}

// StartTick begins timing one StrategyLoop.Tick call for symbol.
func (r *Registry) StartTick(symbol string) *TickTimer {
	return &TickTimer{reg: r, symbol: symbol, start: time.Now()}
}

// Stop records the elapsed duration into the tick-duration histogram.
func (t *TickTimer) Stop() {
	t.reg.TickDuration.WithLabelValues(t.symbol).Observe(time.Since(t.start).Seconds())
}

// Handler returns the promhttp handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordSuppression increments the suppression counter for reason.
func (r *Registry) RecordSuppression(symbol string, reason SuppressionReason) {
	r.SuppressionReasons.WithLabelValues(symbol, string(reason)).Inc()
}

// RecordOrderPlaced increments the placed-orders counter for side ("buy"/"sell").
func (r *Registry) RecordOrderPlaced(symbol, side string) {
	r.OrdersPlaced.WithLabelValues(symbol, side).Inc()
}

// RecordOrderRejected increments the rejected-orders counter for kind
// (e.g. "rejected_cross", "rejected_invalid").
func (r *Registry) RecordOrderRejected(symbol, kind string) {
	r.OrdersRejected.WithLabelValues(symbol, kind).Inc()
}

// SetFillRate sets the current rolling fill rate gauge.
func (r *Registry) SetFillRate(symbol string, rate float64) {
	r.FillRate.WithLabelValues(symbol).Set(rate)
}

// SetQuotedSpreadBps sets the current quoted spread gauge.
func (r *Registry) SetQuotedSpreadBps(symbol string, bps float64) {
	r.QuotedSpreadBps.WithLabelValues(symbol).Set(bps)
}

// SetInventoryUtilization sets the current inventory-utilization gauge.
func (r *Registry) SetInventoryUtilization(symbol string, util float64) {
	r.InventoryUtilization.WithLabelValues(symbol).Set(util)
}

// SetAllocatorZone sets the allocator zone gauge from its string label.
func (r *Registry) SetAllocatorZone(symbol, zone string) {
	r.AllocatorZone.WithLabelValues(symbol).Set(ZoneValue(zone))
}

// SetCircuitBreakerState sets the breaker-state gauge (0/1/2).
func (r *Registry) SetCircuitBreakerState(symbol string, state float64) {
	r.CircuitBreakerState.WithLabelValues(symbol).Set(state)
}

// SetCacheHitRatio sets the venue metadata cache hit ratio gauge.
func (r *Registry) SetCacheHitRatio(ratio float64) {
	r.CacheHitRatio.Set(ratio)
}

// LogStartup emits a single structured log line confirming the metrics
// registry is live, matching the ambient startup-logging convention used
// across the core's other subsystems.
func (r *Registry) LogStartup() {
	log.Info().Msg("metrics registry initialized")
}
