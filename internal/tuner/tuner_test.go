package tuner

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func defaults() config.QuoteParams {
	return config.QuoteParams{
		BaseSpreadBps:       d("2"),
		VolMultiplier:       d("1.5"),
		InventorySkewFactor: d("0.3"),
		OrderSizeUSD:        d("150"),
		NumLevels:           2,
		LevelSpacingBps:     d("1"),
		BiasStrength:        d("0.1"),
		MinSpreadBps:        d("2"),
		MaxSpreadBps:        d("100"),
	}
}

func TestEvaluate_NegativeSharpeWidensSpread(t *testing.T) {
	tu := New(defaults())
	out := tu.Evaluate(defaults(), WindowMetrics{Sharpe: -0.1, FillRate: 0.5, InventoryUtilization: 0.1})
	if !out.BaseSpreadBps.Equal(d("2.2")) {
		t.Fatalf("expected base_spread_bps widened by 10%% to 2.2, got %s", out.BaseSpreadBps)
	}
}

func TestEvaluate_LowFillRateTightensSpread(t *testing.T) {
	// Anchor the tuner's own default to 10 so the tighten move (-10%) stays
	// well inside the drift guard's 70% band.
	def := defaults()
	def.BaseSpreadBps = d("10")
	tu := New(def)
	out := tu.Evaluate(def, WindowMetrics{Sharpe: 1, FillRate: 0.05, InventoryUtilization: 0.1})
	if !out.BaseSpreadBps.Equal(d("9")) {
		t.Fatalf("expected base_spread_bps tightened by 10%% to 9, got %s", out.BaseSpreadBps)
	}
}

func TestEvaluate_SustainedHighInventoryUtilizationBumpsSkew(t *testing.T) {
	tu := New(defaults())
	params := defaults()

	// first window: high utilization but not yet sustained
	params = tu.Evaluate(params, WindowMetrics{Sharpe: 1, FillRate: 0.5, InventoryUtilization: 0.8})
	if !params.InventorySkewFactor.Equal(d("0.3")) {
		t.Fatalf("expected no change on first high-utilization window, got %s", params.InventorySkewFactor)
	}

	// second consecutive window: now sustained, bump applies
	params = tu.Evaluate(params, WindowMetrics{Sharpe: 1, FillRate: 0.5, InventoryUtilization: 0.8})
	if !params.InventorySkewFactor.Equal(d("0.35")) {
		t.Fatalf("expected inventory_skew_factor bumped to 0.35, got %s", params.InventorySkewFactor)
	}
}

func TestEvaluate_DriftGuardResetsToDefault(t *testing.T) {
	tu := New(defaults())
	params := defaults()
	params.BaseSpreadBps = d("10") // drifted 400% from default of 2

	out := tu.Evaluate(params, WindowMetrics{Sharpe: 1, FillRate: 0.5, InventoryUtilization: 0.1})
	if !out.BaseSpreadBps.Equal(d("2")) {
		t.Fatalf("expected drift guard to reset base_spread_bps to default 2, got %s", out.BaseSpreadBps)
	}
}

func TestEvaluate_OverlappingConditionsApplyOnlySharpeRule(t *testing.T) {
	// Sharpe<0 and FillRate<0.15 in the same window must not both fire;
	// spec §4.7 allows at most one adjustment per window, and Sharpe's
	// widen takes priority over fill-rate's tighten.
	tu := New(defaults())
	params := defaults()
	out := tu.Evaluate(params, WindowMetrics{Sharpe: -0.1, FillRate: 0.05, InventoryUtilization: 0.1})
	if !out.BaseSpreadBps.Equal(d("2.2")) {
		t.Fatalf("expected only the Sharpe widen to apply (2.2), got %s", out.BaseSpreadBps)
	}
}

func TestEvaluate_OverlappingSharpeAndInventoryAppliesOnlySharpeRule(t *testing.T) {
	tu := New(defaults())
	params := defaults()

	// prime a sustained-high-utilization streak
	params = tu.Evaluate(params, WindowMetrics{Sharpe: 1, FillRate: 0.5, InventoryUtilization: 0.8})

	// this window satisfies both the Sharpe rule and the now-sustained
	// inventory rule; only the higher-priority Sharpe widen may apply
	out := tu.Evaluate(params, WindowMetrics{Sharpe: -0.1, FillRate: 0.5, InventoryUtilization: 0.8})
	if !out.BaseSpreadBps.Equal(d("2.2")) {
		t.Fatalf("expected the Sharpe widen to apply, got base_spread_bps=%s", out.BaseSpreadBps)
	}
	if !out.InventorySkewFactor.Equal(d("0.3")) {
		t.Fatalf("expected inventory_skew_factor to stay unbumped this window, got %s", out.InventorySkewFactor)
	}
}

func TestEvaluate_InactiveWindowLeavesParamsUnchanged(t *testing.T) {
	tu := New(defaults())
	params := defaults()
	out := tu.Evaluate(params, WindowMetrics{Sharpe: 1, FillRate: 0.5, InventoryUtilization: 0.1})
	if !out.BaseSpreadBps.Equal(params.BaseSpreadBps) {
		t.Fatalf("expected unchanged base_spread_bps, got %s", out.BaseSpreadBps)
	}
	if !out.InventorySkewFactor.Equal(params.InventorySkewFactor) {
		t.Fatalf("expected unchanged inventory_skew_factor, got %s", out.InventorySkewFactor)
	}
}
