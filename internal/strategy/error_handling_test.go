package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/exchange"
)

func TestTick_StaleMarketDataSuspendsThenResumesQuoting(t *testing.T) {
	adapter := exchange.NewPaperAdapter(nil)
	adapter.SetMid("BTC", d("100"))
	loop, _ := newTestLoop(t, adapter)
	loop.cfg.StaleDataThreshold = 5 * time.Second

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := loop.Tick(context.Background(), now); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	open, _ := adapter.OpenOrders(context.Background(), "BTC")
	if len(open) == 0 {
		t.Fatal("expected resting orders while data is fresh")
	}

	// mid never changes; once StaleDataThreshold has elapsed both sides
	// must be suspended (spec §7 "stale market data").
	if err := loop.Tick(context.Background(), now.Add(10*time.Second)); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	open, _ = adapter.OpenOrders(context.Background(), "BTC")
	if len(open) != 0 {
		t.Fatalf("expected quoting suspended once data is stale, got %d resting orders", len(open))
	}
	if !loop.dataStale {
		t.Fatal("expected dataStale to be true once the threshold elapses")
	}

	// mid moves again: freshness resets and quoting resumes next tick.
	adapter.SetMid("BTC", d("101"))
	if err := loop.Tick(context.Background(), now.Add(11*time.Second)); err != nil {
		t.Fatalf("Tick 3: %v", err)
	}
	if loop.dataStale {
		t.Fatal("expected dataStale to clear once mid changes again")
	}
	open, _ = adapter.OpenOrders(context.Background(), "BTC")
	if len(open) == 0 {
		t.Fatal("expected quoting to resume once market data is fresh again")
	}
}

func TestMaybeReconcilePosition_MismatchTriggersFlatAtMidReset(t *testing.T) {
	adapter := exchange.NewPaperAdapter(nil)
	adapter.SetMid("BTC", d("100"))
	loop, _ := newTestLoop(t, adapter)
	loop.cfg.PositionCheckEveryNTicks = 1
	loop.cfg.PositionMismatchTolerance = d("0.0001")

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := loop.Tick(context.Background(), now); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	if !loop.inv.NetPosition.IsZero() {
		t.Fatalf("expected flat inventory before any fill, got %s", loop.inv.NetPosition)
	}

	// Cross the resting bid so the adapter's own position ledger moves,
	// independently of loop.inv (which only syncs fills later in Tick).
	adapter.CrossMid("BTC", d("80"))

	if err := loop.Tick(context.Background(), now.Add(time.Second)); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	if loop.inv.NetPosition.IsZero() {
		t.Fatal("expected reconciliation to adopt the adapter's non-zero position")
	}
	if !loop.inv.AvgEntryPrice.Equal(d("80")) {
		t.Fatalf("expected avg_entry_price reset to the reconciliation-time mid (80), got %s", loop.inv.AvgEntryPrice)
	}
	open, _ := adapter.OpenOrders(context.Background(), "BTC")
	if len(open) != 0 {
		t.Fatalf("expected reconciliation to cancel all open orders, got %d", len(open))
	}
	if len(loop.liveOrders) != 0 {
		t.Fatalf("expected the local live-order table cleared by reconciliation, got %d entries", len(loop.liveOrders))
	}
}

// rejectingAdapter wraps a PaperAdapter, forcing every PlaceOrder call to
// return a fixed exchange.ErrorKind instead of actually placing.
type rejectingAdapter struct {
	*exchange.PaperAdapter
	kind exchange.ErrorKind
}

func (r *rejectingAdapter) PlaceOrder(_ context.Context, _ string, _ exchange.Side, _, _ decimal.Decimal, _ bool, _ string) (string, exchange.Result) {
	return "", exchange.Result{Kind: r.kind, Reason: "forced for test"}
}

func TestExecute_WouldCrossRejectionCountsAtLowWeight(t *testing.T) {
	base := exchange.NewPaperAdapter(nil)
	base.SetMid("BTC", d("100"))
	loop, _ := newTestLoop(t, base)
	loop.adapter = &rejectingAdapter{PaperAdapter: base, kind: exchange.KindRejectedCross}

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := loop.Tick(context.Background(), now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// A single low-weight rejection (0.2) must stay well under the
	// APIErrorThreshold of 5 configured by testAsset().
	got := loop.riskSup.State()
	if got.String() != "SAFE" {
		t.Fatalf("expected a single would-cross rejection to stay Safe, got %s", got)
	}
}

func TestExecute_InvalidRejectionSuppressesLevelAfterTwoStrikes(t *testing.T) {
	base := exchange.NewPaperAdapter(nil)
	base.SetMid("BTC", d("100"))
	loop, _ := newTestLoop(t, base)
	loop.adapter = &rejectingAdapter{PaperAdapter: base, kind: exchange.KindRejectedInvalid}

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := loop.Tick(context.Background(), now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	bidKey := orderKey{side: exchange.Buy, level: 0}
	askKey := orderKey{side: exchange.Sell, level: 0}
	if !loop.suppressedLevels[bidKey] {
		t.Fatal("expected the bid level suppressed after two consecutive invalid-tick rejections")
	}
	if !loop.suppressedLevels[askKey] {
		t.Fatal("expected the ask level suppressed after two consecutive invalid-tick rejections")
	}
}
