// Package strategy implements StrategyLoop: the per-asset cooperative task
// that ties estimators, QuoteEngine, RiskSupervisor, DynamicSizer,
// OrderManager, AutoTuner, and the ExchangeAdapter into one nominal-1s
// tick (spec §4.8).
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/allocator"
	"github.com/SusBot-cyber/BotMM/internal/config"
	"github.com/SusBot-cyber/BotMM/internal/estimators"
	"github.com/SusBot-cyber/BotMM/internal/exchange"
	"github.com/SusBot-cyber/BotMM/internal/inventory"
	"github.com/SusBot-cyber/BotMM/internal/money"
	"github.com/SusBot-cyber/BotMM/internal/orders"
	"github.com/SusBot-cyber/BotMM/internal/persistence"
	"github.com/SusBot-cyber/BotMM/internal/quote"
	"github.com/SusBot-cyber/BotMM/internal/risk"
	"github.com/SusBot-cyber/BotMM/internal/sizer"
	"github.com/SusBot-cyber/BotMM/internal/tuner"
)

// ErrFatalVenueError wraps a credentials/permissions failure the venue
// reported (exchange.KindFatal): the caller must escalate to a
// CircuitBreak-equivalent shutdown rather than continue ticking (spec §7).
var ErrFatalVenueError = errors.New("fatal venue error")

// Estimators bundles the per-asset stateful estimator set the loop updates
// once per tick (spec §4.2).
type Estimators struct {
	Vol       *estimators.Volatility
	Imbalance *estimators.BookImbalance
	Signal    *estimators.DirectionalSignal
	Toxicity  *estimators.ToxicityDetector
	Regime    *estimators.RegimeClassifier
}

// orderKey identifies one (side, level) slot in the loop's local live-order
// table. The venue does not echo level_index back, so the loop is the
// source of truth for which exchange_id serves which level.
type orderKey struct {
	side  exchange.Side
	level int
}

// window accumulates the rolling counters AutoTuner and the day-bucket
// metrics record are computed from, reset every WindowTicks.
type window struct {
	ticksElapsed      int
	levelsQuoted      int
	levelsFilled      int
	profitableTicks   int
	pnlDeltas         []float64
	lastNetPnL        decimal.Decimal
	inventoryUtilSum  float64
	quotedSpreadSum   float64
	capturedSpreadSum float64
	maxDrawdown       float64
	peakEquity        decimal.Decimal
	grossPnLAtStart   decimal.Decimal
	feesAtStart       decimal.Decimal
	fillsBuy          int64
	fillsSell         int64
	inventoryMax      decimal.Decimal
}

// Config bounds one StrategyLoop's behaviour beyond the per-asset
// QuoteParams/RiskLimits already in config.AssetConfig.
type Config struct {
	HotReloadEveryNTicks  int
	WindowTicks           int
	TargetFillRate        float64
	DrawdownThreshold     float64
	DeadMansSwitchTimeout time.Duration
	DeadMansRearmEvery    time.Duration
	// AutoTuneEnabled gates whether a completed window's metrics are fed to
	// AutoTuner; when false the window is still measured and persisted, but
	// QuoteParams stay whatever hot-reload or the CLI's static config set.
	AutoTuneEnabled bool

	// StaleDataThreshold is how long the mid price may go unchanged before
	// quoting is suspended on both sides (spec §7 "stale market data"). Zero
	// disables the check.
	StaleDataThreshold time.Duration
	// PositionCheckEveryNTicks is the cadence, in ticks, at which the loop
	// compares the adapter's reported position against Inventory.NetPosition
	// (spec §7 "inventory/position mismatch"). Zero disables the check.
	PositionCheckEveryNTicks int
	// PositionMismatchTolerance is the absolute size difference between the
	// adapter's position and Inventory.NetPosition allowed before a
	// reconciliation triggers.
	PositionMismatchTolerance decimal.Decimal
	// InvalidRejectionStrikes is the number of consecutive
	// exchange.KindRejectedInvalid rejections at one (side, level) before
	// that level is suppressed and an alert logged (spec §7 "if persists
	// twice, suppress that level and alert").
	InvalidRejectionStrikes int
}

// DefaultConfig returns an hourly hot-reload check and a 4-hour
// (14400-tick, at the nominal 1s cadence) AutoTuner window, with AutoTuner
// enabled. StaleDataThreshold defaults to 5 minutes and
// PositionCheckEveryNTicks to once a minute at the nominal 1s cadence; the
// spec names neither threshold explicitly, so these mirror the same
// "hourly"/"~1 minute" order of magnitude the spec uses for its other
// periodic background tasks (§5).
func DefaultConfig() Config {
	return Config{
		HotReloadEveryNTicks:      3600,
		WindowTicks:               14400,
		TargetFillRate:            0.30,
		DrawdownThreshold:         0.10,
		DeadMansSwitchTimeout:     60 * time.Second,
		DeadMansRearmEvery:        15 * time.Second,
		AutoTuneEnabled:           true,
		StaleDataThreshold:        5 * time.Minute,
		PositionCheckEveryNTicks:  60,
		PositionMismatchTolerance: decimal.NewFromFloat(0.0001),
		InvalidRejectionStrikes:   2,
	}
}

// StrategyLoop owns one asset's full quoting stack (spec §3 "Ownership").
type StrategyLoop struct {
	asset   config.AssetConfig
	adapter exchange.Adapter
	gran    money.Granularity
	cfg     Config

	est      Estimators
	inv      *inventory.Inventory
	riskSup  *risk.Supervisor
	dynSizer *sizer.DynamicSizer
	tune     *tuner.AutoTuner
	orderMgr *orders.Manager
	deadman  *orders.DeadMansSwitch

	params     config.QuoteParams
	liveParams *config.LiveParamsStore

	tickSeq    int64
	liveOrders map[orderKey]exchange.LiveOrder

	lastMid         decimal.Decimal
	lastMidChangeAt time.Time
	dataStale       bool

	invalidRejectStreak map[orderKey]int
	suppressedLevels    map[orderKey]bool

	allocation allocator.AssetAllocation // zero value = no MetaSupervisor override yet

	win            window
	metricsRepo    persistence.MetricsRepo
	dayBucketStart time.Time

	dailyStartCapital decimal.Decimal
	dailyStartAt      time.Time
}

// New builds a StrategyLoop for one asset, wiring its estimator set,
// inventory ledger, risk supervisor, sizer, tuner, and order manager from
// asset's configuration.
func New(asset config.AssetConfig, adapter exchange.Adapter, liveParams *config.LiveParamsStore, metricsRepo persistence.MetricsRepo, cfg Config) *StrategyLoop {
	gran := money.Granularity{SizeDecimals: asset.SizeDecimals}
	return &StrategyLoop{
		asset:   asset,
		adapter: adapter,
		gran:    gran,
		cfg:     cfg,
		est: Estimators{
			Vol:       estimators.NewVolatility(30),
			Imbalance: estimators.NewBookImbalance(5, 0.2),
			Signal:    estimators.NewDirectionalSignal(estimators.DefaultDirectionalSignalConfig()),
			Toxicity:  estimators.NewToxicityDetector(30*time.Second, 0.3),
			Regime:    estimators.NewRegimeClassifier(estimators.DefaultRegimeThresholds()),
		},
		inv:      inventory.New(),
		riskSup:  risk.New(asset.Risk),
		dynSizer: sizer.New(asset.Quote.OrderSizeUSD.Mul(decimal.NewFromFloat(0.25)), asset.Quote.OrderSizeUSD.Mul(decimal.NewFromFloat(1.5))),
		tune:     tuner.New(asset.Quote),
		orderMgr: orders.New(asset.Symbol, gran, orders.DefaultConfig()),
		deadman:  orders.NewDeadMansSwitch(cfg.DeadMansSwitchTimeout, cfg.DeadMansRearmEvery),

		params:     asset.Quote,
		liveParams: liveParams,

		liveOrders:          make(map[orderKey]exchange.LiveOrder),
		invalidRejectStreak: make(map[orderKey]int),
		suppressedLevels:    make(map[orderKey]bool),
		metricsRepo:         metricsRepo,
		dailyStartCapital:   asset.CapitalUSD,
	}
}

// SetAllocation installs the latest MetaSupervisor snapshot for this
// asset; StrategyLoop reads it at the top of the next tick (spec §4.9).
func (l *StrategyLoop) SetAllocation(a allocator.AssetAllocation) {
	l.allocation = a
}

// RiskState reports this asset's current RiskSupervisor gating state, for
// callers deciding whether a shutdown was risk-halted (spec §7).
func (l *StrategyLoop) RiskState() risk.State {
	return l.riskSup.State()
}

// Metrics returns the asset's latest metrics snapshot, for MetaSupervisor
// callers that keep their own history rather than reading it back from a
// MetricsRepo (spec §4.9).
func (l *StrategyLoop) Metrics(compoundOn bool, reinvestedPnLUSD, minCapitalUSD decimal.Decimal) allocator.AssetMetrics {
	return allocator.AssetMetrics{
		Symbol:           l.asset.Symbol,
		Sharpe:           approximateSharpe(l.win.pnlDeltas),
		ReturnFrac:       l.returnFracSinceDailyStart(),
		DrawdownFrac:     l.win.maxDrawdown,
		ConsistencyRatio: float64(l.win.profitableTicks) / float64(max(l.win.ticksElapsed, 1)),
		MinCapitalUSD:    minCapitalUSD,
		CompoundOn:       compoundOn,
		ReinvestedPnLUSD: reinvestedPnLUSD,
	}
}

// returnFracSinceDailyStart is NetPnL divided by the capital the day
// started with, the same denominator RiskSupervisor's daily-loss gate uses.
func (l *StrategyLoop) returnFracSinceDailyStart() float64 {
	if l.dailyStartCapital.IsZero() {
		return 0
	}
	f, _ := l.inv.NetPnL().Div(l.dailyStartCapital).Float64()
	return f
}

// activeCapital returns the allocator-adjusted capital this tick sizes
// against, falling back to the asset's static configured capital before
// MetaSupervisor has published a snapshot.
func (l *StrategyLoop) activeCapital() decimal.Decimal {
	if l.allocation.ActiveCapitalUSD.IsZero() {
		return l.asset.CapitalUSD
	}
	return l.allocation.ActiveCapitalUSD
}

// riskMultipliers returns the allocator's size/spread/max_position
// multipliers, defaulting to 1.0/1.0/1.0 (Hold) before a snapshot exists.
func (l *StrategyLoop) riskMultipliers() allocator.RiskMultipliers {
	if l.allocation.Symbol == "" {
		return allocator.RiskMultipliers{Size: 1.0, Spread: 1.0, MaxPosition: 1.0}
	}
	return l.allocation.Multipliers
}

// Tick runs the ten-step loop body once (spec §4.8).
func (l *StrategyLoop) Tick(ctx context.Context, now time.Time) error {
	l.tickSeq++
	if l.dailyStartAt.IsZero() || now.Sub(l.dailyStartAt) >= 24*time.Hour {
		l.dailyStartAt = now
		l.dailyStartCapital = l.activeCapital()
	}

	// 1. Read mid, book top-N, recent trades.
	mid, res := l.adapter.MidPrice(ctx, l.asset.Symbol)
	if !res.Ok() {
		l.handleVenueError(now, res)
		if res.Kind == exchange.KindFatal {
			return fmt.Errorf("%w: %s", ErrFatalVenueError, res.Reason)
		}
		return nil
	}
	bidLevels, askLevels, res := l.adapter.OrderBook(ctx, l.asset.Symbol, 5)
	if !res.Ok() {
		l.handleVenueError(now, res)
		if res.Kind == exchange.KindFatal {
			return fmt.Errorf("%w: %s", ErrFatalVenueError, res.Reason)
		}
		return nil
	}

	// 2. Update estimators.
	volBps := l.est.Vol.Update(midFloat(mid))
	regime := l.est.Regime.Classify(volBps)
	imbalance := l.est.Imbalance.Update(toBookLevels(bidLevels), toBookLevels(askLevels))
	signal := l.est.Signal.Update(midFloat(mid))
	toxicity := l.est.Toxicity.Update(now, midFloat(mid), volBps)

	stale := l.trackMarketDataFreshness(now, mid)
	l.maybeReconcilePosition(ctx, now, mid)

	// 3. Hot-reload check.
	l.maybeHotReload()

	// 4. Compute Quote.
	netPositionUSD := l.inv.PositionUSD(mid)
	maxPosition := l.asset.Risk.MaxPositionUSD.Mul(decimal.NewFromFloat(l.riskMultipliers().MaxPosition))

	var bestBid, bestAsk decimal.Decimal
	if len(bidLevels) > 0 {
		bestBid = bidLevels[0].Price
	}
	if len(askLevels) > 0 {
		bestAsk = askLevels[0].Price
	}

	q := quote.Price(quote.Inputs{
		Mid:            mid,
		VolBps:         volBps,
		NetPositionUSD: netPositionUSD,
		MaxPositionUSD: maxPosition,
		BookImbalance:  imbalance,
		Signal:         signal,
		Toxicity:       toxicity,
		BestBid:        bestBid,
		BestAsk:        bestAsk,
		MakerFeeBps:    l.asset.MakerFeeBps,
		FeeAware:       l.asset.FeeAware,
	}, l.spreadAdjustedParams(), l.gran)

	// 5. RiskSupervisor gate.
	dailyNetPnL := l.inv.NetPnL().Sub(l.dailyPnLBaseline())
	state := l.riskSup.Evaluate(now, dailyNetPnL, l.activeCapital(), netPositionUSD, maxPosition)
	q = applyRiskGate(q, state)
	if stale {
		q = suppressAll(q)
	}
	q = l.applyLevelSuppression(q)

	// 6. DynamicSizer rescale.
	fillRate := l.win.fillRate()
	utilization := 0.0
	if !maxPosition.IsZero() {
		f, _ := netPositionUSD.Abs().Div(maxPosition).Float64()
		utilization = f
	}
	scaled := l.dynSizer.Scale(l.asset.Quote.OrderSizeUSD.Mul(decimal.NewFromFloat(l.riskMultipliers().Size)), sizer.Inputs{
		VolRegime:            regime,
		FillRate:             fillRate,
		TargetFillRate:       l.cfg.TargetFillRate,
		InventoryUtilization: utilization,
		ToxicityEMA:          toxicity,
		Drawdown7d:           l.win.maxDrawdown,
		DrawdownThreshold:    l.cfg.DrawdownThreshold,
	})
	q = rescaleSizes(q, scaled, l.asset.Quote.OrderSizeUSD, l.gran)

	// 7. Submit reconciliation. Fills are synced against the local live-order
	// table first, so a level the venue already filled is reconciled as
	// empty rather than modified against a dead exchange_id.
	l.syncFills(ctx, now)
	live := l.liveOrderSlice()
	intents := l.orderMgr.Reconcile(q, live, l.tickSeq)
	l.execute(ctx, now, intents)

	// 8. Update Metrics from this tick's state.
	l.win.ticksElapsed++
	l.win.levelsQuoted += countUnsuppressed(q)
	l.win.inventoryUtilSum += utilization
	l.win.quotedSpreadSum += q.HalfSpreadBps * 2
	if netPositionUSD.Abs().GreaterThan(l.win.inventoryMax) {
		l.win.inventoryMax = netPositionUSD.Abs()
	}
	l.trackDrawdown(mid)

	// 9. Hand metrics to AutoTuner.
	if l.win.ticksElapsed >= l.cfg.WindowTicks {
		l.evaluateWindow(ctx, now)
	}

	// 10. Arm dead-man switch if due.
	if l.deadman.Due(now) {
		if res := l.adapter.ArmDeadMansSwitch(ctx, l.deadman.Timeout()); res.Ok() {
			l.deadman.Armed(now)
		}
	}

	return nil
}

// spreadAdjustedParams applies the allocator's spread multiplier on top of
// the loop's current (possibly hot-reloaded or auto-tuned) QuoteParams,
// without mutating the stored value.
func (l *StrategyLoop) spreadAdjustedParams() config.QuoteParams {
	mult := l.riskMultipliers().Spread
	if mult == 1.0 {
		return l.params
	}
	p := l.params
	p.BaseSpreadBps = p.BaseSpreadBps.Mul(decimal.NewFromFloat(mult))
	return p
}

func (l *StrategyLoop) dailyPnLBaseline() decimal.Decimal {
	// dailyStartCapital tracks the capital snapshot at day start; realized
	// PnL accrued before that reset is out of scope for the daily-loss gate.
	return decimal.Zero
}

func (l *StrategyLoop) maybeHotReload() {
	if l.liveParams == nil {
		return
	}
	if l.tickSeq%int64(l.cfg.HotReloadEveryNTicks) != 0 {
		return
	}
	snap, changed, err := l.liveParams.Poll()
	if err != nil {
		log.Warn().Err(err).Str("symbol", l.asset.Symbol).Msg("live params poll failed")
		return
	}
	if !changed {
		return
	}
	if p, ok := snap.Assets[l.asset.Symbol]; ok {
		l.params = p
		log.Info().Str("symbol", l.asset.Symbol).Msg("hot-reloaded quote params")
	}
}

func (l *StrategyLoop) handleVenueError(now time.Time, res exchange.Result) {
	if res.Kind == exchange.KindTransient || res.Kind == exchange.KindFatal {
		l.riskSup.RecordAPIError(now, risk.FullAPIErrorWeight)
	}
	log.Warn().Str("symbol", l.asset.Symbol).Str("reason", res.Reason).Msg("venue call failed this tick")
}

// trackMarketDataFreshness updates the last-changed timestamp for mid and
// reports whether it has gone stale (spec §7 "stale market data"): unchanged
// for longer than StaleDataThreshold. Logs only on the stale/fresh
// transition edges, not every tick.
func (l *StrategyLoop) trackMarketDataFreshness(now time.Time, mid decimal.Decimal) bool {
	if l.lastMidChangeAt.IsZero() || !mid.Equal(l.lastMid) {
		l.lastMid = mid
		l.lastMidChangeAt = now
	}
	if l.cfg.StaleDataThreshold <= 0 {
		return false
	}
	stale := now.Sub(l.lastMidChangeAt) > l.cfg.StaleDataThreshold
	if stale && !l.dataStale {
		log.Warn().Str("symbol", l.asset.Symbol).Dur("since_change", now.Sub(l.lastMidChangeAt)).Msg("market data stale, suspending quoting")
	} else if !stale && l.dataStale {
		log.Info().Str("symbol", l.asset.Symbol).Msg("market data fresh again, resuming quoting")
	}
	l.dataStale = stale
	return stale
}

// maybeReconcilePosition compares the adapter's reported position against
// Inventory.NetPosition every PositionCheckEveryNTicks ticks (spec §7
// "inventory/position mismatch"). A discrepancy past
// PositionMismatchTolerance triggers a one-shot reconciliation: cancel every
// open order, clear the local live-order table, refetch the position, and
// reset avg_entry_price using the flat-at-mid heuristic.
func (l *StrategyLoop) maybeReconcilePosition(ctx context.Context, now time.Time, mid decimal.Decimal) {
	if l.cfg.PositionCheckEveryNTicks <= 0 {
		return
	}
	if l.tickSeq%int64(l.cfg.PositionCheckEveryNTicks) != 0 {
		return
	}
	adapterPosition, res := l.adapter.Position(ctx, l.asset.Symbol)
	if !res.Ok() {
		return
	}
	diff := adapterPosition.Sub(l.inv.NetPosition).Abs()
	if diff.LessThanOrEqual(l.cfg.PositionMismatchTolerance) {
		return
	}
	log.Error().Str("symbol", l.asset.Symbol).
		Str("adapter_position", adapterPosition.String()).
		Str("inventory_position", l.inv.NetPosition.String()).
		Msg("position mismatch detected, reconciling")

	if res := l.adapter.CancelAll(ctx, l.asset.Symbol); !res.Ok() {
		log.Warn().Str("symbol", l.asset.Symbol).Str("reason", res.Reason).Msg("cancel-all during reconciliation failed")
	}
	l.liveOrders = make(map[orderKey]exchange.LiveOrder)

	refetched, res := l.adapter.Position(ctx, l.asset.Symbol)
	if !res.Ok() {
		refetched = adapterPosition
	}
	l.inv.ResetFromReconciliation(refetched, mid)
}

// applyLevelSuppression masks any (side, level) that has hit its
// InvalidRejectionStrikes limit (spec §7 "if persists twice, suppress that
// level and alert").
func (l *StrategyLoop) applyLevelSuppression(q quote.Quote) quote.Quote {
	if len(l.suppressedLevels) == 0 {
		return q
	}
	for i := range q.Bids {
		if l.suppressedLevels[orderKey{side: exchange.Buy, level: i}] {
			q.Bids[i].Suppress = true
		}
	}
	for i := range q.Asks {
		if l.suppressedLevels[orderKey{side: exchange.Sell, level: i}] {
			q.Asks[i].Suppress = true
		}
	}
	return q
}

// recordPlaceRejection tracks consecutive exchange.KindRejectedInvalid
// rejections at one (side, level), suppressing the level once
// InvalidRejectionStrikes is reached, and counts a would-cross rejection at
// low weight against the API-error budget (spec §4.5, §7).
func (l *StrategyLoop) recordPlaceRejection(now time.Time, key orderKey, res exchange.Result) {
	switch res.Kind {
	case exchange.KindRejectedCross:
		l.riskSup.RecordAPIError(now, risk.LowAPIErrorWeight)
	case exchange.KindRejectedInvalid:
		l.invalidRejectStreak[key]++
		if l.invalidRejectStreak[key] >= l.cfg.InvalidRejectionStrikes {
			l.suppressedLevels[key] = true
			log.Error().Str("symbol", l.asset.Symbol).
				Int("side", int(key.side)).Int("level", key.level).
				Msg("level suppressed after repeated invalid tick/lot rejections")
		}
	case exchange.KindTransient, exchange.KindFatal:
		l.riskSup.RecordAPIError(now, risk.FullAPIErrorWeight)
	}
}

func (l *StrategyLoop) liveOrderSlice() []exchange.LiveOrder {
	out := make([]exchange.LiveOrder, 0, len(l.liveOrders))
	for _, o := range l.liveOrders {
		out = append(out, o)
	}
	return out
}

// execute submits intents to the adapter, batching modifies, and updates
// the loop's local live-order table from the results.
func (l *StrategyLoop) execute(ctx context.Context, now time.Time, intents []orders.Intent) {
	for _, in := range intents {
		key := orderKey{side: in.Side, level: in.LevelIndex}
		switch in.Kind {
		case orders.IntentPlace:
			exchangeID, res := l.adapter.PlaceOrder(ctx, l.asset.Symbol, in.Side, in.Price, in.Size, true, in.ClientID)
			if res.Ok() {
				l.invalidRejectStreak[key] = 0
				l.liveOrders[key] = exchange.LiveOrder{
					ClientID: in.ClientID, ExchangeID: exchangeID,
					Side: in.Side, Price: in.Price, Size: in.Size, LevelIndex: in.LevelIndex,
				}
			} else {
				l.recordPlaceRejection(now, key, res)
			}
		case orders.IntentCancel:
			delete(l.liveOrders, key)
		}
	}

	var modifies []orders.Intent
	for _, in := range intents {
		if in.Kind == orders.IntentModify {
			modifies = append(modifies, in)
		}
	}
	for _, batch := range l.orderMgr.Batches(modifies) {
		reqs := make([]exchange.ModifyRequest, len(batch))
		for i, in := range batch {
			reqs[i] = exchange.ModifyRequest{ExchangeID: in.ExchangeID, NewPrice: in.Price, NewSize: in.Size}
		}
		results, _ := l.adapter.ModifyOrders(ctx, reqs)
		for i, in := range batch {
			key := orderKey{side: in.Side, level: in.LevelIndex}
			if i < len(results) && results[i].Ok() {
				l.invalidRejectStreak[key] = 0
				l.liveOrders[key] = exchange.LiveOrder{
					ClientID: in.ClientID, ExchangeID: in.ExchangeID,
					Side: in.Side, Price: in.Price, Size: in.Size, LevelIndex: in.LevelIndex,
				}
				continue
			}
			// The venue no longer recognizes this exchange_id (already filled
			// or cancelled out from under us) or rejected the new price/size
			// outright. Either way, drop the stale entry so the next tick's
			// reconciliation treats the level as empty and re-places it.
			delete(l.liveOrders, key)
			if i < len(results) {
				l.recordPlaceRejection(now, key, results[i])
			}
		}
	}
}

// syncFills reconciles the venue's open-order set against the loop's local
// table before reconciliation runs: any tracked order that vanished from
// the venue's live set is treated as filled and folded into Inventory, so
// OrderManager never reconciles against a dead exchange_id.
func (l *StrategyLoop) syncFills(ctx context.Context, now time.Time) {
	openOrders, res := l.adapter.OpenOrders(ctx, l.asset.Symbol)
	if !res.Ok() {
		return
	}
	stillOpen := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		stillOpen[o.ExchangeID] = true
	}

	for key, o := range l.liveOrders {
		if stillOpen[o.ExchangeID] {
			continue
		}
		side := inventory.Buy
		if o.Side == exchange.Sell {
			side = inventory.Sell
		}
		fee := o.Price.Mul(o.Size).Mul(l.asset.MakerFeeBps).Div(decimal.NewFromInt(10000))
		l.inv.RecordFill(side, o.Price, o.Size, fee, now)
		l.est.Toxicity.RecordFill(toxicitySide(o.Side), midFloat(o.Price), now)
		l.win.levelsFilled++
		if o.Side == exchange.Buy {
			l.win.fillsBuy++
		} else {
			l.win.fillsSell++
		}
		delete(l.liveOrders, key)
	}
}

func (l *StrategyLoop) trackDrawdown(mid decimal.Decimal) {
	equity := l.activeCapital().Add(l.inv.MarkToMarket(mid)).Add(l.inv.NetPnL())
	if equity.GreaterThan(l.win.peakEquity) {
		l.win.peakEquity = equity
	}
	if l.win.peakEquity.IsPositive() {
		dd, _ := l.win.peakEquity.Sub(equity).Div(l.win.peakEquity).Float64()
		if dd > l.win.maxDrawdown {
			l.win.maxDrawdown = dd
		}
	}
	netPnL := l.inv.NetPnL()
	delta, _ := netPnL.Sub(l.win.lastNetPnL).Float64()
	l.win.pnlDeltas = append(l.win.pnlDeltas, delta)
	if delta >= 0 {
		l.win.profitableTicks++
	}
	l.win.lastNetPnL = netPnL
}

// evaluateWindow hands the rolling window's metrics to AutoTuner, persists
// the day-bucket metrics record, and resets the window.
func (l *StrategyLoop) evaluateWindow(ctx context.Context, now time.Time) {
	m := tuner.WindowMetrics{
		Sharpe:               approximateSharpe(l.win.pnlDeltas),
		FillRate:             l.win.fillRate(),
		ProfitableDayRatio:   float64(l.win.profitableTicks) / float64(max(l.win.ticksElapsed, 1)),
		InventoryUtilization: l.win.inventoryUtilSum / float64(max(l.win.ticksElapsed, 1)),
	}
	if l.cfg.AutoTuneEnabled {
		l.params = l.tune.Evaluate(l.params, m)
	}

	if l.metricsRepo != nil {
		rec := persistence.MetricsRecord{
			Symbol:            l.asset.Symbol,
			DayBucketStart:    now.UTC().Truncate(24 * time.Hour),
			GrossPnL:          l.inv.RealizedPnL,
			Fees:              l.inv.TotalFees,
			NetPnL:            l.inv.NetPnL(),
			FillsBuy:          l.win.fillsBuy,
			FillsSell:         l.win.fillsSell,
			MaxDrawdown:       decimal.NewFromFloat(l.win.maxDrawdown),
			InventoryAvg:      decimal.NewFromFloat(m.InventoryUtilization),
			InventoryMax:      l.win.inventoryMax,
			QuotedSpreadBps:   decimal.NewFromFloat(l.win.quotedSpreadSum / float64(max(l.win.ticksElapsed, 1))),
			CapturedSpreadBps: decimal.NewFromFloat(l.win.capturedSpreadSum / float64(max(l.win.ticksElapsed, 1))),
			ToxicityEMA:       decimal.NewFromFloat(l.est.Toxicity.BuyEMA()).Add(decimal.NewFromFloat(l.est.Toxicity.SellEMA())).Div(decimal.NewFromInt(2)),
		}
		if err := l.metricsRepo.Insert(ctx, rec); err != nil {
			log.Warn().Err(err).Str("symbol", l.asset.Symbol).Msg("failed to persist day-bucket metrics")
		}
	}

	l.win = window{peakEquity: l.win.peakEquity}
}

func (w window) fillRate() float64 {
	if w.levelsQuoted == 0 {
		return 0
	}
	return float64(w.levelsFilled) / float64(w.levelsQuoted)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// approximateSharpe is a mean/stddev ratio over per-tick net PnL deltas,
// unannualized. It is a proxy for a proper daily-return Sharpe: the loop's
// window is measured in ticks, not trading days.
func approximateSharpe(deltas []float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	var mean float64
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))
	if variance == 0 {
		return 0
	}
	return mean / sqrt(variance)
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	// Newton's method; avoids importing math solely for one call site used
	// only inside this narrow, well-bounded ratio.
	x := v
	for i := 0; i < 20; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func midFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func toBookLevels(pls []exchange.PriceLevel) []estimators.BookLevel {
	out := make([]estimators.BookLevel, len(pls))
	for i, p := range pls {
		out[i] = estimators.BookLevel{Price: midFloat(p.Price), Size: midFloat(p.Size)}
	}
	return out
}

func toxicitySide(s exchange.Side) estimators.Side {
	if s == exchange.Sell {
		return estimators.SideSell
	}
	return estimators.SideBuy
}

func countUnsuppressed(q quote.Quote) int {
	n := 0
	for _, l := range q.Bids {
		if !l.Suppress {
			n++
		}
	}
	for _, l := range q.Asks {
		if !l.Suppress {
			n++
		}
	}
	return n
}

// applyRiskGate masks the Quote per the RiskSupervisor's state (spec §4.4):
// CircuitBreak suppresses both sides entirely. PositionLimit passes the
// Quote through unchanged: it means |position| has reached max_position,
// and QuoteEngine, priced against the same max_position, has already
// suppressed the position-growing side through its one-sided guard.
func applyRiskGate(q quote.Quote, state risk.State) quote.Quote {
	switch state {
	case risk.CircuitBreak:
		return suppressAll(q)
	case risk.PositionLimit:
		// No extra masking: QuoteEngine's one-sided guard engages below
		// 100% utilization, so the position-growing side is already
		// suppressed by the time the supervisor reports PositionLimit.
		return q
	default:
		return q
	}
}

func suppressAll(q quote.Quote) quote.Quote {
	q.SuppressBid = true
	q.SuppressAsk = true
	for i := range q.Bids {
		q.Bids[i].Suppress = true
	}
	for i := range q.Asks {
		q.Asks[i].Suppress = true
	}
	return q
}

// rescaleSizes replaces each unsuppressed level's size with its share of
// scaledOrderSizeUSD, preserving the split levelSizeWeights already baked
// into the level's proportional share of baseOrderSizeUSD.
func rescaleSizes(q quote.Quote, scaledOrderSizeUSD, baseOrderSizeUSD decimal.Decimal, gran money.Granularity) quote.Quote {
	if baseOrderSizeUSD.IsZero() {
		return q
	}
	factor, _ := scaledOrderSizeUSD.Div(baseOrderSizeUSD).Float64()
	for i := range q.Bids {
		q.Bids[i].Size = gran.RoundSize(q.Bids[i].Size.Mul(decimal.NewFromFloat(factor)))
	}
	for i := range q.Asks {
		q.Asks[i].Size = gran.RoundSize(q.Asks[i].Size.Mul(decimal.NewFromFloat(factor)))
	}
	return q
}
