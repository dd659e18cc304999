// Command mmcore runs the market-making core: one StrategyLoop per
// configured asset, ticking on a nominal 1s cadence, with a MetaSupervisor
// rebalancing capital across them daily.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/SusBot-cyber/BotMM/internal/allocator"
	"github.com/SusBot-cyber/BotMM/internal/cache"
	"github.com/SusBot-cyber/BotMM/internal/config"
	"github.com/SusBot-cyber/BotMM/internal/exchange"
	botlog "github.com/SusBot-cyber/BotMM/internal/log"
	"github.com/SusBot-cyber/BotMM/internal/persistence"
	"github.com/SusBot-cyber/BotMM/internal/persistence/db"
	"github.com/SusBot-cyber/BotMM/internal/persistence/metricscsv"
	"github.com/SusBot-cyber/BotMM/internal/strategy"
	"github.com/SusBot-cyber/BotMM/internal/telemetry"
)

const appName = "mmcore"

// Exit codes (spec §6/§9).
const (
	exitOK                 = 0
	exitMisconfiguration   = 2
	exitUnrecoverableVenue = 3
	exitRiskHalted         = 4
)

// flags collects the parsed CLI surface (spec §6).
type flags struct {
	configPath   string
	symbol       string
	all          bool
	testnet      bool
	mainnet      bool
	capitalUSD   float64
	feeAware     bool
	toxicityGate bool
	autoTune     bool
	compound     bool
	logLevel     string
	logJSON      bool
	metricsAddr  string
	cacheAddr    string
	metricsDir   string
	postgresDSN  string
	liveParams   string
	tickInterval time.Duration
	mdWSURL      string
	seedMidUSD   float64
}

func main() {
	os.Exit(run())
}

func run() int {
	f := &flags{}
	cmd := &cobra.Command{
		Use:     appName,
		Short:   "Automated market-making core for a Hyperliquid-class perpetual futures venue",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainE(cmd, f)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&f.configPath, "config", "config/assets.yaml", "path to the asset configuration book")
	cmd.Flags().StringVar(&f.symbol, "symbol", "", "run a single asset by symbol")
	cmd.Flags().BoolVar(&f.all, "all", false, "run every asset in the configuration book")
	cmd.Flags().BoolVar(&f.testnet, "testnet", false, "connect to the venue's testnet (default; paper backend either way)")
	cmd.Flags().BoolVar(&f.mainnet, "mainnet", false, "connect to the venue's mainnet")
	cmd.Flags().Float64Var(&f.capitalUSD, "capital", 0, "USD capital given to every selected asset; the portfolio total is this times the asset count (0 = use each asset's configured capital_usd)")
	cmd.Flags().BoolVar(&f.feeAware, "fee-aware", false, "override every selected asset's fee_aware setting to true")
	cmd.Flags().BoolVar(&f.toxicityGate, "toxicity", false, "override every selected asset's toxicity_gate setting to true")
	cmd.Flags().BoolVar(&f.autoTune, "auto-tune", true, "let AutoTuner adjust QuoteParams from rolling window performance")
	cmd.Flags().BoolVar(&f.compound, "compound", false, "override every selected asset's compound setting to true")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "emit newline-delimited JSON logs instead of the console format")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	cmd.Flags().StringVar(&f.cacheAddr, "cache-addr", "", "redis address for the venue metadata cache (empty = in-memory)")
	cmd.Flags().StringVar(&f.metricsDir, "metrics-dir", "data/metrics", "directory for the metricscsv per-asset metrics store")
	cmd.Flags().StringVar(&f.postgresDSN, "postgres-dsn", "", "optional postgres DSN for enrichment metrics storage")
	cmd.Flags().StringVar(&f.liveParams, "live-params", "", "path to a live_params snapshot file for hot-reload (empty = disabled)")
	cmd.Flags().DurationVar(&f.tickInterval, "tick-interval", time.Second, "nominal tick cadence")
	cmd.Flags().StringVar(&f.mdWSURL, "md-ws-url", "", "public market-data websocket URL streaming allMids (empty = seed a static mid instead)")
	cmd.Flags().Float64Var(&f.seedMidUSD, "seed-mid", 0, "static mid price to seed the paper adapter with when --md-ws-url is empty")

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errMisconfiguration) {
			return exitMisconfiguration
		}
		if errors.Is(err, strategy.ErrFatalVenueError) {
			return exitUnrecoverableVenue
		}
		if errors.Is(err, errRiskHalted) {
			return exitRiskHalted
		}
		log.Error().Err(err).Msg("mmcore exited with error")
		return exitMisconfiguration
	}
	return exitOK
}

var (
	errMisconfiguration = errors.New("misconfiguration")
	errRiskHalted       = errors.New("risk-halted shutdown")
)

func mainE(cmd *cobra.Command, f *flags) error {
	logJSON := f.logJSON
	if !cmd.Flags().Changed("log-json") {
		logJSON = !botlog.IsInteractive()
	}
	botlog.Init(botlog.Config{Level: f.logLevel, JSON: logJSON})

	if f.testnet && f.mainnet {
		return fmt.Errorf("%w: --testnet and --mainnet are mutually exclusive", errMisconfiguration)
	}
	if f.symbol == "" && !f.all {
		return fmt.Errorf("%w: one of --symbol or --all is required", errMisconfiguration)
	}
	if f.mainnet {
		log.Warn().Msg("mainnet requested but only the paper execution backend is wired; no live venue credentials will be used")
	}

	book, err := config.LoadBook(f.configPath)
	if err != nil {
		return fmt.Errorf("%w: loading config book: %v", errMisconfiguration, err)
	}

	assets, err := selectAssets(book, f)
	if err != nil {
		return err
	}
	for i := range assets {
		applyOverrides(&assets[i], f)
		if err := assets[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", errMisconfiguration, err)
		}
	}

	metricsRepo, closeRepo, err := buildMetricsRepo(f)
	if err != nil {
		return fmt.Errorf("%w: %v", errMisconfiguration, err)
	}
	defer closeRepo()

	vcache := buildVenueCache(f)
	defer vcache.Close()

	reg := telemetry.NewRegistry()
	reg.LogStartup()
	go serveMetrics(f.metricsAddr, reg)

	var liveParams *config.LiveParamsStore
	if f.liveParams != "" {
		liveParams = config.NewLiveParamsStore(f.liveParams)
	}

	metadata := venueMetadataFor(assets)
	paper := exchange.NewPaperAdapter(metadata)

	closeFeed, err := seedPaperMids(cmd.Context(), f, assets, paper)
	if err != nil {
		return fmt.Errorf("%w: %v", errMisconfiguration, err)
	}
	defer closeFeed()

	loops := make(map[string]*strategy.AdaptiveStrategy, len(assets))
	throttle := exchange.NewThrottle(20.0, 10)
	for _, asset := range assets {
		breaker := exchange.NewBreakerAdapter(paper, exchange.DefaultBreakerConfig(asset.Symbol), func() {
			reg.RecordSuppression(asset.Symbol, telemetry.ReasonCircuitBreak)
		})
		adapter := exchange.NewThrottledAdapter(breaker, throttle)

		scfg := strategy.DefaultConfig()
		scfg.AutoTuneEnabled = f.autoTune

		loop := strategy.New(asset, adapter, liveParams, metricsRepo, scfg)
		loops[asset.Symbol] = strategy.NewAdaptive(loop, strategy.DefaultAdaptiveConfig())

		warmVenueMetadataCache(cmd.Context(), vcache, asset)
	}

	totalCapital := totalCapitalUSD(assets, f)
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	metaSup := allocator.New()
	allocState := allocator.EqualWeightState(symbols, totalCapital, time.Now())
	for sym, alloc := range allocState.PerAsset {
		loops[sym].SetAllocation(alloc)
	}

	return runLoop(cmd.Context(), f, assets, loops, metaSup, &allocState, reg, totalCapital)
}

// selectAssets resolves the --symbol/--all flags against the loaded book.
func selectAssets(book *config.Book, f *flags) ([]config.AssetConfig, error) {
	if f.symbol != "" {
		a, ok := book.Get(f.symbol)
		if !ok {
			return nil, fmt.Errorf("%w: symbol %q not found in config book", errMisconfiguration, f.symbol)
		}
		return []config.AssetConfig{a}, nil
	}
	assets := make([]config.AssetConfig, 0, len(book.Assets))
	for _, a := range book.Assets {
		assets = append(assets, a)
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: config book has no assets", errMisconfiguration)
	}
	return assets, nil
}

// applyOverrides layers CLI flags on top of an asset's configured values,
// only touching fields the user actually set on the command line.
func applyOverrides(a *config.AssetConfig, f *flags) {
	if f.feeAware {
		a.FeeAware = true
	}
	if f.toxicityGate {
		a.ToxicityGate = true
	}
	if f.compound {
		a.Compound = true
	}
	if f.capitalUSD > 0 {
		// Not split: every asset gets the full amount, and totalCapitalUSD
		// multiplies it by the asset count to get the portfolio total.
		a.CapitalUSD = decimal.NewFromFloat(f.capitalUSD)
	}
}

func totalCapitalUSD(assets []config.AssetConfig, f *flags) decimal.Decimal {
	if f.capitalUSD > 0 {
		return decimal.NewFromFloat(f.capitalUSD).Mul(decimal.NewFromInt(int64(len(assets))))
	}
	total := decimal.Zero
	for _, a := range assets {
		total = total.Add(a.CapitalUSD)
	}
	return total
}

func venueMetadataFor(assets []config.AssetConfig) map[string]exchange.AssetMetadata {
	out := make(map[string]exchange.AssetMetadata, len(assets))
	for _, a := range assets {
		out[a.Symbol] = exchange.AssetMetadata{
			Symbol:       a.Symbol,
			SizeDecimals: a.SizeDecimals,
			TickSize:     decimal.NewFromFloat(0.01),
		}
	}
	return out
}

// seedPaperMids gives paper a starting mid for every asset, then keeps it
// current: a live exchange.WSFeed if --md-ws-url is set, otherwise a
// one-time static seed from --seed-mid. The returned func stops the feed
// (a no-op when no feed was started) and must be deferred by the caller.
func seedPaperMids(ctx context.Context, f *flags, assets []config.AssetConfig, paper *exchange.PaperAdapter) (func(), error) {
	if f.mdWSURL == "" {
		mid := decimal.NewFromFloat(f.seedMidUSD)
		if mid.IsZero() {
			mid = decimal.NewFromInt(100)
		}
		for _, a := range assets {
			paper.SetMid(a.Symbol, mid)
		}
		return func() {}, nil
	}

	feed := exchange.NewWSFeed(exchange.DefaultWSFeedConfig(f.mdWSURL))
	if err := feed.Start(ctx); err != nil {
		return func() {}, fmt.Errorf("starting market data feed: %w", err)
	}
	for _, a := range assets {
		if err := feed.Subscribe(a.Symbol); err != nil {
			log.Warn().Err(err).Str("symbol", a.Symbol).Msg("market data feed subscribe failed")
		}
	}

	go func() {
		for update := range feed.Mids() {
			paper.SetMid(update.Symbol, update.Mid)
		}
	}()

	return func() {
		if err := feed.Close(); err != nil {
			log.Warn().Err(err).Msg("market data feed close failed")
		}
	}, nil
}

// warmVenueMetadataCache seeds the venue metadata cache for asset so a
// restart can skip refetching it from the venue; best-effort, logged but
// never fatal.
func warmVenueMetadataCache(ctx context.Context, vcache cache.VenueMetadataCache, asset config.AssetConfig) {
	if _, hit := vcache.Get(ctx, asset.Symbol); hit {
		return
	}
	meta := cache.VenueMetadata{
		Symbol:         asset.Symbol,
		SizeDecimals:   asset.SizeDecimals,
		PriceTick:      decimal.NewFromFloat(0.01),
		MinNotionalUSD: decimal.NewFromInt(10),
		MaxLeverage:    20,
		FetchedAt:      time.Now(),
	}
	if err := vcache.Set(ctx, meta, time.Hour); err != nil {
		log.Warn().Err(err).Str("symbol", asset.Symbol).Msg("failed to warm venue metadata cache")
	}
}

func buildVenueCache(f *flags) cache.VenueMetadataCache {
	if f.cacheAddr == "" {
		return cache.NewInMemoryCache()
	}
	return cache.NewRedisCache(f.cacheAddr, "", 0)
}

// buildMetricsRepo wires the mandatory metricscsv store and, if a DSN was
// given, layers a postgres enrichment store on top via multiMetricsRepo.
func buildMetricsRepo(f *flags) (persistence.MetricsRepo, func(), error) {
	csvStore, err := metricscsv.New(f.metricsDir)
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening metricscsv store: %w", err)
	}
	if f.postgresDSN == "" {
		return csvStore, func() {}, nil
	}

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = f.postgresDSN
	dbCfg.Enabled = true
	mgr, err := db.NewManager(dbCfg)
	if err != nil {
		log.Warn().Err(err).Msg("postgres enrichment store unavailable, continuing with metricscsv only")
		return csvStore, func() {}, nil
	}
	repo := &multiMetricsRepo{primary: csvStore, secondary: mgr.Repository()}
	return repo, func() { _ = mgr.Close() }, nil
}

// multiMetricsRepo writes every record to the mandatory metricscsv store
// and best-effort mirrors it to the optional postgres enrichment store;
// reads are always served from the primary store.
type multiMetricsRepo struct {
	primary   persistence.MetricsRepo
	secondary persistence.MetricsRepo
}

func (r *multiMetricsRepo) Insert(ctx context.Context, rec persistence.MetricsRecord) error {
	if err := r.primary.Insert(ctx, rec); err != nil {
		return err
	}
	if err := r.secondary.Insert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("postgres enrichment insert failed")
	}
	return nil
}

func (r *multiMetricsRepo) InsertBatch(ctx context.Context, recs []persistence.MetricsRecord) error {
	if err := r.primary.InsertBatch(ctx, recs); err != nil {
		return err
	}
	if err := r.secondary.InsertBatch(ctx, recs); err != nil {
		log.Warn().Err(err).Msg("postgres enrichment batch insert failed")
	}
	return nil
}

func (r *multiMetricsRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.MetricsRecord, error) {
	return r.primary.ListBySymbol(ctx, symbol, tr, limit)
}

func (r *multiMetricsRepo) GetLatest(ctx context.Context, symbol string, limit int) ([]persistence.MetricsRecord, error) {
	return r.primary.GetLatest(ctx, symbol, limit)
}

// serveMetrics exposes /metrics and /health behind the same
// request-ID/logging middleware chain the teacher's internal/interfaces/http
// server wraps its own routes in, minus the CORS and per-request timeout
// middleware the teacher needs for a browser-facing read API: this server
// has no browser client and every handler here already returns instantly.
func serveMetrics(addr string, reg *telemetry.Registry) {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(requestLoggingMiddleware)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a UUID, the same
// request-ID-then-log middleware ordering the teacher's HTTP server uses.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("metrics server request")
	})
}

// runLoop drives every asset's StrategyLoop on a shared ticker until the
// process is signalled to stop or an asset hits a fatal venue error, and
// runs the MetaSupervisor rebalancing pass once per UTC day.
func runLoop(
	ctx context.Context,
	f *flags,
	assets []config.AssetConfig,
	loops map[string]*strategy.AdaptiveStrategy,
	metaSup *allocator.MetaSupervisor,
	allocState *allocator.AllocatorState,
	reg *telemetry.Registry,
	totalCapital decimal.Decimal,
) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	lastRebalanceDay := -1

	for {
		select {
		case <-sigCtx.Done():
			log.Info().Msg("shutdown signal received")
			return finalRiskCheck(loops)
		case now := <-ticker.C:
			for _, asset := range assets {
				loop := loops[asset.Symbol]
				timer := reg.StartTick(asset.Symbol)
				err := loop.Tick(sigCtx, now)
				timer.Stop()
				if err != nil {
					log.Error().Err(err).Str("symbol", asset.Symbol).Msg("fatal venue error, halting")
					return err
				}
				reg.SetCircuitBreakerState(asset.Symbol, riskStateValue(loop.RiskState()))
			}
			if day := now.UTC().YearDay(); day != lastRebalanceDay {
				lastRebalanceDay = day
				rebalance(now, assets, loops, metaSup, allocState, totalCapital, reg)
			}
		}
	}
}

// rebalance runs one MetaSupervisor pass across every asset's latest
// in-process metrics and republishes the resulting AllocatorState.
func rebalance(
	now time.Time,
	assets []config.AssetConfig,
	loops map[string]*strategy.AdaptiveStrategy,
	metaSup *allocator.MetaSupervisor,
	allocState *allocator.AllocatorState,
	totalCapital decimal.Decimal,
	reg *telemetry.Registry,
) {
	metrics := make([]allocator.AssetMetrics, 0, len(assets))
	for _, asset := range assets {
		loop := loops[asset.Symbol]
		prior := allocState.PerAsset[asset.Symbol]
		reinvested := decimal.Zero
		if asset.Compound {
			reinvested = prior.ActiveCapitalUSD.Sub(prior.BaseCapitalUSD)
		}
		metrics = append(metrics, loop.Metrics(asset.Compound, reinvested, asset.CapitalUSD.Div(decimal.NewFromInt(4))))
	}

	*allocState = metaSup.Evaluate(now, metrics, *allocState, totalCapital)
	for sym, alloc := range allocState.PerAsset {
		loops[sym].SetAllocation(alloc)
		reg.SetAllocatorZone(sym, alloc.Zone.String())
	}
}

func finalRiskCheck(loops map[string]*strategy.AdaptiveStrategy) error {
	for symbol, loop := range loops {
		if loop.RiskState().String() == "CIRCUIT_BREAK" {
			log.Warn().Str("symbol", symbol).Msg("shutting down while risk-halted")
			return errRiskHalted
		}
	}
	return nil
}

func riskStateValue(s fmt.Stringer) float64 {
	switch s.String() {
	case "SAFE":
		return 0
	case "POSITION_LIMIT":
		return 1
	case "CIRCUIT_BREAK":
		return 2
	default:
		return -1
	}
}
