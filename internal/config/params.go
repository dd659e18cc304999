// Package config defines the core's immutable configuration values —
// QuoteParams, RiskLimits, and AssetConfig — and the YAML loader that
// builds them at startup, following the load/validate/default pattern the
// rest of the venue's guard configuration uses.
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// QuoteParams are the tunable inputs to the quote pricer. They are
// immutable; AutoTuner and hot-reload both produce a new QuoteParams value
// via Replace rather than mutating one in place.
type QuoteParams struct {
	BaseSpreadBps      decimal.Decimal `yaml:"base_spread_bps" json:"base_spread_bps"`
	VolMultiplier      decimal.Decimal `yaml:"vol_multiplier" json:"vol_multiplier"`
	InventorySkewFactor decimal.Decimal `yaml:"inventory_skew_factor" json:"inventory_skew_factor"`
	OrderSizeUSD       decimal.Decimal `yaml:"order_size_usd" json:"order_size_usd"`
	NumLevels          int             `yaml:"num_levels" json:"num_levels"`
	LevelSpacingBps    decimal.Decimal `yaml:"level_spacing_bps" json:"level_spacing_bps"`
	BiasStrength       decimal.Decimal `yaml:"bias_strength" json:"bias_strength"`
	MinSpreadBps       decimal.Decimal `yaml:"min_spread_bps" json:"min_spread_bps"`
	MaxSpreadBps       decimal.Decimal `yaml:"max_spread_bps" json:"max_spread_bps"`
}

// Validate enforces min <= base <= max and num_levels >= 1 (spec §3).
func (p QuoteParams) Validate() error {
	if p.NumLevels < 1 {
		return fmt.Errorf("num_levels must be >= 1, got %d", p.NumLevels)
	}
	if p.MinSpreadBps.GreaterThan(p.BaseSpreadBps) {
		return fmt.Errorf("min_spread_bps (%s) must be <= base_spread_bps (%s)", p.MinSpreadBps, p.BaseSpreadBps)
	}
	if p.BaseSpreadBps.GreaterThan(p.MaxSpreadBps) {
		return fmt.Errorf("base_spread_bps (%s) must be <= max_spread_bps (%s)", p.BaseSpreadBps, p.MaxSpreadBps)
	}
	return nil
}

// Replace returns a copy of p with fields overridden by the non-nil fields
// of patch, leaving p untouched — the only mutation path QuoteParams supports.
func (p QuoteParams) Replace(patch QuoteParamsPatch) QuoteParams {
	out := p
	if patch.BaseSpreadBps != nil {
		out.BaseSpreadBps = *patch.BaseSpreadBps
	}
	if patch.VolMultiplier != nil {
		out.VolMultiplier = *patch.VolMultiplier
	}
	if patch.InventorySkewFactor != nil {
		out.InventorySkewFactor = *patch.InventorySkewFactor
	}
	if patch.OrderSizeUSD != nil {
		out.OrderSizeUSD = *patch.OrderSizeUSD
	}
	if patch.NumLevels != nil {
		out.NumLevels = *patch.NumLevels
	}
	if patch.LevelSpacingBps != nil {
		out.LevelSpacingBps = *patch.LevelSpacingBps
	}
	if patch.BiasStrength != nil {
		out.BiasStrength = *patch.BiasStrength
	}
	if patch.MinSpreadBps != nil {
		out.MinSpreadBps = *patch.MinSpreadBps
	}
	if patch.MaxSpreadBps != nil {
		out.MaxSpreadBps = *patch.MaxSpreadBps
	}
	return out
}

// QuoteParamsPatch is a sparse override set applied via QuoteParams.Replace.
// Every field is a pointer so "unset" is distinguishable from "set to zero".
type QuoteParamsPatch struct {
	BaseSpreadBps       *decimal.Decimal
	VolMultiplier       *decimal.Decimal
	InventorySkewFactor *decimal.Decimal
	OrderSizeUSD        *decimal.Decimal
	NumLevels           *int
	LevelSpacingBps     *decimal.Decimal
	BiasStrength        *decimal.Decimal
	MinSpreadBps        *decimal.Decimal
	MaxSpreadBps        *decimal.Decimal
}

// RiskLimits bound a single asset's exposure. All fields must be > 0.
type RiskLimits struct {
	MaxPositionUSD    decimal.Decimal `yaml:"max_position_usd" json:"max_position_usd"`
	MaxDailyLoss      decimal.Decimal `yaml:"max_daily_loss" json:"max_daily_loss"` // fraction of capital
	MaxOpenOrders     int             `yaml:"max_open_orders" json:"max_open_orders"`
	CooldownSeconds   int             `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	APIErrorThreshold int             `yaml:"api_error_threshold" json:"api_error_threshold"`
}

// Validate enforces all fields > 0 (spec §3).
func (r RiskLimits) Validate() error {
	if !r.MaxPositionUSD.IsPositive() {
		return fmt.Errorf("max_position_usd must be > 0")
	}
	if !r.MaxDailyLoss.IsPositive() {
		return fmt.Errorf("max_daily_loss must be > 0")
	}
	if r.MaxOpenOrders <= 0 {
		return fmt.Errorf("max_open_orders must be > 0")
	}
	if r.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown_seconds must be > 0")
	}
	if r.APIErrorThreshold <= 0 {
		return fmt.Errorf("api_error_threshold must be > 0")
	}
	return nil
}

// AssetConfig is the immutable-for-the-tick configuration for one asset. It
// is replaced atomically on hot-reload (spec §3).
type AssetConfig struct {
	Symbol       string          `yaml:"symbol" json:"symbol"`
	SizeDecimals int32           `yaml:"size_decimals" json:"size_decimals"`
	MakerFeeBps  decimal.Decimal `yaml:"maker_fee_bps" json:"maker_fee_bps"`
	Quote        QuoteParams     `yaml:"quote" json:"quote"`
	Risk         RiskLimits      `yaml:"risk" json:"risk"`
	CapitalUSD   decimal.Decimal `yaml:"capital_usd" json:"capital_usd"`
	Compound     bool            `yaml:"compound" json:"compound"`
	FeeAware     bool            `yaml:"fee_aware" json:"fee_aware"`
	ToxicityGate bool            `yaml:"toxicity_gate" json:"toxicity_gate"`
}

// Validate runs QuoteParams and RiskLimits validation and checks the
// asset-level fields.
func (a AssetConfig) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.SizeDecimals < 0 {
		return fmt.Errorf("size_decimals must be >= 0")
	}
	if err := a.Quote.Validate(); err != nil {
		return fmt.Errorf("asset %s: %w", a.Symbol, err)
	}
	if err := a.Risk.Validate(); err != nil {
		return fmt.Errorf("asset %s: %w", a.Symbol, err)
	}
	if !a.CapitalUSD.IsPositive() {
		return fmt.Errorf("asset %s: capital_usd must be > 0", a.Symbol)
	}
	return nil
}

// Book is the full set of AssetConfig loaded at startup, keyed by symbol.
type Book struct {
	Assets map[string]AssetConfig `yaml:"assets"`
}

// LoadBook reads and validates an AssetConfig book from a YAML file,
// following the same read/unmarshal/wrap-error shape as the venue's other
// YAML config loaders.
func LoadBook(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset config: %w", err)
	}

	var book Book
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("failed to parse asset config YAML: %w", err)
	}

	for symbol, asset := range book.Assets {
		asset.Symbol = symbol
		if err := asset.Validate(); err != nil {
			return nil, fmt.Errorf("invalid asset config: %w", err)
		}
		book.Assets[symbol] = asset
	}

	return &book, nil
}

// Get returns the AssetConfig for symbol, or false if not present.
func (b *Book) Get(symbol string) (AssetConfig, bool) {
	a, ok := b.Assets[symbol]
	return a, ok
}
