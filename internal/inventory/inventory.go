// Package inventory tracks one asset's net position, FIFO-weighted average
// entry price, realised/unrealised PnL, and fee accounting (spec §4.3).
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a fill direction.
type Side int

const (
	Buy Side = iota
	Sell
)

// signedDelta returns the position delta a fill of this side and size
// contributes: positive for Buy, negative for Sell.
func (s Side) signedDelta(size decimal.Decimal) decimal.Decimal {
	if s == Sell {
		return size.Neg()
	}
	return size
}

// FillEvent is emitted by record_fill for downstream metrics/telemetry.
type FillEvent struct {
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time

	RealizedPnLDelta decimal.Decimal
}

// Inventory is one asset's position and PnL state. Fee sign convention:
// positive fee is a cost, negative is a rebate (spec §9).
type Inventory struct {
	NetPosition   decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	TotalFees     decimal.Decimal

	CumulativeVolume decimal.Decimal
	BuyFillCount     int
	SellFillCount    int
}

// New returns a flat Inventory with all fields zeroed.
func New() *Inventory {
	return &Inventory{
		NetPosition:      decimal.Zero,
		AvgEntryPrice:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		TotalFees:        decimal.Zero,
		CumulativeVolume: decimal.Zero,
	}
}

// RecordFill applies a fill: it updates net_position, recomputes
// avg_entry_price using FIFO realisation against the opposing direction,
// realises PnL on reducing fills, and accrues the fee (spec §4.3).
func (inv *Inventory) RecordFill(side Side, price, size, fee decimal.Decimal, at time.Time) FillEvent {
	delta := side.signedDelta(size)
	before := inv.NetPosition

	var realizedDelta decimal.Decimal

	sameSign := before.IsZero() || before.Sign() == delta.Sign()

	if sameSign {
		// Opening or adding to a position: fold the new fill into the
		// weighted average entry price.
		inv.AvgEntryPrice = weightedAverage(before, inv.AvgEntryPrice, delta, price)
		inv.NetPosition = before.Add(delta)
	} else {
		// Reducing or flipping: the portion up to |before| realises PnL
		// against the existing avg_entry_price.
		reduceSize := decimal.Min(before.Abs(), delta.Abs())
		// PnL sign follows the position being closed: closing a long
		// (before > 0) realises (price - avg_entry) * reduceSize; closing a
		// short realises (avg_entry - price) * reduceSize.
		if before.IsPositive() {
			realizedDelta = price.Sub(inv.AvgEntryPrice).Mul(reduceSize)
		} else {
			realizedDelta = inv.AvgEntryPrice.Sub(price).Mul(reduceSize)
		}
		inv.RealizedPnL = inv.RealizedPnL.Add(realizedDelta)
		inv.NetPosition = before.Add(delta)

		if inv.NetPosition.IsZero() {
			inv.AvgEntryPrice = decimal.Zero
		} else if before.Sign() != inv.NetPosition.Sign() {
			// The fill flipped the position: the remainder past flat opens
			// a fresh position at this fill's price.
			inv.AvgEntryPrice = price
		}
		// If the position shrank but kept its sign, avg_entry_price is
		// unchanged — FIFO realisation only affects the closed portion.
	}

	inv.TotalFees = inv.TotalFees.Add(fee)
	inv.CumulativeVolume = inv.CumulativeVolume.Add(size)
	if side == Buy {
		inv.BuyFillCount++
	} else {
		inv.SellFillCount++
	}

	return FillEvent{
		Side:             side,
		Price:            price,
		Size:             size,
		Fee:              fee,
		Timestamp:        at,
		RealizedPnLDelta: realizedDelta,
	}
}

// weightedAverage folds a new fill of the same sign into a FIFO-weighted
// average entry price.
func weightedAverage(existingQty, existingPrice, addQty, addPrice decimal.Decimal) decimal.Decimal {
	if existingQty.IsZero() {
		return addPrice
	}
	existingNotional := existingQty.Abs().Mul(existingPrice)
	addNotional := addQty.Abs().Mul(addPrice)
	totalQty := existingQty.Abs().Add(addQty.Abs())
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return existingNotional.Add(addNotional).Div(totalQty)
}

// MarkToMarket returns the unrealised PnL at the given mid price:
// (mid - avg_entry_price) * net_position, sign-aware. Exactly zero when
// net_position is zero (spec §4.3 invariant).
func (inv *Inventory) MarkToMarket(mid decimal.Decimal) decimal.Decimal {
	if inv.NetPosition.IsZero() {
		return decimal.Zero
	}
	return mid.Sub(inv.AvgEntryPrice).Mul(inv.NetPosition)
}

// NetPnL returns realised PnL minus total fees (positive fee is a cost).
func (inv *Inventory) NetPnL() decimal.Decimal {
	return inv.RealizedPnL.Sub(inv.TotalFees)
}

// PositionUSD returns the signed inventory value at the given mid.
func (inv *Inventory) PositionUSD(mid decimal.Decimal) decimal.Decimal {
	return inv.NetPosition.Mul(mid)
}

// IsFlat reports whether net_position is exactly zero.
func (inv *Inventory) IsFlat() bool {
	return inv.NetPosition.IsZero()
}

// ResetFromReconciliation overwrites NetPosition with the venue's freshly
// refetched position after a position-mismatch reconciliation (spec §7):
// the adapter's reported position is trusted going forward. The true
// historical entry price for whatever produced the discrepancy is
// unknowable, so avg_entry_price is reset using the flat-at-mid heuristic
// — priced at the current mid rather than guessing a stale or fabricated
// entry. RealizedPnL and TotalFees are untouched: they reflect fills this
// Inventory actually observed and recorded, which the mismatch doesn't
// retroactively invalidate.
func (inv *Inventory) ResetFromReconciliation(adapterPosition, mid decimal.Decimal) {
	inv.NetPosition = adapterPosition
	if adapterPosition.IsZero() {
		inv.AvgEntryPrice = decimal.Zero
	} else {
		inv.AvgEntryPrice = mid
	}
}
