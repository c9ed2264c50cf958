// Package sizing converts a signal plus a portfolio snapshot into an
// order quantity. Size is a pure function: no I/O, no clock, identical
// inputs always produce identical decisions.
package sizing

import (
	"signal_trader/internal/config"
	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Skip reasons returned when no order should be placed
const (
	SkipNonActionable    = "non_actionable_signal"
	SkipBelowConfidence  = "below_confidence_threshold"
	SkipDailyTradeLimit  = "daily_trade_limit_reached"
	SkipMaxPositions     = "max_positions_reached"
	SkipMaxExposure      = "max_exposure_reached"
	SkipNoPositionToSell = "no_position_to_sell"
	SkipZeroQuantity     = "zero_quantity"
	SkipInvalidPrice     = "invalid_price"
)

// Snapshot is the portfolio view the sizer decides against
type Snapshot struct {
	PortfolioValue   decimal.Decimal
	Cash             decimal.Decimal
	CurrentPrice     decimal.Decimal
	ExistingExposure decimal.Decimal // market value already held in the ticker
	ExistingQty      decimal.Decimal // shares already held in the ticker
	OpenPositions    int
	TradesToday      int
}

// Decision is the sizing outcome. Either Quantity is positive or
// SkipReason names why no order is placed.
type Decision struct {
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	SkipReason string
	Rationale  map[string]string
}

// Skipped reports whether the decision rejects the signal
func (d Decision) Skipped() bool {
	return d.SkipReason != ""
}

func skip(reason string, rationale map[string]string) Decision {
	return Decision{Quantity: decimal.Zero, SkipReason: reason, Rationale: rationale}
}

// Size computes the order quantity for a signal. The base allocation is
// a fixed fraction of portfolio value, scaled by how far the confidence
// score sits above the base confidence, then clamped by the single-trade
// and per-ticker exposure limits.
func Size(sig *core.Signal, snap Snapshot, cfg config.StrategyConfig) Decision {
	rationale := map[string]string{
		"confidence":      sig.ConfidenceScore.String(),
		"portfolio_value": snap.PortfolioValue.String(),
		"current_price":   snap.CurrentPrice.String(),
	}

	if !sig.Type.IsActionable() {
		return skip(SkipNonActionable, rationale)
	}

	threshold := decimal.NewFromFloat(cfg.MinConfidenceThreshold)
	if sig.ConfidenceScore.LessThan(threshold) {
		rationale["threshold"] = threshold.String()
		return skip(SkipBelowConfidence, rationale)
	}

	if snap.TradesToday >= cfg.MaxDailyTrades {
		return skip(SkipDailyTradeLimit, rationale)
	}

	if !snap.CurrentPrice.IsPositive() {
		return skip(SkipInvalidPrice, rationale)
	}

	side := sig.Type.Side()

	if side == core.SideSell && !snap.ExistingQty.IsPositive() {
		return skip(SkipNoPositionToSell, rationale)
	}

	if side == core.SideBuy && !snap.ExistingQty.IsPositive() &&
		snap.OpenPositions >= cfg.MaxPortfolioPositions {
		return skip(SkipMaxPositions, rationale)
	}

	// base allocation scaled by confidence above base
	base := snap.PortfolioValue.Mul(decimal.NewFromFloat(cfg.BasePositionSizePct))
	scale := decimal.NewFromInt(1).Add(
		decimal.NewFromFloat(cfg.ConfidenceMultiplier).Mul(
			sig.ConfidenceScore.Sub(decimal.NewFromFloat(cfg.BaseConfidence))))
	allocation := base.Mul(scale)
	rationale["base_allocation"] = base.String()
	rationale["scaled_allocation"] = allocation.String()

	// clamp to [0, max_single_trade_pct * portfolio_value]
	maxTrade := snap.PortfolioValue.Mul(decimal.NewFromFloat(cfg.MaxSingleTradePct))
	if allocation.GreaterThan(maxTrade) {
		allocation = maxTrade
		rationale["clamped_to"] = "max_single_trade_pct"
	}
	if allocation.IsNegative() {
		allocation = decimal.Zero
	}

	if side == core.SideBuy {
		// stay inside the per-ticker exposure limit
		maxExposure := snap.PortfolioValue.Mul(decimal.NewFromFloat(cfg.MaxPositionSizePct))
		headroom := maxExposure.Sub(snap.ExistingExposure)
		if !headroom.IsPositive() {
			rationale["max_exposure"] = maxExposure.String()
			return skip(SkipMaxExposure, rationale)
		}
		if allocation.GreaterThan(headroom) {
			allocation = headroom
			rationale["clamped_to"] = "max_position_size_pct"
		}
		if allocation.GreaterThan(snap.Cash) {
			allocation = snap.Cash
			rationale["clamped_to"] = "cash_available"
		}
	}

	quantity := allocation.Div(snap.CurrentPrice).Floor()

	if side == core.SideSell && quantity.GreaterThan(snap.ExistingQty) {
		quantity = snap.ExistingQty.Floor()
		rationale["clamped_to"] = "existing_position"
	}

	if !quantity.IsPositive() {
		rationale["allocation"] = allocation.String()
		return skip(SkipZeroQuantity, rationale)
	}

	rationale["quantity"] = quantity.String()

	return Decision{
		Quantity:  quantity,
		Rationale: rationale,
	}
}
