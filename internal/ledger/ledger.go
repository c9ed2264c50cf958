// Package ledger is the sole writer of positions and the portfolio
// aggregate. Fills mutate positions under a lock; aggregates are always
// recomputed from the full fill history, never patched incrementally.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/audit"
	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger implements core.ILedger. A single mutex serializes all fill
// application; fills are infrequent enough that lock granularity per
// ticker would buy nothing.
type Ledger struct {
	mu        sync.Mutex
	store     core.IStore
	alerter   core.IAlerter
	audit     *audit.Recorder
	logger    core.ILogger
	strategy  string
	tolerance decimal.Decimal
}

func New(
	store core.IStore,
	alerter core.IAlerter,
	auditRec *audit.Recorder,
	logger core.ILogger,
	strategy string,
	tolerance decimal.Decimal,
) *Ledger {
	return &Ledger{
		store:     store,
		alerter:   alerter,
		audit:     auditRec,
		logger:    logger.WithField("component", "portfolio_ledger"),
		strategy:  strategy,
		tolerance: tolerance,
	}
}

// ApplyFill records the fill, updates the position with weighted-average
// cost basis, and rebuilds the portfolio aggregate from the fill
// history. The aggregate is never patched incrementally: cash, value,
// drawdown and the win/loss counters all come out of the fold.
func (l *Ledger) ApplyFill(ctx context.Context, o *core.Order, fillQty, fillPrice decimal.Decimal, at time.Time) (*core.Position, error) {
	if !fillQty.IsPositive() || !fillPrice.IsPositive() {
		return nil, fmt.Errorf("fill for order %s has non-positive qty or price", o.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f := &core.Fill{
		OrderID:   o.ID,
		Ticker:    o.Ticker,
		Side:      o.Side,
		Quantity:  fillQty,
		Price:     fillPrice,
		Timestamp: at,
	}
	if err := l.store.SaveFill(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to record fill: %w", err)
	}

	pos, err := l.applyToPosition(ctx, o, fillQty, fillPrice, at)
	if err != nil {
		return nil, err
	}

	ps, err := l.recomputeLocked(ctx)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Fill applied",
		"order_id", o.ID, "ticker", o.Ticker, "side", o.Side,
		"qty", fillQty.String(), "price", fillPrice.String(),
		"position_qty", pos.Quantity.String(), "cash", ps.Cash.StringFixed(2))

	return pos, nil
}

func (l *Ledger) applyToPosition(ctx context.Context, o *core.Order, qty, price decimal.Decimal, at time.Time) (*core.Position, error) {
	pos, err := l.store.GetPosition(ctx, o.Ticker)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return nil, fmt.Errorf("failed to load position for %s: %w", o.Ticker, err)
	}

	if pos == nil || !pos.Open {
		if o.Side == core.SideSell {
			return nil, fmt.Errorf("sell fill for %s with no open position: %w", o.Ticker, apperrors.ErrLedgerInconsistent)
		}
		pos = &core.Position{
			ID:       uuid.NewString(),
			Ticker:   o.Ticker,
			Open:     true,
			OpenedAt: at,
		}
	}

	switch o.Side {
	case core.SideBuy:
		// Weighted-average cost basis across lots.
		oldCost := pos.Quantity.Mul(pos.AvgEntryPrice)
		newQty := pos.Quantity.Add(qty)
		pos.AvgEntryPrice = oldCost.Add(qty.Mul(price)).Div(newQty)
		pos.Quantity = newQty

	case core.SideSell:
		if qty.GreaterThan(pos.Quantity) {
			return nil, fmt.Errorf("sell of %s exceeds position %s for %s: %w",
				qty, pos.Quantity, o.Ticker, apperrors.ErrLedgerInconsistent)
		}
		pnl := price.Sub(pos.AvgEntryPrice).Mul(qty)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.Quantity = pos.Quantity.Sub(qty)
		if m := telemetry.GetGlobalMetrics(); m.PnLRealizedTotal != nil {
			m.PnLRealizedTotal.Add(ctx, pnl.InexactFloat64())
		}
		if pos.Quantity.IsZero() {
			pos.Open = false
			pos.ClosedAt = at
		}
	}

	pos.CurrentPrice = price
	pos.MarketValue = pos.Quantity.Mul(price)
	pos.UnrealizedPnL = price.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	if pos.AvgEntryPrice.IsPositive() {
		pos.UnrealizedPnLPct = price.Sub(pos.AvgEntryPrice).Div(pos.AvgEntryPrice).Mul(decimal.NewFromInt(100))
	}
	pos.SignalIDs = appendUnique(pos.SignalIDs, o.SignalID)
	pos.OrderIDs = appendUnique(pos.OrderIDs, o.ID)
	pos.UpdatedAt = at

	if err := l.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to save position for %s: %w", o.Ticker, err)
	}
	return pos, nil
}

// CheckInvariant verifies cash + holdings matches the stored portfolio
// value within tolerance. On violation it recomputes everything from
// the fill history and raises a critical alert.
func (l *Ledger) CheckInvariant(ctx context.Context) error {
	l.mu.Lock()
	ps, err := l.store.GetPortfolioState(ctx)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	open, err := l.store.ListOpenPositions(ctx)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	holdings := decimal.Zero
	for _, p := range open {
		holdings = holdings.Add(p.MarketValue)
	}
	drift := ps.Cash.Add(holdings).Sub(ps.PortfolioValue).Abs()
	l.mu.Unlock()

	if drift.LessThanOrEqual(l.tolerance) {
		return nil
	}

	l.logger.Error("Ledger invariant violated",
		"drift", drift.String(), "cash", ps.Cash.String(),
		"holdings", holdings.String(), "portfolio_value", ps.PortfolioValue.String())
	l.alerter.Alert(ctx, alert.CategoryLedgerInconsistency,
		fmt.Sprintf("cash+holdings drifted %s from portfolio value", drift.StringFixed(4)),
		string(alert.Critical), map[string]string{"drift": drift.String()})

	if _, recErr := l.Recompute(ctx); recErr != nil {
		return fmt.Errorf("recompute after invariant violation failed: %w", recErr)
	}
	return fmt.Errorf("ledger drift %s exceeded tolerance %s: %w",
		drift, l.tolerance, apperrors.ErrLedgerInconsistent)
}

// Recompute rebuilds the portfolio aggregate from the complete fill
// history and records an audit entry for the repair.
func (l *Ledger) Recompute(ctx context.Context) (*core.PortfolioState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ps, err := l.recomputeLocked(ctx)
	if err != nil {
		return nil, err
	}

	l.audit.Record(ctx, core.AuditLedgerRecompute, "", "", map[string]string{
		"portfolio_value": ps.PortfolioValue.StringFixed(2),
		"cash":            ps.Cash.StringFixed(2),
	})
	l.logger.Info("Portfolio recomputed from fill history",
		"portfolio_value", ps.PortfolioValue.StringFixed(2), "cash", ps.Cash.StringFixed(2))

	return ps, nil
}

// recomputeLocked folds the fill history into a fresh portfolio state.
// The stored aggregate is a projection; this fold is the source of
// truth for cash, value, drawdown and the win/loss counters. Caller
// holds the lock.
func (l *Ledger) recomputeLocked(ctx context.Context) (*core.PortfolioState, error) {
	fills, err := l.store.ListFills(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fill history: %w", err)
	}
	ps, err := l.store.GetPortfolioState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio state: %w", err)
	}

	type book struct {
		qty      decimal.Decimal
		avgPrice decimal.Decimal
		last     decimal.Decimal
		realized decimal.Decimal
	}
	books := make(map[string]*book)

	cash := ps.InitialCash
	peak := cash
	maxDD := decimal.Zero
	wins, losses := 0, 0
	var tradePnLs []decimal.Decimal
	var equity []decimal.Decimal

	for _, f := range fills {
		b := books[f.Ticker]
		if b == nil {
			b = &book{}
			books[f.Ticker] = b
		}
		notional := f.Quantity.Mul(f.Price)
		if f.Side == core.SideBuy {
			oldCost := b.qty.Mul(b.avgPrice)
			b.qty = b.qty.Add(f.Quantity)
			b.avgPrice = oldCost.Add(notional).Div(b.qty)
			cash = cash.Sub(notional)
		} else {
			pnl := f.Price.Sub(b.avgPrice).Mul(f.Quantity)
			b.realized = b.realized.Add(pnl)
			b.qty = b.qty.Sub(f.Quantity)
			cash = cash.Add(notional)
			if b.qty.IsZero() {
				tradePnLs = append(tradePnLs, b.realized)
				if b.realized.IsPositive() {
					wins++
				} else {
					losses++
				}
				b.realized = decimal.Zero
				b.avgPrice = decimal.Zero
			}
		}
		b.last = f.Price

		value := cash
		for _, bb := range books {
			value = value.Add(bb.qty.Mul(bb.last))
		}
		equity = append(equity, value)
		if value.GreaterThan(peak) {
			peak = value
		}
		if peak.IsPositive() {
			dd := peak.Sub(value).Div(peak).Mul(decimal.NewFromInt(100))
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}

	ps.Cash = cash
	ps.PeakValue = peak
	ps.MaxDrawdownPct = maxDD
	ps.WinCount = wins
	ps.LossCount = losses
	ps.TotalTrades = wins + losses
	if ps.TotalTrades > 0 {
		ps.WinRate = decimal.NewFromInt(int64(wins)).
			Div(decimal.NewFromInt(int64(ps.TotalTrades))).
			Mul(decimal.NewFromInt(100))
	} else {
		ps.WinRate = decimal.Zero
	}
	ps.SharpeRatio, ps.SortinoRatio = riskRatios(equity)

	value := cash
	for _, b := range books {
		value = value.Add(b.qty.Mul(b.last))
	}
	ps.PortfolioValue = value
	ps.UpdatedAt = time.Now().UTC()

	if err := l.store.SavePortfolioState(ctx, ps); err != nil {
		return nil, fmt.Errorf("failed to save recomputed portfolio state: %w", err)
	}

	openCount := int64(0)
	for _, b := range books {
		if b.qty.IsPositive() {
			openCount++
		}
	}
	telemetry.GetGlobalMetrics().SetPortfolioGauges(
		ps.PortfolioValue.InexactFloat64(), ps.Cash.InexactFloat64(), openCount)

	return ps, nil
}

// riskRatios derives annualized Sharpe and Sortino ratios from the
// per-fill equity curve. Float64 is fine here: these are monitoring
// numbers, not money.
func riskRatios(equity []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(equity) < 3 {
		return decimal.Zero, decimal.Zero
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, equity[i].InexactFloat64()/prev-1)
	}
	if len(returns) < 2 {
		return decimal.Zero, decimal.Zero
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance, downVar := 0.0, 0.0
	downN := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVar += r * r
			downN++
		}
	}
	variance /= float64(len(returns) - 1)

	sharpe := 0.0
	if sd := math.Sqrt(variance); sd > 0 {
		sharpe = mean / sd * math.Sqrt(252)
	}
	sortino := 0.0
	if downN > 0 {
		if dsd := math.Sqrt(downVar / float64(downN)); dsd > 0 {
			sortino = mean / dsd * math.Sqrt(252)
		}
	}

	return decimal.NewFromFloat(sharpe).Round(4), decimal.NewFromFloat(sortino).Round(4)
}

func appendUnique(xs []string, x string) []string {
	if x == "" {
		return xs
	}
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
