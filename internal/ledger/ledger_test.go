package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/audit"
	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/mock"
	"signal_trader/internal/store"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerFixture struct {
	store   *store.SQLiteStore
	alerter *mock.MockAlerter
	ledger  *Ledger
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	logger := mock.NewMockLogger()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"),
		"test", decimal.NewFromInt(100_000), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alerter := mock.NewMockAlerter()
	auditRec := audit.NewRecorder(st, logger, config.StrategyConfig{})
	led := New(st, alerter, auditRec, logger, "test", decimal.NewFromFloat(0.01))
	return &ledgerFixture{store: st, alerter: alerter, ledger: led}
}

func buyOrder(id, ticker string) *core.Order {
	return &core.Order{
		ID:       id,
		SignalID: "sig-" + id,
		Ticker:   ticker,
		Side:     core.SideBuy,
		Quantity: decimal.NewFromInt(100),
	}
}

func sellOrder(id, ticker string) *core.Order {
	o := buyOrder(id, ticker)
	o.Side = core.SideSell
	return o
}

func TestApplyFill_OpensPosition(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	pos, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(38), decimal.NewFromFloat(150.25), time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(38)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromFloat(150.25)))
	assert.True(t, pos.Open)

	ps, err := f.store.GetPortfolioState(ctx)
	require.NoError(t, err)
	// 100000 - 38*150.25 = 94290.50
	assert.True(t, ps.Cash.Equal(decimal.NewFromFloat(94290.50)), "cash: %s", ps.Cash)
	// Value is conserved: cash + holdings at entry price = 100000.
	assert.True(t, ps.PortfolioValue.Equal(decimal.NewFromInt(100_000)),
		"portfolio value: %s", ps.PortfolioValue)
}

func TestApplyFill_WeightedAverageCostBasis(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(10), decimal.NewFromInt(100), time.Now().UTC())
	require.NoError(t, err)

	pos, err := f.ledger.ApplyFill(ctx, buyOrder("ord-2", "NVDA"),
		decimal.NewFromInt(30), decimal.NewFromInt(120), time.Now().UTC())
	require.NoError(t, err)

	// (10*100 + 30*120) / 40 = 115
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(115)),
		"avg entry: %s", pos.AvgEntryPrice)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(40)))
}

func TestApplyFill_SellRealizesPnLAndCloses(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(40), decimal.NewFromInt(100), time.Now().UTC())
	require.NoError(t, err)

	pos, err := f.ledger.ApplyFill(ctx, sellOrder("ord-2", "NVDA"),
		decimal.NewFromInt(40), decimal.NewFromInt(110), time.Now().UTC())
	require.NoError(t, err)

	assert.False(t, pos.Open)
	assert.True(t, pos.Quantity.IsZero())
	// (110-100)*40 = 400 profit
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(400)), "pnl: %s", pos.RealizedPnL)

	ps, err := f.store.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, ps.Cash.Equal(decimal.NewFromInt(100_400)), "cash: %s", ps.Cash)

	// Closing the round trip counts the trade without waiting for a
	// full recompute.
	assert.Equal(t, 1, ps.TotalTrades)
	assert.Equal(t, 1, ps.WinCount)
	assert.Equal(t, 0, ps.LossCount)
	assert.True(t, ps.WinRate.Equal(decimal.NewFromInt(100)), "win rate: %s", ps.WinRate)
}

func TestApplyFill_LosingCloseCountsLoss(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "COIN"),
		decimal.NewFromInt(20), decimal.NewFromInt(50), time.Now().UTC())
	require.NoError(t, err)

	_, err = f.ledger.ApplyFill(ctx, sellOrder("ord-2", "COIN"),
		decimal.NewFromInt(20), decimal.NewFromInt(45), time.Now().UTC())
	require.NoError(t, err)

	ps, err := f.store.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ps.TotalTrades)
	assert.Equal(t, 0, ps.WinCount)
	assert.Equal(t, 1, ps.LossCount)
	assert.True(t, ps.WinRate.IsZero(), "win rate: %s", ps.WinRate)
}

func TestApplyFill_PartialSellKeepsPositionOpen(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(40), decimal.NewFromInt(100), time.Now().UTC())
	require.NoError(t, err)

	pos, err := f.ledger.ApplyFill(ctx, sellOrder("ord-2", "NVDA"),
		decimal.NewFromInt(15), decimal.NewFromInt(110), time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, pos.Open)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(25)))
	// Cost basis is untouched by sells.
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(150)))
}

func TestApplyFill_OversellRejected(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(10), decimal.NewFromInt(100), time.Now().UTC())
	require.NoError(t, err)

	_, err = f.ledger.ApplyFill(ctx, sellOrder("ord-2", "NVDA"),
		decimal.NewFromInt(11), decimal.NewFromInt(100), time.Now().UTC())
	assert.ErrorIs(t, err, apperrors.ErrLedgerInconsistent)
}

func TestApplyFill_SellWithoutPositionRejected(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, sellOrder("ord-1", "NVDA"),
		decimal.NewFromInt(5), decimal.NewFromInt(100), time.Now().UTC())
	assert.ErrorIs(t, err, apperrors.ErrLedgerInconsistent)
}

func TestCheckInvariant_CleanLedgerPasses(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(38), decimal.NewFromFloat(150.25), time.Now().UTC())
	require.NoError(t, err)

	assert.NoError(t, f.ledger.CheckInvariant(ctx))
	assert.Empty(t, f.alerter.ByCategory(alert.CategoryLedgerInconsistency))
}

func TestCheckInvariant_DriftTriggersRecomputeAndAlert(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"),
		decimal.NewFromInt(40), decimal.NewFromInt(100), time.Now().UTC())
	require.NoError(t, err)

	// Corrupt the aggregate behind the ledger's back.
	ps, err := f.store.GetPortfolioState(ctx)
	require.NoError(t, err)
	ps.PortfolioValue = ps.PortfolioValue.Add(decimal.NewFromInt(500))
	require.NoError(t, f.store.SavePortfolioState(ctx, ps))

	err = f.ledger.CheckInvariant(ctx)
	assert.ErrorIs(t, err, apperrors.ErrLedgerInconsistent)
	assert.Len(t, f.alerter.ByCategory(alert.CategoryLedgerInconsistency), 1)

	// The recompute repaired the aggregate from the fill history.
	repaired, err := f.store.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, repaired.Cash.Equal(decimal.NewFromInt(96_000)), "cash: %s", repaired.Cash)
	assert.True(t, repaired.PortfolioValue.Equal(decimal.NewFromInt(100_000)),
		"value: %s", repaired.PortfolioValue)
}

func TestRecompute_RebuildsFromFillHistory(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Round trip: buy 40 @ 100, sell 40 @ 110 (+400); buy 20 @ 50,
	// sell 20 @ 45 (-100).
	_, err := f.ledger.ApplyFill(ctx, buyOrder("ord-1", "NVDA"), decimal.NewFromInt(40), decimal.NewFromInt(100), now)
	require.NoError(t, err)
	_, err = f.ledger.ApplyFill(ctx, sellOrder("ord-2", "NVDA"), decimal.NewFromInt(40), decimal.NewFromInt(110), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.ledger.ApplyFill(ctx, buyOrder("ord-3", "COIN"), decimal.NewFromInt(20), decimal.NewFromInt(50), now.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = f.ledger.ApplyFill(ctx, sellOrder("ord-4", "COIN"), decimal.NewFromInt(20), decimal.NewFromInt(45), now.Add(3*time.Minute))
	require.NoError(t, err)

	ps, err := f.ledger.Recompute(ctx)
	require.NoError(t, err)

	assert.True(t, ps.Cash.Equal(decimal.NewFromInt(100_300)), "cash: %s", ps.Cash)
	assert.Equal(t, 2, ps.TotalTrades)
	assert.Equal(t, 1, ps.WinCount)
	assert.Equal(t, 1, ps.LossCount)
	assert.True(t, ps.WinRate.Equal(decimal.NewFromInt(50)), "win rate: %s", ps.WinRate)
	assert.True(t, ps.MaxDrawdownPct.GreaterThan(decimal.Zero),
		"the losing trade must register as drawdown")
}

func TestRecompute_EmptyHistory(t *testing.T) {
	f := newLedgerFixture(t)

	ps, err := f.ledger.Recompute(context.Background())
	require.NoError(t, err)
	assert.True(t, ps.Cash.Equal(decimal.NewFromInt(100_000)))
	assert.Equal(t, 0, ps.TotalTrades)
	assert.True(t, ps.SharpeRatio.IsZero())
}
