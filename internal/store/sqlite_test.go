package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/mock"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, "test", decimal.NewFromInt(100_000), mock.NewMockLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string) *core.Order {
	now := time.Now().UTC()
	return &core.Order{
		ID:                  id,
		SignalID:            "sig-" + id,
		Ticker:              "NVDA",
		Side:                core.SideBuy,
		Quantity:            decimal.NewFromInt(38),
		Type:                core.OrderTypeMarket,
		LimitPrice:          decimal.Zero,
		StopPrice:           decimal.Zero,
		IdempotencyKey:      "sig-" + id + "-1",
		Attempt:             1,
		Status:              core.OrderStatusPending,
		StateMachineVersion: 1,
		FilledQuantity:      decimal.Zero,
		AvgFillPrice:        decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestSignalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := &core.Signal{
		ID:              "sig-1",
		Ticker:          "NVDA",
		Type:            core.SignalBuy,
		ConfidenceScore: decimal.NewFromFloat(0.82),
		ModelVersion:    "v3.1.0",
		FeatureHash:     "abc123",
		Fingerprint:     "fp-1",
		State:           core.SignalStateGenerated,
		GeneratedAt:     time.Now().UTC().Truncate(time.Second),
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSignal(ctx, sig))

	got, err := s.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, sig.Ticker, got.Ticker)
	assert.Equal(t, sig.Type, got.Type)
	assert.True(t, got.ConfidenceScore.Equal(decimal.NewFromFloat(0.82)))

	byFp, err := s.GetSignalByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", byFp.ID)

	_, err = s.GetSignal(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrSignalNotFound)
}

func TestSaveSignal_DuplicateFingerprintRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	sig := &core.Signal{
		ID: "sig-1", Ticker: "NVDA", Type: core.SignalBuy,
		ConfidenceScore: decimal.NewFromFloat(0.82),
		ModelVersion:    "v3.1.0", FeatureHash: "abc123", Fingerprint: "fp-1",
		State:       core.SignalStateGenerated,
		GeneratedAt: at, CreatedAt: at,
	}
	require.NoError(t, s.SaveSignal(ctx, sig))

	// Same fingerprint and generation time: one row wins, the other is
	// refused at the constraint, never by a racy lookup.
	dup := *sig
	dup.ID = "sig-2"
	assert.ErrorIs(t, s.SaveSignal(ctx, &dup), apperrors.ErrDuplicateSignal)

	// A fresh generation of the same features is a distinct signal.
	later := *sig
	later.ID = "sig-3"
	later.GeneratedAt = at.Add(time.Minute)
	assert.NoError(t, s.SaveSignal(ctx, &later))
}

func TestUpdateSignalState_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := &core.Signal{
		ID: "sig-1", Ticker: "NVDA", Type: core.SignalBuy,
		ConfidenceScore: decimal.NewFromFloat(0.8),
		State:           core.SignalStateGenerated,
		GeneratedAt:     time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSignal(ctx, sig))

	require.NoError(t, s.UpdateSignalState(ctx, "sig-1", core.SignalStateGenerated, core.SignalStateQueued))

	// Transition from the wrong source state must fail.
	err := s.UpdateSignalState(ctx, "sig-1", core.SignalStateGenerated, core.SignalStateSkipped)
	assert.ErrorIs(t, err, apperrors.ErrVersionConflict)
}

func TestOrderLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-1")
	o.BrokerOrderID = "bo-99"
	require.NoError(t, s.SaveOrder(ctx, o))

	byID, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, byID.Quantity.Equal(decimal.NewFromInt(38)))

	byKey, err := s.GetOrderByIdempotencyKey(ctx, o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", byKey.ID)

	byBroker, err := s.GetOrderByBrokerID(ctx, "bo-99")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", byBroker.ID)

	_, err = s.GetOrderByIdempotencyKey(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestUpdateOrderCAS_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-1")
	require.NoError(t, s.SaveOrder(ctx, o))

	o.Status = core.OrderStatusSubmitted
	o.StateMachineVersion = 2
	require.NoError(t, s.UpdateOrderCAS(ctx, o, 1))

	// A writer still holding version 1 must lose.
	stale := testOrder("ord-1")
	stale.Status = core.OrderStatusAccepted
	stale.StateMachineVersion = 2
	err := s.UpdateOrderCAS(ctx, stale, 1)
	assert.ErrorIs(t, err, apperrors.ErrVersionConflict)

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmitted, got.Status)
	assert.Equal(t, int64(2), got.StateMachineVersion)
}

func TestInsertOrderStateEvent_Dedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &core.OrderStateEvent{
		OrderID:       "ord-1",
		BrokerEventID: "evt-1",
		NewStatus:     core.OrderStatusFilled,
		Source:        core.SourceBrokerWebhook,
		FilledQty:     decimal.NewFromInt(38),
		AvgPrice:      decimal.NewFromFloat(150.25),
		Timestamp:     time.Now().UTC(),
	}

	inserted, err := s.InsertOrderStateEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same broker event id for the same order is silently dropped.
	again, err := s.InsertOrderStateEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, again)

	// Same event id on a different order is a distinct event.
	other := *ev
	other.OrderID = "ord-2"
	inserted, err = s.InsertOrderStateEvent(ctx, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	events, err := s.ListOrderStateEvents(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Applied)

	require.NoError(t, s.MarkOrderStateEventApplied(ctx, "ord-1", "evt-1"))
	events, err = s.ListOrderStateEvents(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, events[0].Applied)
}

func TestListStuckOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testOrder("ord-old")
	old.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.SaveOrder(ctx, old))

	fresh := testOrder("ord-fresh")
	require.NoError(t, s.SaveOrder(ctx, fresh))

	done := testOrder("ord-done")
	done.Status = core.OrderStatusFilled
	done.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.SaveOrder(ctx, done))

	stuck, err := s.ListStuckOrders(ctx,
		[]core.OrderStatus{core.OrderStatusPending, core.OrderStatusSubmitted},
		time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "ord-old", stuck[0].ID)
}

func TestPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &core.Position{
		ID:            "pos-1",
		Ticker:        "NVDA",
		Quantity:      decimal.NewFromInt(38),
		AvgEntryPrice: decimal.NewFromFloat(150.25),
		CurrentPrice:  decimal.NewFromFloat(151.00),
		MarketValue:   decimal.NewFromFloat(5738.00),
		Open:          true,
		SignalIDs:     []string{"sig-1"},
		OrderIDs:      []string{"ord-1"},
		OpenedAt:      time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p))

	got, err := s.GetPosition(ctx, "NVDA")
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(38)))
	assert.Equal(t, []string{"sig-1"}, got.SignalIDs)

	n, err := s.CountOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Closing removes it from the open lookup.
	p.Open = false
	p.Quantity = decimal.Zero
	p.ClosedAt = time.Now().UTC()
	require.NoError(t, s.SavePosition(ctx, p))

	_, err = s.GetPosition(ctx, "NVDA")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestPortfolioStateSeededOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, "test", decimal.NewFromInt(100_000), mock.NewMockLogger())
	require.NoError(t, err)

	ctx := context.Background()
	ps, err := s.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, ps.Cash.Equal(decimal.NewFromInt(100_000)))

	ps.Cash = decimal.NewFromInt(94_200)
	require.NoError(t, s.SavePortfolioState(ctx, ps))
	require.NoError(t, s.Close())

	// Reopening must not reset the balance.
	s, err = NewSQLiteStore(dbPath, "test", decimal.NewFromInt(100_000), mock.NewMockLogger())
	require.NoError(t, err)
	defer s.Close()

	ps, err = s.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, ps.Cash.Equal(decimal.NewFromInt(94_200)))
	assert.True(t, ps.InitialCash.Equal(decimal.NewFromInt(100_000)))
}

func TestFillsOrderedByTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		f := &core.Fill{
			OrderID:   "ord-1",
			Ticker:    "NVDA",
			Side:      core.SideBuy,
			Quantity:  decimal.NewFromInt(int64(i + 1)),
			Price:     decimal.NewFromFloat(150),
			Timestamp: base.Add(offset),
		}
		require.NoError(t, s.SaveFill(ctx, f))
	}

	fills, err := s.ListFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	for i := 1; i < len(fills); i++ {
		assert.False(t, fills[i].Timestamp.Before(fills[i-1].Timestamp))
	}
}
