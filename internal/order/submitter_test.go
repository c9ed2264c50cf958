package order

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
	"signal_trader/internal/sizing"
	"signal_trader/internal/store"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitterFixture struct {
	store     *store.SQLiteStore
	broker    *mock.MockBroker
	alerter   *mock.MockAlerter
	submitter *Submitter
}

func newSubmitterFixture(t *testing.T) *submitterFixture {
	t.Helper()
	logger := mock.NewMockLogger()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"),
		"test", decimal.NewFromInt(100_000), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := mock.NewMockBroker()
	alerter := mock.NewMockAlerter()
	auditRec := audit.NewRecorder(st, logger, config.StrategyConfig{})

	sub := NewSubmitter(st, broker, auditRec, alerter, logger, nil)
	sub.policy = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return &submitterFixture{store: st, broker: broker, alerter: alerter, submitter: sub}
}

func (f *submitterFixture) seedSignal(t *testing.T, id string) *core.Signal {
	t.Helper()
	sig := &core.Signal{
		ID:              id,
		Ticker:          "NVDA",
		Type:            core.SignalBuy,
		ConfidenceScore: decimal.NewFromFloat(0.82),
		State:           core.SignalStateGenerated,
		GeneratedAt:     time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveSignal(context.Background(), sig))
	require.NoError(t, f.store.UpdateSignalState(context.Background(), id,
		core.SignalStateGenerated, core.SignalStateQueued))
	sig.State = core.SignalStateQueued
	return sig
}

func marketDecision(qty int64) sizing.Decision {
	return sizing.Decision{Quantity: decimal.NewFromInt(qty)}
}

func TestSubmit_PersistsBeforeBrokerCall(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	o, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.NoError(t, err)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmitted, stored.Status)
	assert.Equal(t, "sig-1-1", stored.IdempotencyKey)
	assert.NotEmpty(t, stored.BrokerOrderID)

	// The submit transition is on the event log.
	events, err := f.store.ListOrderStateEvents(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.OrderStatusSubmitted, events[0].NewStatus)
	assert.Equal(t, core.SourceInternal, events[0].Source)
	assert.True(t, events[0].Applied)
}

func TestSubmit_IdempotentOnRetry(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	first, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.NoError(t, err)

	// Redelivery of the same signal reuses the stored order; the broker
	// never sees a second create.
	calls := f.broker.PlaceCalls()
	second, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, calls, f.broker.PlaceCalls())
}

func TestSubmit_TerminalBrokerErrorRejectsOrder(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	f.broker.FailWith = apperrors.ErrInsufficientFunds

	o, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusRejected, o.Status)
	assert.Contains(t, o.RejectReason, "insufficient")

	// Terminal errors burn exactly one broker call, no retries.
	assert.Equal(t, 1, f.broker.PlaceCalls())

	storedSig, err := f.store.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, core.SignalStateSkipped, storedSig.State)
}

func TestSubmit_TransientErrorRetriesThenSucceeds(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	f.broker.FailWith = apperrors.ErrNetwork
	f.broker.Failures = 1

	o, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmitted, o.Status)
	assert.Equal(t, 2, f.broker.PlaceCalls())
}

func TestSubmit_TransientExhaustionLeavesOrderPending(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	f.broker.FailWith = apperrors.ErrBrokerUnavailable

	o, err := f.submitter.Submit(ctx, sig, marketDecision(38))
	require.Error(t, err)

	// The broker may have received the request; only the sweeper gets to
	// decide the final state from ground truth.
	stored, storeErr := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, storeErr)
	assert.Equal(t, core.OrderStatusPending, stored.Status)

	alerts := f.alerter.ByCategory(alert.CategorySubmissionFailed)
	require.Len(t, alerts, 1)
}

func TestMarkSubmitted_CASConflictLeavesEventUnapplied(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	f.seedSignal(t, "sig-1")

	now := time.Now().UTC()
	stale := &core.Order{
		ID:                  "ord-1",
		SignalID:            "sig-1",
		Ticker:              "NVDA",
		Side:                core.SideBuy,
		Quantity:            decimal.NewFromInt(38),
		Type:                core.OrderTypeMarket,
		IdempotencyKey:      "sig-1-1",
		Attempt:             1,
		Status:              core.OrderStatusPending,
		StateMachineVersion: 1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, f.store.SaveOrder(ctx, stale))

	// A broker event lands first and advances the stored row past the
	// submitter's in-memory copy.
	fresh, err := f.store.GetOrder(ctx, stale.ID)
	require.NoError(t, err)
	ext := &core.OrderStateEvent{
		OrderID:       stale.ID,
		BrokerEventID: "evt-ext-1",
		NewStatus:     core.OrderStatusSubmitted,
		Source:        core.SourceBrokerWebhook,
		Timestamp:     now,
	}
	_, err = f.store.InsertOrderStateEvent(ctx, ext)
	require.NoError(t, err)
	expected := fresh.StateMachineVersion
	Apply(fresh, ext)
	require.NoError(t, f.store.UpdateOrderCAS(ctx, fresh, expected))
	require.NoError(t, f.store.MarkOrderStateEventApplied(ctx, stale.ID, ext.BrokerEventID))

	// The submitter loses the CAS race on its stale copy.
	_, err = f.submitter.markSubmitted(ctx, stale, &core.BrokerOrder{OrderID: "brk-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVersionConflict)

	// The losing transition stays on the log unapplied and the log
	// still replays cleanly.
	events, err := f.store.ListOrderStateEvents(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		if ev.BrokerEventID == "submit-sig-1-1" {
			assert.False(t, ev.Applied)
		}
	}
	status, replayErr := Replay(events)
	require.NoError(t, replayErr)
	assert.Equal(t, core.OrderStatusSubmitted, status)
}

func TestMarkSubmissionFailed(t *testing.T) {
	f := newSubmitterFixture(t)
	ctx := context.Background()
	sig := f.seedSignal(t, "sig-1")

	f.broker.FailWith = apperrors.ErrBrokerUnavailable
	o, _ := f.submitter.Submit(ctx, sig, marketDecision(38))

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.submitter.MarkSubmissionFailed(ctx, stored, "broker has no record"))

	final, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmissionFailed, final.Status)
	assert.True(t, final.Status.Terminal())
}

func TestIdempotencyKeyFormat(t *testing.T) {
	assert.Equal(t, "sig-42-1", IdempotencyKey("sig-42", 1))
	assert.Equal(t, "sig-42-3", IdempotencyKey("sig-42", 3))
}
