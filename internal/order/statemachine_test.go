package order

import (
	"testing"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(status core.OrderStatus) *core.Order {
	return &core.Order{
		ID:                  "ord-1",
		Ticker:              "NVDA",
		Side:                core.SideBuy,
		Quantity:            decimal.NewFromInt(38),
		Status:              status,
		StateMachineVersion: 1,
	}
}

func TestCanTransition_HappyPath(t *testing.T) {
	path := []core.OrderStatus{
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled,
		core.OrderStatusFilled,
	}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]),
			"%s -> %s should be legal", path[i-1], path[i])
	}
}

func TestCanTransition_SkipAhead(t *testing.T) {
	// A broker fill report can arrive before the submission ack was
	// processed. The edge must exist so the fill is never lost.
	assert.True(t, CanTransition(core.OrderStatusPending, core.OrderStatusFilled))
	assert.True(t, CanTransition(core.OrderStatusSubmitted, core.OrderStatusFilled))
	assert.True(t, CanTransition(core.OrderStatusSubmitted, core.OrderStatusCanceled))
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	terminals := []core.OrderStatus{
		core.OrderStatusFilled,
		core.OrderStatusRejected,
		core.OrderStatusCanceled,
		core.OrderStatusExpired,
		core.OrderStatusSubmissionFailed,
	}
	targets := []core.OrderStatus{
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled,
		core.OrderStatusFilled,
		core.OrderStatusCanceled,
	}
	for _, from := range terminals {
		for _, to := range targets {
			assert.False(t, CanTransition(from, to),
				"%s -> %s must be rejected", from, to)
		}
	}
}

func TestCanTransition_NoBackwards(t *testing.T) {
	assert.False(t, CanTransition(core.OrderStatusAccepted, core.OrderStatusSubmitted))
	assert.False(t, CanTransition(core.OrderStatusPartiallyFilled, core.OrderStatusAccepted))
	assert.False(t, CanTransition(core.OrderStatusSubmitted, core.OrderStatusPending))
}

func TestGuard_FillWhilePending(t *testing.T) {
	o := newTestOrder(core.OrderStatusPending)
	ev := &core.OrderStateEvent{
		OrderID:   o.ID,
		NewStatus: core.OrderStatusFilled,
		FilledQty: decimal.NewFromInt(38),
		AvgPrice:  decimal.NewFromFloat(150.25),
		Source:    core.SourceBrokerWebhook,
		Timestamp: time.Now(),
	}

	require.NoError(t, Guard(o, ev))
	Apply(o, ev)

	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.Equal(t, core.OrderStatusPending, ev.PrevStatus)
	assert.Equal(t, int64(2), o.StateMachineVersion)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(38)))
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromFloat(150.25)))
}

func TestGuard_TerminalOrderRejectsEverything(t *testing.T) {
	o := newTestOrder(core.OrderStatusFilled)
	ev := &core.OrderStateEvent{NewStatus: core.OrderStatusCanceled}

	err := Guard(o, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestGuard_PrevStatusMismatch(t *testing.T) {
	o := newTestOrder(core.OrderStatusAccepted)
	ev := &core.OrderStateEvent{
		PrevStatus: core.OrderStatusSubmitted,
		NewStatus:  core.OrderStatusCanceled,
	}

	err := Guard(o, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestGuard_StalePartialFillRejected(t *testing.T) {
	o := newTestOrder(core.OrderStatusPartiallyFilled)
	o.FilledQuantity = decimal.NewFromInt(20)

	stale := &core.OrderStateEvent{
		NewStatus: core.OrderStatusPartiallyFilled,
		FilledQty: decimal.NewFromInt(15),
	}
	assert.ErrorIs(t, Guard(o, stale), apperrors.ErrInvalidTransition)

	equal := &core.OrderStateEvent{
		NewStatus: core.OrderStatusPartiallyFilled,
		FilledQty: decimal.NewFromInt(20),
	}
	assert.ErrorIs(t, Guard(o, equal), apperrors.ErrInvalidTransition)

	progress := &core.OrderStateEvent{
		NewStatus: core.OrderStatusPartiallyFilled,
		FilledQty: decimal.NewFromInt(30),
	}
	assert.NoError(t, Guard(o, progress))
}

func TestApply_PartialFillsAccumulate(t *testing.T) {
	o := newTestOrder(core.OrderStatusAccepted)

	first := &core.OrderStateEvent{
		NewStatus: core.OrderStatusPartiallyFilled,
		FilledQty: decimal.NewFromInt(10),
		AvgPrice:  decimal.NewFromFloat(150.10),
		Timestamp: time.Now(),
	}
	require.NoError(t, Guard(o, first))
	Apply(o, first)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(10)))

	second := &core.OrderStateEvent{
		NewStatus: core.OrderStatusFilled,
		FilledQty: decimal.NewFromInt(38),
		AvgPrice:  decimal.NewFromFloat(150.20),
		Timestamp: time.Now(),
	}
	require.NoError(t, Guard(o, second))
	Apply(o, second)

	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(38)))
	assert.Equal(t, int64(3), o.StateMachineVersion)
}

func TestReplay_MatchesProjection(t *testing.T) {
	events := []*core.OrderStateEvent{
		{ID: 1, NewStatus: core.OrderStatusSubmitted, Applied: true},
		{ID: 2, NewStatus: core.OrderStatusAccepted, Applied: true},
		{ID: 3, NewStatus: core.OrderStatusCanceled, Applied: false}, // logged but rejected by guard
		{ID: 4, NewStatus: core.OrderStatusPartiallyFilled, Applied: true},
		{ID: 5, NewStatus: core.OrderStatusFilled, Applied: true},
	}

	status, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, status)
}

func TestReplay_EmptyLogIsPending(t *testing.T) {
	status, err := Replay(nil)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusPending, status)
}

func TestReplay_CorruptLogDetected(t *testing.T) {
	events := []*core.OrderStateEvent{
		{ID: 1, NewStatus: core.OrderStatusFilled, Applied: true},
		{ID: 2, NewStatus: core.OrderStatusSubmitted, Applied: true},
	}

	_, err := Replay(events)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}
