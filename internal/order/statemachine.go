// Package order owns the order lifecycle: submission and the
// authoritative state machine advanced only by validated events.
package order

import (
	"fmt"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
)

// allowedFrom maps each target status to the set of statuses it may be
// entered from. Broker-driven statuses carry skip-ahead entries so a
// missed webhook never wedges an order: a fill report implies the
// submission and acceptance the broker already saw.
var allowedFrom = map[core.OrderStatus][]core.OrderStatus{
	core.OrderStatusSubmitted: {
		core.OrderStatusPending,
	},
	core.OrderStatusAccepted: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
	},
	core.OrderStatusRejected: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
	},
	core.OrderStatusPartiallyFilled: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled, // successive partials, qty must increase
	},
	core.OrderStatusFilled: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled,
	},
	core.OrderStatusCanceled: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled,
	},
	core.OrderStatusExpired: {
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
	},
	core.OrderStatusSubmissionFailed: {
		core.OrderStatusPending,
	},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to core.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Guard validates an event against the order's current state without
// mutating anything. A nil return means the transition may be applied.
func Guard(o *core.Order, ev *core.OrderStateEvent) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s is terminal in %s: %w", o.ID, o.Status, apperrors.ErrInvalidTransition)
	}

	// An event that declares its view of the previous status must agree
	// with ours. Events without one (broker ground truth) rely on the
	// allowed-from set alone.
	if ev.PrevStatus != "" && ev.PrevStatus != o.Status {
		return fmt.Errorf("event expects previous status %s but order %s is %s: %w",
			ev.PrevStatus, o.ID, o.Status, apperrors.ErrInvalidTransition)
	}

	if !CanTransition(o.Status, ev.NewStatus) {
		return fmt.Errorf("transition %s -> %s not allowed for order %s: %w",
			o.Status, ev.NewStatus, o.ID, apperrors.ErrInvalidTransition)
	}

	// Successive partial fills must be strictly increasing; anything else
	// is a stale or duplicate report.
	if ev.NewStatus == core.OrderStatusPartiallyFilled &&
		o.Status == core.OrderStatusPartiallyFilled &&
		!ev.FilledQty.GreaterThan(o.FilledQuantity) {
		return fmt.Errorf("stale partial fill for order %s (%s <= %s): %w",
			o.ID, ev.FilledQty, o.FilledQuantity, apperrors.ErrInvalidTransition)
	}

	return nil
}

// Apply mutates the order per the event. Callers must have passed Guard
// and must persist with compare-and-swap on StateMachineVersion.
func Apply(o *core.Order, ev *core.OrderStateEvent) {
	ev.PrevStatus = o.Status
	o.Status = ev.NewStatus
	o.StateMachineVersion++
	o.UpdatedAt = ev.Timestamp

	switch ev.NewStatus {
	case core.OrderStatusPartiallyFilled, core.OrderStatusFilled:
		if ev.FilledQty.GreaterThan(o.FilledQuantity) {
			o.FilledQuantity = ev.FilledQty
		}
		if ev.AvgPrice.IsPositive() {
			o.AvgFillPrice = ev.AvgPrice
		}
	}
}

// Replay derives an order's status from its event log. The stored
// status column is a projection of this fold; recovery and debugging
// recompute it from here.
func Replay(events []*core.OrderStateEvent) (core.OrderStatus, error) {
	status := core.OrderStatusPending
	for _, ev := range events {
		if !ev.Applied {
			continue
		}
		if !CanTransition(status, ev.NewStatus) {
			return status, fmt.Errorf("event log corrupt at event %d (%s -> %s): %w",
				ev.ID, status, ev.NewStatus, apperrors.ErrInvalidTransition)
		}
		status = ev.NewStatus
	}
	return status, nil
}
