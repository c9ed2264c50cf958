// Package reconcile consumes broker execution reports and drives them
// through the order state machine, exactly once per broker event id.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/audit"
	"signal_trader/internal/core"
	"signal_trader/internal/order"
	"signal_trader/pkg/concurrency"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
	"signal_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Result classifies the outcome of processing one broker event
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultConflict  Result = "conflict"
	ResultIgnored   Result = "ignored"
)

// brokerStatusMap translates broker wire statuses to internal ones.
// Unknown statuses are not errors to us, only alerts.
var brokerStatusMap = map[string]core.OrderStatus{
	"new":              core.OrderStatusSubmitted,
	"accepted":         core.OrderStatusAccepted,
	"partially_filled": core.OrderStatusPartiallyFilled,
	"filled":           core.OrderStatusFilled,
	"canceled":         core.OrderStatusCanceled,
	"cancelled":        core.OrderStatusCanceled,
	"rejected":         core.OrderStatusRejected,
	"expired":          core.OrderStatusExpired,
}

// MapBrokerStatus translates a broker status string, reporting whether
// it is recognized.
func MapBrokerStatus(s string) (core.OrderStatus, bool) {
	st, ok := brokerStatusMap[s]
	return st, ok
}

// Listener subscribes to the broker event stream and applies each event
// through a worker pool. Events for the same order may race; optimistic
// concurrency on the order row resolves the interleaving.
type Listener struct {
	store   core.IStore
	broker  core.IBroker
	ledger  core.ILedger
	audit   *audit.Recorder
	alerter core.IAlerter
	logger  core.ILogger
	pool    *concurrency.WorkerPool
	policy  retry.Policy
}

func NewListener(
	store core.IStore,
	broker core.IBroker,
	ledger core.ILedger,
	auditRec *audit.Recorder,
	alerter core.IAlerter,
	logger core.ILogger,
	pool *concurrency.WorkerPool,
) *Listener {
	return &Listener{
		store:   store,
		broker:  broker,
		ledger:  ledger,
		audit:   auditRec,
		alerter: alerter,
		logger:  logger.WithField("component", "reconcile_listener"),
		pool:    pool,
		policy:  retry.ConflictPolicy,
	}
}

// SetConflictRetries overrides how many CAS attempts one broker event
// gets before it is surfaced as a conflict.
func (l *Listener) SetConflictRetries(n int) {
	if n > 0 {
		l.policy.MaxAttempts = n
	}
}

// Start subscribes to the broker stream. Blocks until the stream is
// established; processing continues in the pool until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	return l.broker.StartEventStream(ctx, func(ev *core.BrokerEvent) {
		l.pool.Submit(func() {
			if _, err := l.HandleEvent(ctx, ev); err != nil {
				l.logger.Error("Broker event processing failed",
					"event_id", ev.EventID, "order_id", ev.OrderID, "error", err)
			}
		})
	})
}

// HandleEvent processes one broker event end to end: resolve the order,
// dedupe, guard, apply with CAS, and forward the fill delta to the
// ledger. Safe to call concurrently for the same order.
func (l *Listener) HandleEvent(ctx context.Context, bev *core.BrokerEvent) (Result, error) {
	start := time.Now()
	res, err := l.handle(ctx, bev)

	m := telemetry.GetGlobalMetrics()
	if m.EventApplyLatency != nil {
		m.EventApplyLatency.Record(ctx, time.Since(start).Seconds())
	}
	switch res {
	case ResultApplied:
		if m.EventsAppliedTotal != nil {
			m.EventsAppliedTotal.Add(ctx, 1)
		}
	case ResultDuplicate:
		if m.EventsDuplicateTotal != nil {
			m.EventsDuplicateTotal.Add(ctx, 1)
		}
	case ResultConflict:
		if m.EventsConflictTotal != nil {
			m.EventsConflictTotal.Add(ctx, 1)
		}
	}
	return res, err
}

func (l *Listener) handle(ctx context.Context, bev *core.BrokerEvent) (Result, error) {
	o, err := l.resolveOrder(ctx, bev)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			l.logger.Warn("Broker event for unknown order",
				"event_id", bev.EventID, "order_id", bev.OrderID, "client_order_id", bev.ClientOrderID)
			l.alerter.Alert(ctx, alert.CategoryUnrecognizedEvent,
				fmt.Sprintf("broker event %s references unknown order %s", bev.EventID, bev.OrderID),
				string(alert.Warning), map[string]string{"event_id": bev.EventID})
			return ResultIgnored, nil
		}
		return ResultIgnored, err
	}

	newStatus, ok := MapBrokerStatus(bev.NewStatus)
	if !ok {
		// Unknown status never crashes the listener. Log the raw event for
		// forensics and move on.
		l.recordUnrecognized(ctx, o, bev)
		return ResultIgnored, nil
	}

	raw := bev.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(bev)
	}

	ev := &core.OrderStateEvent{
		OrderID:       o.ID,
		BrokerEventID: bev.EventID,
		PrevStatus:    core.OrderStatus(bev.PrevStatus),
		NewStatus:     newStatus,
		Source:        core.SourceBrokerWebhook,
		FilledQty:     bev.FilledQty,
		AvgPrice:      bev.AvgPrice,
		RawPayload:    raw,
		Applied:       false,
		Timestamp:     bev.Timestamp,
	}

	// First barrier: the unique (order_id, broker_event_id) index. A
	// redelivered event lands here and goes no further.
	inserted, err := l.store.InsertOrderStateEvent(ctx, ev)
	if err != nil {
		return ResultIgnored, fmt.Errorf("failed to log broker event %s: %w", bev.EventID, err)
	}
	if !inserted {
		l.logger.Debug("Duplicate broker event ignored",
			"event_id", bev.EventID, "order_id", o.ID)
		return ResultDuplicate, nil
	}

	var applied bool
	err = retry.Do(ctx, l.policy, func(e error) bool {
		return errors.Is(e, apperrors.ErrVersionConflict)
	}, func() error {
		fresh, loadErr := l.store.GetOrder(ctx, o.ID)
		if loadErr != nil {
			return loadErr
		}

		if guardErr := order.Guard(fresh, ev); guardErr != nil {
			applied = false
			return nil
		}

		prevFilled := fresh.FilledQuantity
		expected := fresh.StateMachineVersion
		order.Apply(fresh, ev)

		if casErr := l.store.UpdateOrderCAS(ctx, fresh, expected); casErr != nil {
			return casErr
		}

		applied = true
		o = fresh
		l.settleFill(ctx, fresh, ev, prevFilled)
		return nil
	})
	if err != nil {
		l.alerter.Alert(ctx, alert.CategoryConflict,
			fmt.Sprintf("event %s for order %s could not be applied: %v", bev.EventID, o.ID, err),
			string(alert.Error), map[string]string{"event_id": bev.EventID, "order_id": o.ID})
		return ResultConflict, fmt.Errorf("failed to apply event %s: %w", bev.EventID, err)
	}

	if !applied {
		// Guard said no: the event is stale or illegal from the current
		// state. The logged row stays with applied=false as the record.
		l.audit.Record(ctx, core.AuditOrderConflict, o.SignalID, o.ID, map[string]string{
			"event_id":   bev.EventID,
			"new_status": string(newStatus),
			"status":     string(o.Status),
		})
		return ResultConflict, nil
	}

	if markErr := l.store.MarkOrderStateEventApplied(ctx, o.ID, bev.EventID); markErr != nil {
		l.logger.Warn("Failed to mark event applied",
			"event_id", bev.EventID, "order_id", o.ID, "error", markErr)
	}

	l.logger.Info("Broker event applied",
		"event_id", bev.EventID, "order_id", o.ID,
		"status", o.Status, "filled_qty", o.FilledQuantity.String())

	return ResultApplied, nil
}

// settleFill forwards the incremental fill quantity to the ledger and
// finalizes the signal on complete fills.
func (l *Listener) settleFill(ctx context.Context, o *core.Order, ev *core.OrderStateEvent, prevFilled decimal.Decimal) {
	delta := ev.FilledQty.Sub(prevFilled)
	if delta.IsPositive() && ev.AvgPrice.IsPositive() {
		if _, err := l.ledger.ApplyFill(ctx, o, delta, ev.AvgPrice, ev.Timestamp); err != nil {
			l.logger.Error("Ledger rejected fill",
				"order_id", o.ID, "delta", delta.String(), "error", err)
			l.alerter.Alert(ctx, alert.CategoryLedgerInconsistency,
				fmt.Sprintf("fill for order %s failed to apply to ledger: %v", o.ID, err),
				string(alert.Critical), map[string]string{"order_id": o.ID})
		}
	}

	if ev.NewStatus == core.OrderStatusFilled {
		if err := l.store.UpdateSignalState(ctx, o.SignalID, core.SignalStateOrdered, core.SignalStateFilled); err != nil {
			l.logger.Warn("Failed to finalize signal", "signal_id", o.SignalID, "error", err)
		}
		l.audit.Record(ctx, core.AuditOrderFilled, o.SignalID, o.ID, map[string]string{
			"filled_qty": o.FilledQuantity.String(),
			"avg_price":  o.AvgFillPrice.String(),
		})
		if m := telemetry.GetGlobalMetrics(); m.OrdersFilledTotal != nil {
			m.OrdersFilledTotal.Add(ctx, 1)
		}
	}
}

func (l *Listener) resolveOrder(ctx context.Context, bev *core.BrokerEvent) (*core.Order, error) {
	if bev.ClientOrderID != "" {
		if o, err := l.store.GetOrderByIdempotencyKey(ctx, bev.ClientOrderID); err == nil {
			return o, nil
		} else if !errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, err
		}
	}
	if bev.OrderID != "" {
		return l.store.GetOrderByBrokerID(ctx, bev.OrderID)
	}
	return nil, apperrors.ErrOrderNotFound
}

func (l *Listener) recordUnrecognized(ctx context.Context, o *core.Order, bev *core.BrokerEvent) {
	raw := bev.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(bev)
	}
	ev := &core.OrderStateEvent{
		OrderID:       o.ID,
		BrokerEventID: bev.EventID,
		NewStatus:     core.OrderStatus("unknown:" + bev.NewStatus),
		Source:        core.SourceBrokerWebhook,
		RawPayload:    raw,
		Applied:       false,
		Timestamp:     bev.Timestamp,
	}
	if _, err := l.store.InsertOrderStateEvent(ctx, ev); err != nil {
		l.logger.Warn("Failed to log unrecognized event", "event_id", bev.EventID, "error", err)
	}

	l.logger.Warn("Unrecognized broker status",
		"event_id", bev.EventID, "order_id", o.ID, "status", bev.NewStatus)
	l.alerter.Alert(ctx, alert.CategoryUnrecognizedEvent,
		fmt.Sprintf("broker sent unrecognized status %q for order %s", bev.NewStatus, o.ID),
		string(alert.Warning), map[string]string{"event_id": bev.EventID, "order_id": o.ID})

	if m := telemetry.GetGlobalMetrics(); m.EventsUnknownTotal != nil {
		m.EventsUnknownTotal.Add(ctx, 1)
	}
}
