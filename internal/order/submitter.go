package order

import (
	"context"
	"fmt"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/audit"
	"signal_trader/internal/core"
	"signal_trader/internal/sizing"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
	"signal_trader/pkg/telemetry"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Submitter converts sized intents into broker orders. The order row is
// persisted in pending state before any network call so a crash between
// persistence and submission is recoverable by the sweeper.
type Submitter struct {
	store   core.IStore
	broker  core.IBroker
	audit   *audit.Recorder
	alerter core.IAlerter
	logger  core.ILogger
	limiter *rate.Limiter
	policy  retry.Policy
}

func NewSubmitter(
	store core.IStore,
	broker core.IBroker,
	auditRec *audit.Recorder,
	alerter core.IAlerter,
	logger core.ILogger,
	limiter *rate.Limiter,
) *Submitter {
	return &Submitter{
		store:   store,
		broker:  broker,
		audit:   auditRec,
		alerter: alerter,
		logger:  logger.WithField("component", "order_submitter"),
		limiter: limiter,
		policy:  retry.DefaultPolicy,
	}
}

// SetRetryPolicy overrides the broker submission retry policy.
func (s *Submitter) SetRetryPolicy(p retry.Policy) {
	s.policy = p
}

// IdempotencyKey derives the client order id from the signal and the
// submission attempt. A retried submission reuses the same key so the
// broker never creates a duplicate order.
func IdempotencyKey(signalID string, attempt int) string {
	return fmt.Sprintf("%s-%d", signalID, attempt)
}

// Submit persists and submits one order for a sized signal. If an order
// with the same idempotency key already exists it is returned as-is.
func (s *Submitter) Submit(ctx context.Context, sig *core.Signal, decision sizing.Decision) (*core.Order, error) {
	const attempt = 1
	key := IdempotencyKey(sig.ID, attempt)

	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, key); err == nil && existing != nil {
		s.logger.Info("Order already exists for idempotency key", "key", key, "order_id", existing.ID)
		return existing, nil
	}

	now := time.Now().UTC()
	o := &core.Order{
		ID:                  uuid.NewString(),
		SignalID:            sig.ID,
		Ticker:              sig.Ticker,
		Side:                sig.Type.Side(),
		Quantity:            decision.Quantity,
		Type:                core.OrderTypeMarket,
		LimitPrice:          decision.LimitPrice,
		IdempotencyKey:      key,
		Attempt:             attempt,
		Status:              core.OrderStatusPending,
		StateMachineVersion: 1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if decision.LimitPrice.IsPositive() {
		o.Type = core.OrderTypeLimit
	}

	// Persist before the network call. Recovery point for the sweeper.
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist pending order: %w", err)
	}

	if err := s.store.UpdateSignalState(ctx, sig.ID, core.SignalStateQueued, core.SignalStateOrdered); err != nil {
		s.logger.Warn("Failed to advance signal state", "signal_id", sig.ID, "error", err)
	}

	return s.dispatch(ctx, o)
}

// Resubmit re-sends a pending order to the broker with its original
// idempotency key. Used by the sweeper when the broker has no record of
// the order.
func (s *Submitter) Resubmit(ctx context.Context, o *core.Order) (*core.Order, error) {
	if o.Status != core.OrderStatusPending {
		return nil, fmt.Errorf("cannot resubmit order %s in status %s", o.ID, o.Status)
	}
	return s.dispatch(ctx, o)
}

func (s *Submitter) dispatch(ctx context.Context, o *core.Order) (*core.Order, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return o, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	req := &core.BrokerOrderRequest{
		Symbol:        o.Ticker,
		Side:          o.Side,
		Qty:           o.Quantity,
		Type:          o.Type,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		ClientOrderID: o.IdempotencyKey,
	}

	var placed *core.BrokerOrder
	err := retry.Do(ctx, s.policy, apperrors.Transient, func() error {
		var placeErr error
		placed, placeErr = s.broker.PlaceOrder(ctx, req)
		return placeErr
	})

	switch {
	case err == nil:
		return s.markSubmitted(ctx, o, placed)

	case apperrors.Terminal(err):
		return s.markRejected(ctx, o, err)

	default:
		// Transient errors exhausted. Leave the order pending: the broker
		// may have received the request, so ground truth belongs to the
		// sweeper, not to us.
		s.logger.Error("Order submission failed after retries",
			"order_id", o.ID, "key", o.IdempotencyKey, "error", err)
		s.alerter.Alert(ctx, alert.CategorySubmissionFailed,
			fmt.Sprintf("submission of order %s failed after retries: %v", o.ID, err),
			string(alert.Error), map[string]string{
				"order_id": o.ID,
				"ticker":   o.Ticker,
			})
		return o, fmt.Errorf("order %s submission failed: %w", o.ID, err)
	}
}

func (s *Submitter) markSubmitted(ctx context.Context, o *core.Order, placed *core.BrokerOrder) (*core.Order, error) {
	ev := &core.OrderStateEvent{
		OrderID:       o.ID,
		BrokerEventID: "submit-" + o.IdempotencyKey,
		PrevStatus:    o.Status,
		NewStatus:     core.OrderStatusSubmitted,
		Source:        core.SourceInternal,
		Applied:       false,
		Timestamp:     time.Now().UTC(),
	}

	if err := Guard(o, ev); err != nil {
		// Already advanced past pending (a broker event beat us here).
		// Log the event unapplied and keep the more advanced state.
		if _, insErr := s.store.InsertOrderStateEvent(ctx, ev); insErr != nil {
			s.logger.Warn("Failed to log unapplied submit event", "order_id", o.ID, "error", insErr)
		}
		return o, nil
	}

	expected := o.StateMachineVersion
	Apply(o, ev)
	o.BrokerOrderID = placed.OrderID
	o.SubmittedAt = ev.Timestamp

	// Logged unapplied first: the event only counts once the CAS lands,
	// same as broker events in the reconcile listener.
	if _, err := s.store.InsertOrderStateEvent(ctx, ev); err != nil {
		return o, fmt.Errorf("failed to log submit event: %w", err)
	}
	if err := s.store.UpdateOrderCAS(ctx, o, expected); err != nil {
		return o, fmt.Errorf("failed to persist submitted order: %w", err)
	}
	if err := s.store.MarkOrderStateEventApplied(ctx, o.ID, ev.BrokerEventID); err != nil {
		s.logger.Warn("Failed to mark submit event applied", "order_id", o.ID, "error", err)
	}

	s.audit.Record(ctx, core.AuditOrderPlaced, o.SignalID, o.ID, map[string]string{
		"ticker":          o.Ticker,
		"side":            string(o.Side),
		"quantity":        o.Quantity.String(),
		"idempotency_key": o.IdempotencyKey,
		"broker_order_id": o.BrokerOrderID,
	})

	if m := telemetry.GetGlobalMetrics(); m.OrdersSubmittedTotal != nil {
		m.OrdersSubmittedTotal.Add(ctx, 1)
	}

	s.logger.Info("Order submitted",
		"order_id", o.ID, "ticker", o.Ticker, "side", o.Side,
		"quantity", o.Quantity.String(), "broker_order_id", o.BrokerOrderID)

	return o, nil
}

func (s *Submitter) markRejected(ctx context.Context, o *core.Order, cause error) (*core.Order, error) {
	ev := &core.OrderStateEvent{
		OrderID:       o.ID,
		BrokerEventID: "reject-" + o.IdempotencyKey,
		PrevStatus:    o.Status,
		NewStatus:     core.OrderStatusRejected,
		Source:        core.SourceInternal,
		Applied:       false,
		Timestamp:     time.Now().UTC(),
	}

	expected := o.StateMachineVersion
	Apply(o, ev)
	o.RejectReason = cause.Error()

	if _, err := s.store.InsertOrderStateEvent(ctx, ev); err != nil {
		return o, fmt.Errorf("failed to log reject event: %w", err)
	}
	if err := s.store.UpdateOrderCAS(ctx, o, expected); err != nil {
		return o, fmt.Errorf("failed to persist rejected order: %w", err)
	}
	if err := s.store.MarkOrderStateEventApplied(ctx, o.ID, ev.BrokerEventID); err != nil {
		s.logger.Warn("Failed to mark reject event applied", "order_id", o.ID, "error", err)
	}

	if err := s.store.UpdateSignalState(ctx, o.SignalID, core.SignalStateOrdered, core.SignalStateSkipped); err != nil {
		s.logger.Warn("Failed to skip signal after rejection", "signal_id", o.SignalID, "error", err)
	}

	s.audit.Record(ctx, core.AuditOrderRejected, o.SignalID, o.ID, map[string]string{
		"reason": o.RejectReason,
	})

	if m := telemetry.GetGlobalMetrics(); m.OrdersRejectedTotal != nil {
		m.OrdersRejectedTotal.Add(ctx, 1)
	}

	s.logger.Warn("Order rejected by broker",
		"order_id", o.ID, "ticker", o.Ticker, "reason", o.RejectReason)

	return o, nil
}

// MarkSubmissionFailed moves a pending order into the terminal
// submission_failed state. Called by the sweeper once the broker has
// confirmed it never saw the order and resubmission attempts ran out.
func (s *Submitter) MarkSubmissionFailed(ctx context.Context, o *core.Order, reason string) error {
	ev := &core.OrderStateEvent{
		OrderID:       o.ID,
		BrokerEventID: fmt.Sprintf("subfail-%s-%d", o.IdempotencyKey, o.Attempt),
		PrevStatus:    o.Status,
		NewStatus:     core.OrderStatusSubmissionFailed,
		Source:        core.SourceInternal,
		Applied:       false,
		Timestamp:     time.Now().UTC(),
	}

	if err := Guard(o, ev); err != nil {
		return err
	}

	expected := o.StateMachineVersion
	Apply(o, ev)
	o.RejectReason = reason

	if _, err := s.store.InsertOrderStateEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to log submission_failed event: %w", err)
	}
	if err := s.store.UpdateOrderCAS(ctx, o, expected); err != nil {
		return fmt.Errorf("failed to persist submission_failed order: %w", err)
	}
	if err := s.store.MarkOrderStateEventApplied(ctx, o.ID, ev.BrokerEventID); err != nil {
		s.logger.Warn("Failed to mark submission_failed event applied", "order_id", o.ID, "error", err)
	}

	if err := s.store.UpdateSignalState(ctx, o.SignalID, core.SignalStateOrdered, core.SignalStateSkipped); err != nil {
		s.logger.Warn("Failed to skip signal after submission failure", "signal_id", o.SignalID, "error", err)
	}

	s.alerter.Alert(ctx, alert.CategorySubmissionFailed,
		fmt.Sprintf("order %s marked submission_failed: %s", o.ID, reason),
		string(alert.Error), map[string]string{"order_id": o.ID, "ticker": o.Ticker})

	return nil
}

// RequestCancel submits a cancel to the broker. The local state moves to
// canceled only when a confirming broker event arrives, never here.
func (s *Submitter) RequestCancel(ctx context.Context, o *core.Order) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already terminal in %s", o.ID, o.Status)
	}
	if o.BrokerOrderID == "" {
		return fmt.Errorf("order %s has no broker order id", o.ID)
	}

	err := retry.Do(ctx, s.policy, apperrors.Transient, func() error {
		return s.broker.CancelOrder(ctx, o.BrokerOrderID)
	})
	if err != nil {
		return fmt.Errorf("cancel request for order %s failed: %w", o.ID, err)
	}

	s.logger.Info("Cancel requested", "order_id", o.ID, "broker_order_id", o.BrokerOrderID)
	return nil
}
