package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/order"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"
)

const maxResubmitAttempts = 3

// Sweeper periodically reconciles orders stuck in pre-terminal states
// against the broker's ground truth. It covers the gap left by missed
// webhooks and by crashes between order persistence and submission.
type Sweeper struct {
	store     core.IStore
	broker    core.IBroker
	listener  *Listener
	submitter *order.Submitter
	logger    core.ILogger
	timeout   time.Duration
	interval  time.Duration
}

func NewSweeper(
	store core.IStore,
	broker core.IBroker,
	listener *Listener,
	submitter *order.Submitter,
	logger core.ILogger,
	timeout, interval time.Duration,
) *Sweeper {
	return &Sweeper{
		store:     store,
		broker:    broker,
		listener:  listener,
		submitter: submitter,
		logger:    logger.WithField("component", "reconcile_sweeper"),
		timeout:   timeout,
		interval:  interval,
	}
}

// Run sweeps on a fixed interval until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reconciles every order stuck beyond the timeout
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.timeout)
	stuck, err := s.store.ListStuckOrders(ctx, []core.OrderStatus{
		core.OrderStatusPending,
		core.OrderStatusSubmitted,
		core.OrderStatusAccepted,
		core.OrderStatusPartiallyFilled,
	}, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stuck orders: %w", err)
	}

	if m := telemetry.GetGlobalMetrics(); m.ReconcileSweepsTotal != nil {
		m.ReconcileSweepsTotal.Add(ctx, 1)
	}
	if len(stuck) == 0 {
		return nil
	}

	s.logger.Info("Sweeping stuck orders", "count", len(stuck))
	for _, o := range stuck {
		if err := s.reconcileOrder(ctx, o); err != nil {
			s.logger.Warn("Failed to reconcile stuck order", "order_id", o.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) reconcileOrder(ctx context.Context, o *core.Order) error {
	bo, err := s.broker.GetOrder(ctx, o.IdempotencyKey)
	switch {
	case err == nil:
		return s.syncFromBroker(ctx, o, bo)

	case errors.Is(err, apperrors.ErrOrderNotFound):
		// Broker never saw the submission. Safe to resubmit with the same
		// idempotency key, or give up after enough attempts.
		if o.Status != core.OrderStatusPending {
			return fmt.Errorf("order %s is %s but unknown to broker", o.ID, o.Status)
		}
		if o.Attempt >= maxResubmitAttempts {
			return s.submitter.MarkSubmissionFailed(ctx, o,
				fmt.Sprintf("broker has no record after %d attempts", o.Attempt))
		}
		o.Attempt++
		if saveErr := s.store.SaveOrder(ctx, o); saveErr != nil {
			return fmt.Errorf("failed to bump attempt for order %s: %w", o.ID, saveErr)
		}
		s.logger.Info("Resubmitting stuck order",
			"order_id", o.ID, "attempt", o.Attempt)
		_, reErr := s.submitter.Resubmit(ctx, o)
		return reErr

	default:
		return fmt.Errorf("broker lookup for order %s failed: %w", o.ID, err)
	}
}

// syncFromBroker synthesizes a broker event from a polled order snapshot
// and pushes it through the same path webhook events take.
func (s *Sweeper) syncFromBroker(ctx context.Context, o *core.Order, bo *core.BrokerOrder) error {
	newStatus, ok := MapBrokerStatus(bo.Status)
	if !ok {
		return fmt.Errorf("broker reports unrecognized status %q for order %s: %w",
			bo.Status, o.ID, apperrors.ErrUnknownBrokerStatus)
	}
	if newStatus == o.Status && bo.FilledQty.Equal(o.FilledQuantity) {
		return nil
	}

	ev := &core.BrokerEvent{
		EventID:       fmt.Sprintf("sweep-%s-%s-%s", o.ID, bo.Status, bo.FilledQty.String()),
		OrderID:       bo.OrderID,
		ClientOrderID: bo.ClientOrderID,
		NewStatus:     bo.Status,
		FilledQty:     bo.FilledQty,
		AvgPrice:      bo.AvgPrice,
		Timestamp:     time.Now().UTC(),
	}

	res, err := s.listener.HandleEvent(ctx, ev)
	if err != nil {
		return err
	}
	if res == ResultApplied {
		s.logger.Info("Recovered stuck order from broker state",
			"order_id", o.ID, "status", newStatus)
		if m := telemetry.GetGlobalMetrics(); m.StuckOrdersRecovered != nil {
			m.StuckOrdersRecovered.Add(ctx, 1)
		}
	}
	return nil
}
