package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsReceivedTotal = "signal_trader_signals_received_total"
	MetricSignalsSkippedTotal  = "signal_trader_signals_skipped_total"
	MetricOrdersSubmittedTotal = "signal_trader_orders_submitted_total"
	MetricOrdersFilledTotal    = "signal_trader_orders_filled_total"
	MetricOrdersRejectedTotal  = "signal_trader_orders_rejected_total"
	MetricEventsAppliedTotal   = "signal_trader_broker_events_applied_total"
	MetricEventsDuplicateTotal = "signal_trader_broker_events_duplicate_total"
	MetricEventsConflictTotal  = "signal_trader_broker_events_conflict_total"
	MetricEventsUnknownTotal   = "signal_trader_broker_events_unrecognized_total"
	MetricEventApplyLatency    = "signal_trader_event_apply_latency_seconds"
	MetricPnLRealizedTotal     = "signal_trader_pnl_realized_total"
	MetricPortfolioValue       = "signal_trader_portfolio_value"
	MetricPortfolioCash        = "signal_trader_portfolio_cash"
	MetricOpenPositions        = "signal_trader_open_positions"
	MetricReconcileSweepsTotal = "signal_trader_reconcile_sweeps_total"
	MetricStuckOrdersRecovered = "signal_trader_stuck_orders_recovered_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsReceivedTotal metric.Int64Counter
	SignalsSkippedTotal  metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	EventsAppliedTotal   metric.Int64Counter
	EventsDuplicateTotal metric.Int64Counter
	EventsConflictTotal  metric.Int64Counter
	EventsUnknownTotal   metric.Int64Counter
	EventApplyLatency    metric.Float64Histogram
	PnLRealizedTotal     metric.Float64Counter
	PortfolioValue       metric.Float64ObservableGauge
	PortfolioCash        metric.Float64ObservableGauge
	OpenPositions        metric.Int64ObservableGauge
	ReconcileSweepsTotal metric.Int64Counter
	StuckOrdersRecovered metric.Int64Counter

	// State for observable gauges
	mu             sync.RWMutex
	portfolioValue float64
	portfolioCash  float64
	openPositions  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.SignalsReceivedTotal, err = meter.Int64Counter(MetricSignalsReceivedTotal,
		metric.WithDescription("Total signals accepted by intake")); err != nil {
		return err
	}
	if m.SignalsSkippedTotal, err = meter.Int64Counter(MetricSignalsSkippedTotal,
		metric.WithDescription("Total signals skipped by the sizer")); err != nil {
		return err
	}
	if m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal,
		metric.WithDescription("Total orders submitted to the broker")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders fully filled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Total orders terminally rejected")); err != nil {
		return err
	}
	if m.EventsAppliedTotal, err = meter.Int64Counter(MetricEventsAppliedTotal,
		metric.WithDescription("Broker events applied to the state machine")); err != nil {
		return err
	}
	if m.EventsDuplicateTotal, err = meter.Int64Counter(MetricEventsDuplicateTotal,
		metric.WithDescription("Broker events dropped as duplicates")); err != nil {
		return err
	}
	if m.EventsConflictTotal, err = meter.Int64Counter(MetricEventsConflictTotal,
		metric.WithDescription("Broker events that raised a transition conflict")); err != nil {
		return err
	}
	if m.EventsUnknownTotal, err = meter.Int64Counter(MetricEventsUnknownTotal,
		metric.WithDescription("Broker events with an unrecognized status")); err != nil {
		return err
	}
	if m.EventApplyLatency, err = meter.Float64Histogram(MetricEventApplyLatency,
		metric.WithDescription("Latency of applying one broker event")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.ReconcileSweepsTotal, err = meter.Int64Counter(MetricReconcileSweepsTotal,
		metric.WithDescription("Total reconciliation sweep passes")); err != nil {
		return err
	}
	if m.StuckOrdersRecovered, err = meter.Int64Counter(MetricStuckOrdersRecovered,
		metric.WithDescription("Stuck orders resolved by the sweeper")); err != nil {
		return err
	}

	if m.PortfolioValue, err = meter.Float64ObservableGauge(MetricPortfolioValue,
		metric.WithDescription("Current total portfolio value"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.portfolioValue)
			return nil
		})); err != nil {
		return err
	}
	if m.PortfolioCash, err = meter.Float64ObservableGauge(MetricPortfolioCash,
		metric.WithDescription("Current cash balance"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.portfolioCash)
			return nil
		})); err != nil {
		return err
	}
	if m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions,
		metric.WithDescription("Number of open positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetPortfolioGauges updates the observable portfolio gauges
func (m *MetricsHolder) SetPortfolioGauges(value, cash float64, openPositions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolioValue = value
	m.portfolioCash = cash
	m.openPositions = openPositions
}

// CountEvent increments an event counter with an outcome attribute
func (m *MetricsHolder) CountEvent(ctx context.Context, counter metric.Int64Counter, status string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
