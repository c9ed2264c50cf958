// Package core defines the interfaces wired between pipeline components
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker is the brokerage adapter. Only the request/response/event
// contracts are modeled; the brokerage itself is an external system.
type IBroker interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, req *BrokerOrderRequest) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, clientOrderID string) (*BrokerOrder, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	StartEventStream(ctx context.Context, callback func(*BrokerEvent)) error
	StopEventStream() error
}

// IStore is the durable source of truth. Everything the pipeline needs
// to recover after a crash lives behind this interface.
type IStore interface {
	// Signals
	SaveSignal(ctx context.Context, s *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	GetSignalByFingerprint(ctx context.Context, fingerprint string) (*Signal, error)
	UpdateSignalState(ctx context.Context, id string, from, to SignalState) error
	ListSignalsInState(ctx context.Context, state SignalState, olderThan time.Time) ([]*Signal, error)

	// Orders
	SaveOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error)
	UpdateOrderCAS(ctx context.Context, o *Order, expectedVersion int64) error
	ListStuckOrders(ctx context.Context, statuses []OrderStatus, olderThan time.Time) ([]*Order, error)
	CountOrdersSince(ctx context.Context, since time.Time) (int, error)

	// State event log
	InsertOrderStateEvent(ctx context.Context, ev *OrderStateEvent) (bool, error)
	MarkOrderStateEventApplied(ctx context.Context, orderID, brokerEventID string) error
	ListOrderStateEvents(ctx context.Context, orderID string) ([]*OrderStateEvent, error)

	// Fills
	SaveFill(ctx context.Context, f *Fill) error
	ListFills(ctx context.Context) ([]*Fill, error)
	ListFillsForOrder(ctx context.Context, orderID string) ([]*Fill, error)

	// Positions
	GetPosition(ctx context.Context, ticker string) (*Position, error)
	SavePosition(ctx context.Context, p *Position) error
	ListOpenPositions(ctx context.Context) ([]*Position, error)
	CountOpenPositions(ctx context.Context) (int, error)

	// Portfolio aggregate
	GetPortfolioState(ctx context.Context) (*PortfolioState, error)
	SavePortfolioState(ctx context.Context, ps *PortfolioState) error

	// Audit trail
	AppendAudit(ctx context.Context, ev *AuditEvent) error

	Close() error
}

// IAlerter surfaces operator-facing conditions. Implemented by the alert
// manager; categories follow the conditions named in the alert package.
type IAlerter interface {
	Alert(ctx context.Context, category, message string, severity string, fields map[string]string)
}

// ILedger applies fills to positions and the portfolio aggregate
type ILedger interface {
	ApplyFill(ctx context.Context, order *Order, fillQty, fillPrice decimal.Decimal, at time.Time) (*Position, error)
	Recompute(ctx context.Context) (*PortfolioState, error)
}
