// Package core defines the domain types shared across the trading pipeline
package core

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SignalType classifies a trade recommendation
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalSell       SignalType = "sell"
	SignalHold       SignalType = "hold"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalStrongSell SignalType = "strong_sell"
)

// IsActionable reports whether the signal implies an order
func (t SignalType) IsActionable() bool {
	switch t {
	case SignalBuy, SignalStrongBuy, SignalSell, SignalStrongSell:
		return true
	}
	return false
}

// Side maps a signal type to the order side it implies
func (t SignalType) Side() OrderSide {
	switch t {
	case SignalSell, SignalStrongSell:
		return SideSell
	default:
		return SideBuy
	}
}

// Valid reports whether the signal type is one of the known values
func (t SignalType) Valid() bool {
	switch t {
	case SignalBuy, SignalSell, SignalHold, SignalStrongBuy, SignalStrongSell:
		return true
	}
	return false
}

// SignalState is the lifecycle state of a signal
type SignalState string

const (
	SignalStateGenerated SignalState = "generated"
	SignalStateQueued    SignalState = "queued"
	SignalStateOrdered   SignalState = "ordered"
	SignalStateFilled    SignalState = "filled"
	SignalStateSkipped   SignalState = "skipped"
	SignalStateExpired   SignalState = "expired"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Signed returns +1 for buys and -1 for sells
func (s OrderSide) Signed() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the execution type of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle status of an order
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusSubmitted        OrderStatus = "submitted"
	OrderStatusAccepted         OrderStatus = "accepted"
	OrderStatusPartiallyFilled  OrderStatus = "partially_filled"
	OrderStatusFilled           OrderStatus = "filled"
	OrderStatusRejected         OrderStatus = "rejected"
	OrderStatusCanceled         OrderStatus = "canceled"
	OrderStatusExpired          OrderStatus = "expired"
	OrderStatusSubmissionFailed OrderStatus = "submission_failed"
)

// Terminal reports whether the status admits no further transitions
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled,
		OrderStatusExpired, OrderStatusSubmissionFailed:
		return true
	}
	return false
}

// EventSource identifies where a state event originated
type EventSource string

const (
	SourceInternal      EventSource = "internal"
	SourceBrokerWebhook EventSource = "broker_webhook"
)

// Signal is a confidence-scored trade recommendation produced by the
// upstream model. Immutable once stored except for the lifecycle state.
type Signal struct {
	ID              string
	Ticker          string
	Type            SignalType
	ConfidenceScore decimal.Decimal
	ModelVersion    string
	FeatureHash     string
	Fingerprint     string
	State           SignalState
	GeneratedAt     time.Time
	CreatedAt       time.Time
}

// Order is a single submission attempt derived from a signal. Mutated
// only through validated state machine transitions.
type Order struct {
	ID                  string
	SignalID            string // empty only for manual overrides
	Ticker              string
	Side                OrderSide
	Quantity            decimal.Decimal
	Type                OrderType
	LimitPrice          decimal.Decimal
	StopPrice           decimal.Decimal
	IdempotencyKey      string
	Attempt             int
	Status              OrderStatus
	StateMachineVersion int64
	RejectReason        string
	FilledQuantity      decimal.Decimal
	AvgFillPrice        decimal.Decimal
	BrokerOrderID       string
	SubmittedAt         time.Time
	UpdatedAt           time.Time
	CreatedAt           time.Time
}

// OrderStateEvent is one append-only log entry describing a transition
// attempt. Never mutated or deleted.
type OrderStateEvent struct {
	ID            int64
	OrderID       string
	BrokerEventID string
	PrevStatus    OrderStatus
	NewStatus     OrderStatus
	Source        EventSource
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	RawPayload    []byte
	Applied       bool
	Timestamp     time.Time
}

// Fill is a single execution applied to the ledger
type Fill struct {
	ID        int64
	OrderID   string
	Ticker    string
	Side      OrderSide
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// SignedQty returns the fill quantity signed by side
func (f *Fill) SignedQty() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Signed())
}

// Position is the current holding for one ticker. Mutated only by the
// portfolio ledger in response to fills.
type Position struct {
	ID               string
	Ticker           string
	Quantity         decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	CurrentPrice     decimal.Decimal
	MarketValue      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct decimal.Decimal
	RealizedPnL      decimal.Decimal
	Open             bool
	SignalIDs        []string
	OrderIDs         []string
	OpenedAt         time.Time
	ClosedAt         time.Time
	UpdatedAt        time.Time
}

// PortfolioState is the singleton-per-strategy aggregate. Sole writer is
// the portfolio ledger; recomputed from history, never patched in place.
type PortfolioState struct {
	Strategy       string
	InitialCash    decimal.Decimal
	Cash           decimal.Decimal
	PortfolioValue decimal.Decimal
	PeakValue      decimal.Decimal
	MaxDrawdownPct decimal.Decimal
	WinCount       int
	LossCount      int
	TotalTrades    int
	WinRate        decimal.Decimal
	SharpeRatio    decimal.Decimal
	SortinoRatio   decimal.Decimal
	UpdatedAt      time.Time
}

// AuditKind classifies an audit trail entry
type AuditKind string

const (
	AuditSignalGenerated AuditKind = "signal_generated"
	AuditSignalSkipped   AuditKind = "signal_skipped"
	AuditSignalExpired   AuditKind = "signal_expired"
	AuditOrderPlaced     AuditKind = "order_placed"
	AuditOrderFilled     AuditKind = "order_filled"
	AuditOrderRejected   AuditKind = "order_rejected"
	AuditOrderConflict   AuditKind = "order_conflict"
	AuditLedgerRecompute AuditKind = "ledger_recompute"
)

// AuditEvent is an immutable snapshot taken at a significant lifecycle
// point, carrying the hash of the config in effect so the decision can
// be reproduced later.
type AuditEvent struct {
	ID         string
	Kind       AuditKind
	SignalID   string
	OrderID    string
	ConfigHash string
	Details    map[string]string
	Timestamp  time.Time
}

// BrokerOrderRequest is the outbound order contract. ClientOrderID is
// the idempotency key.
type BrokerOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
}

// BrokerOrder is the broker's view of an order
type BrokerOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}

// BrokerEvent is the inbound webhook/stream contract, persisted verbatim
// in the state event log.
type BrokerEvent struct {
	EventID       string          `json:"event_id"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	NewStatus     string          `json:"new_status"`
	PrevStatus    string          `json:"previous_status,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Timestamp     time.Time       `json:"timestamp"`

	Raw json.RawMessage `json:"-"`
}

// SignalEnvelope is the ingestion contract from the model collaborator
type SignalEnvelope struct {
	Ticker          string          `json:"ticker"`
	SignalType      string          `json:"signal_type"`
	ConfidenceScore decimal.Decimal `json:"confidence_score"`
	ModelVersion    string          `json:"model_version"`
	FeatureHash     string          `json:"feature_hash"`
	GeneratedAt     time.Time       `json:"generated_at"`
}
