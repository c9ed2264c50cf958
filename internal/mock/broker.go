// Package mock provides in-memory test doubles for the broker and the
// ambient interfaces.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockBroker implements core.IBroker for testing. Orders fill instantly
// unless FailWith or HoldOrders is set.
type MockBroker struct {
	mu         sync.Mutex
	name       string
	orders     map[string]*core.BrokerOrder // keyed by client order id
	orderSeq   int
	prices     map[string]decimal.Decimal
	callback   func(*core.BrokerEvent)
	eventSeq   int
	placeCalls int

	// Test knobs
	FailWith   error // returned by PlaceOrder when set
	Failures   int   // number of times FailWith fires before succeeding
	HoldOrders bool  // leave orders in "new" instead of filling
	Unhealthy  bool
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		name:   "mock",
		orders: make(map[string]*core.BrokerOrder),
		prices: make(map[string]decimal.Decimal),
	}
}

func (m *MockBroker) GetName() string { return m.name }

func (m *MockBroker) CheckHealth(ctx context.Context) error {
	if m.Unhealthy {
		return apperrors.ErrBrokerUnavailable
	}
	return nil
}

// SetPrice sets the quote returned for a symbol
func (m *MockBroker) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// PlaceCalls reports how many times PlaceOrder was invoked
func (m *MockBroker) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req *core.BrokerOrderRequest) (*core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	if m.FailWith != nil && (m.Failures == 0 || m.placeCalls <= m.Failures) {
		return nil, m.FailWith
	}

	// Idempotent on client order id.
	if existing, ok := m.orders[req.ClientOrderID]; ok {
		return existing, nil
	}

	m.orderSeq++
	o := &core.BrokerOrder{
		OrderID:       fmt.Sprintf("bo-%d", m.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "new",
		FilledQty:     decimal.Zero,
	}
	if !m.HoldOrders {
		o.Status = "filled"
		o.FilledQty = req.Qty
		o.AvgPrice = m.fillPrice(req)
	}
	m.orders[req.ClientOrderID] = o
	return o, nil
}

func (m *MockBroker) fillPrice(req *core.BrokerOrderRequest) decimal.Decimal {
	if req.Type == core.OrderTypeLimit && req.LimitPrice.IsPositive() {
		return req.LimitPrice
	}
	if p, ok := m.prices[req.Symbol]; ok {
		return p
	}
	return decimal.NewFromInt(100)
}

func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderID == brokerOrderID {
			if o.Status == "filled" {
				return apperrors.ErrOrderRejected
			}
			o.Status = "canceled"
			return nil
		}
	}
	return apperrors.ErrOrderNotFound
}

func (m *MockBroker) GetOrder(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MockBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prices[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, apperrors.ErrInvalidSymbol
}

func (m *MockBroker) StartEventStream(ctx context.Context, callback func(*core.BrokerEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = callback
	return nil
}

func (m *MockBroker) StopEventStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = nil
	return nil
}

// EmitEvent pushes a synthetic event to the registered stream callback
func (m *MockBroker) EmitEvent(ev *core.BrokerEvent) {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// FillEvent builds a filled trade update for an existing order
func (m *MockBroker) FillEvent(clientOrderID string, qty, price decimal.Decimal) *core.BrokerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	o := m.orders[clientOrderID]
	brokerID := ""
	if o != nil {
		brokerID = o.OrderID
	}
	return &core.BrokerEvent{
		EventID:       fmt.Sprintf("ev-%d", m.eventSeq),
		OrderID:       brokerID,
		ClientOrderID: clientOrderID,
		NewStatus:     "filled",
		FilledQty:     qty,
		AvgPrice:      price,
		Timestamp:     time.Now().UTC(),
	}
}
