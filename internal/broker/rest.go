// Package broker adapts a REST+websocket brokerage API to the internal
// IBroker contract. Broker errors are mapped onto the shared taxonomy so
// callers can decide between retrying and giving up.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	apphttp "signal_trader/pkg/http"

	"github.com/shopspring/decimal"
)

// keySigner injects API credentials into outbound requests
type keySigner struct {
	apiKey    string
	secretKey string
}

func (s *keySigner) SignRequest(req *http.Request) error {
	req.Header.Set("APCA-API-KEY-ID", s.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", s.secretKey)
	return nil
}

// RESTBroker implements core.IBroker against a paper-trading REST API
type RESTBroker struct {
	name   string
	client *apphttp.Client
	stream *eventStream
	logger core.ILogger
}

func NewRESTBroker(cfg config.BrokerConfig, logger core.ILogger) *RESTBroker {
	signer := &keySigner{
		apiKey:    cfg.APIKey.Value(),
		secretKey: cfg.SecretKey.Value(),
	}
	b := &RESTBroker{
		name:   cfg.Name,
		client: apphttp.NewClient(cfg.BaseURL, time.Duration(cfg.TimeoutSec)*time.Second, signer),
		logger: logger.WithField("component", "broker").WithField("broker", cfg.Name),
	}
	b.stream = newEventStream(cfg, b.logger)
	return b
}

// SetStreamReconnectDelay sets the wait between websocket reconnect
// attempts. Must be called before the event stream starts.
func (b *RESTBroker) SetStreamReconnectDelay(d time.Duration) {
	b.stream.mu.Lock()
	defer b.stream.mu.Unlock()
	b.stream.reconnectWait = d
}

func (b *RESTBroker) GetName() string { return b.name }

func (b *RESTBroker) CheckHealth(ctx context.Context) error {
	if _, err := b.client.Get(ctx, "/v2/clock", nil); err != nil {
		return mapError(err)
	}
	return nil
}

// PlaceOrder submits an order. The client order id makes retries safe:
// the broker returns the existing order for a repeated id.
func (b *RESTBroker) PlaceOrder(ctx context.Context, req *core.BrokerOrderRequest) (*core.BrokerOrder, error) {
	body, err := b.client.Post(ctx, "/v2/orders", req)
	if err != nil {
		return nil, mapError(err)
	}
	var out core.BrokerOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	b.logger.Debug("Order placed with broker",
		"client_order_id", req.ClientOrderID, "broker_order_id", out.OrderID)
	return &out, nil
}

func (b *RESTBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if _, err := b.client.Delete(ctx, "/v2/orders/"+brokerOrderID, nil); err != nil {
		return mapError(err)
	}
	return nil
}

// GetOrder looks an order up by its client order id (idempotency key)
func (b *RESTBroker) GetOrder(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	body, err := b.client.Get(ctx, "/v2/orders:by_client_order_id",
		map[string]string{"client_order_id": clientOrderID})
	if err != nil {
		return nil, mapError(err)
	}
	var out core.BrokerOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode order lookup: %w", err)
	}
	return &out, nil
}

func (b *RESTBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := b.client.Get(ctx, "/v2/stocks/"+symbol+"/quotes/latest", nil)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	var quote struct {
		Quote struct {
			AskPrice decimal.Decimal `json:"ap"`
			BidPrice decimal.Decimal `json:"bp"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(body, &quote); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode quote for %s: %w", symbol, err)
	}

	ask, bid := quote.Quote.AskPrice, quote.Quote.BidPrice
	switch {
	case ask.IsPositive() && bid.IsPositive():
		return ask.Add(bid).Div(decimal.NewFromInt(2)), nil
	case ask.IsPositive():
		return ask, nil
	case bid.IsPositive():
		return bid, nil
	}
	return decimal.Zero, fmt.Errorf("no quote available for %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

func (b *RESTBroker) StartEventStream(ctx context.Context, callback func(*core.BrokerEvent)) error {
	return b.stream.start(ctx, callback)
}

func (b *RESTBroker) StopEventStream() error {
	b.stream.stop()
	return nil
}

// mapError folds transport and API errors onto the shared taxonomy
func mapError(err error) error {
	var apiErr *apphttp.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Body)
	case apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Body)
	case apiErr.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Body)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Body)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", apperrors.ErrBrokerUnavailable, apiErr.StatusCode)
	case apiErr.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Body)
	}
	return err
}
