// Package store persists the pipeline's state in SQLite. Single writer
// process, WAL mode, decimals stored as text to avoid float drift.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements core.IStore
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id               TEXT PRIMARY KEY,
	ticker           TEXT NOT NULL,
	signal_type      TEXT NOT NULL,
	confidence_score TEXT NOT NULL,
	model_version    TEXT NOT NULL,
	feature_hash     TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	state            TEXT NOT NULL,
	generated_at     TIMESTAMP NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_fingerprint ON signals(fingerprint, generated_at);
CREATE INDEX IF NOT EXISTS idx_signals_state ON signals(state);

CREATE TABLE IF NOT EXISTS orders (
	id                    TEXT PRIMARY KEY,
	signal_id             TEXT NOT NULL,
	ticker                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	quantity              TEXT NOT NULL,
	order_type            TEXT NOT NULL,
	limit_price           TEXT NOT NULL,
	stop_price            TEXT NOT NULL,
	idempotency_key       TEXT NOT NULL UNIQUE,
	attempt               INTEGER NOT NULL,
	status                TEXT NOT NULL,
	state_machine_version INTEGER NOT NULL,
	reject_reason         TEXT NOT NULL DEFAULT '',
	filled_quantity       TEXT NOT NULL,
	avg_fill_price        TEXT NOT NULL,
	broker_order_id       TEXT NOT NULL DEFAULT '',
	submitted_at          TIMESTAMP,
	updated_at            TIMESTAMP NOT NULL,
	created_at            TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);

CREATE TABLE IF NOT EXISTS order_state_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id        TEXT NOT NULL,
	broker_event_id TEXT NOT NULL,
	prev_status     TEXT NOT NULL DEFAULT '',
	new_status      TEXT NOT NULL,
	source          TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_price       TEXT NOT NULL,
	raw_payload     BLOB,
	applied         INTEGER NOT NULL DEFAULT 0,
	ts              TIMESTAMP NOT NULL,
	UNIQUE(order_id, broker_event_id)
);

CREATE TABLE IF NOT EXISTS fills (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	ticker   TEXT NOT NULL,
	side     TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price    TEXT NOT NULL,
	ts       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	ticker             TEXT NOT NULL,
	quantity           TEXT NOT NULL,
	avg_entry_price    TEXT NOT NULL,
	current_price      TEXT NOT NULL,
	market_value       TEXT NOT NULL,
	unrealized_pnl     TEXT NOT NULL,
	unrealized_pnl_pct TEXT NOT NULL,
	realized_pnl       TEXT NOT NULL,
	open               INTEGER NOT NULL,
	signal_ids         TEXT NOT NULL DEFAULT '[]',
	order_ids          TEXT NOT NULL DEFAULT '[]',
	opened_at          TIMESTAMP NOT NULL,
	closed_at          TIMESTAMP,
	updated_at         TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_ticker ON positions(ticker) WHERE open = 1;

CREATE TABLE IF NOT EXISTS portfolio_state (
	strategy         TEXT PRIMARY KEY,
	initial_cash     TEXT NOT NULL,
	cash             TEXT NOT NULL,
	portfolio_value  TEXT NOT NULL,
	peak_value       TEXT NOT NULL,
	max_drawdown_pct TEXT NOT NULL,
	win_count        INTEGER NOT NULL,
	loss_count       INTEGER NOT NULL,
	total_trades     INTEGER NOT NULL,
	win_rate         TEXT NOT NULL,
	sharpe_ratio     TEXT NOT NULL,
	sortino_ratio    TEXT NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	signal_id   TEXT NOT NULL DEFAULT '',
	order_id    TEXT NOT NULL DEFAULT '',
	config_hash TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}',
	ts          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_signal ON audit_events(signal_id);
`

// NewSQLiteStore opens (and migrates) the database at path. The strategy
// row is seeded with initialCash on first run only.
func NewSQLiteStore(path string, strategy string, initialCash decimal.Decimal, logger core.ILogger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.WithField("component", "store")}
	if err := s.seedPortfolio(strategy, initialCash); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) seedPortfolio(strategy string, initialCash decimal.Decimal) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO portfolio_state
			(strategy, initial_cash, cash, portfolio_value, peak_value, max_drawdown_pct,
			 win_count, loss_count, total_trades, win_rate, sharpe_ratio, sortino_ratio, updated_at)
		VALUES (?, ?, ?, ?, ?, '0', 0, 0, 0, '0', '0', '0', ?)
		ON CONFLICT(strategy) DO NOTHING`,
		strategy, initialCash.String(), initialCash.String(), initialCash.String(), initialCash.String(), now)
	if err != nil {
		return fmt.Errorf("failed to seed portfolio state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- signals ---

func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *core.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals
			(id, ticker, signal_type, confidence_score, model_version, feature_hash,
			 fingerprint, state, generated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Ticker, string(sig.Type), sig.ConfidenceScore.String(),
		sig.ModelVersion, sig.FeatureHash, sig.Fingerprint, string(sig.State),
		sig.GeneratedAt.UTC(), sig.CreatedAt.UTC())
	if err != nil {
		// The unique (fingerprint, generated_at) index is the dedup
		// barrier for concurrent deliveries of the same envelope.
		if isUniqueViolation(err) {
			return apperrors.ErrDuplicateSignal
		}
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

const signalColumns = `id, ticker, signal_type, confidence_score, model_version,
	feature_hash, fingerprint, state, generated_at, created_at`

func (s *SQLiteStore) scanSignal(row interface{ Scan(...any) error }) (*core.Signal, error) {
	var sig core.Signal
	var confidence string
	err := row.Scan(&sig.ID, &sig.Ticker, &sig.Type, &confidence, &sig.ModelVersion,
		&sig.FeatureHash, &sig.Fingerprint, &sig.State, &sig.GeneratedAt, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sig.ConfidenceScore, err = decimal.NewFromString(confidence); err != nil {
		return nil, fmt.Errorf("corrupt confidence_score for signal %s: %w", sig.ID, err)
	}
	return &sig, nil
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*core.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := s.scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrSignalNotFound
	}
	return sig, err
}

func (s *SQLiteStore) GetSignalByFingerprint(ctx context.Context, fingerprint string) (*core.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE fingerprint = ? ORDER BY created_at DESC LIMIT 1`,
		fingerprint)
	sig, err := s.scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrSignalNotFound
	}
	return sig, err
}

func (s *SQLiteStore) UpdateSignalState(ctx context.Context, id string, from, to core.SignalState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET state = ? WHERE id = ? AND state = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update signal %s state: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("signal %s not in state %s: %w", id, from, apperrors.ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) ListSignalsInState(ctx context.Context, state core.SignalState, olderThan time.Time) ([]*core.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE state = ? AND generated_at < ?`,
		string(state), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list signals in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []*core.Signal
	for rows.Next() {
		sig, err := s.scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// --- orders ---

const orderColumns = `id, signal_id, ticker, side, quantity, order_type, limit_price,
	stop_price, idempotency_key, attempt, status, state_machine_version, reject_reason,
	filled_quantity, avg_fill_price, broker_order_id, submitted_at, updated_at, created_at`

func (s *SQLiteStore) SaveOrder(ctx context.Context, o *core.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempt = excluded.attempt,
			broker_order_id = excluded.broker_order_id,
			updated_at = excluded.updated_at`,
		o.ID, o.SignalID, o.Ticker, string(o.Side), o.Quantity.String(), string(o.Type),
		o.LimitPrice.String(), o.StopPrice.String(), o.IdempotencyKey, o.Attempt,
		string(o.Status), o.StateMachineVersion, o.RejectReason,
		o.FilledQuantity.String(), o.AvgFillPrice.String(), o.BrokerOrderID,
		nullableTime(o.SubmittedAt), o.UpdatedAt.UTC(), o.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteStore) scanOrder(row interface{ Scan(...any) error }) (*core.Order, error) {
	var o core.Order
	var qty, limitPrice, stopPrice, filledQty, avgPrice string
	var submittedAt sql.NullTime
	err := row.Scan(&o.ID, &o.SignalID, &o.Ticker, &o.Side, &qty, &o.Type, &limitPrice,
		&stopPrice, &o.IdempotencyKey, &o.Attempt, &o.Status, &o.StateMachineVersion,
		&o.RejectReason, &filledQty, &avgPrice, &o.BrokerOrderID,
		&submittedAt, &o.UpdatedAt, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if submittedAt.Valid {
		o.SubmittedAt = submittedAt.Time
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Quantity, qty}, {&o.LimitPrice, limitPrice}, {&o.StopPrice, stopPrice},
		{&o.FilledQuantity, filledQty}, {&o.AvgFillPrice, avgPrice},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return nil, fmt.Errorf("corrupt decimal column for order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := s.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

func (s *SQLiteStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key)
	o, err := s.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

func (s *SQLiteStore) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := s.scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

// UpdateOrderCAS persists the order only if the stored row still carries
// expectedVersion. Zero rows affected means a concurrent writer won.
func (s *SQLiteStore) UpdateOrderCAS(ctx context.Context, o *core.Order, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = ?, state_machine_version = ?, reject_reason = ?,
			filled_quantity = ?, avg_fill_price = ?, broker_order_id = ?,
			submitted_at = ?, updated_at = ?
		WHERE id = ? AND state_machine_version = ?`,
		string(o.Status), o.StateMachineVersion, o.RejectReason,
		o.FilledQuantity.String(), o.AvgFillPrice.String(), o.BrokerOrderID,
		nullableTime(o.SubmittedAt), o.UpdatedAt.UTC(),
		o.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("order %s moved past version %d: %w",
			o.ID, expectedVersion, apperrors.ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) ListStuckOrders(ctx context.Context, statuses []core.OrderStatus, olderThan time.Time) ([]*core.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, olderThan.UTC())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN (`+placeholders+`) AND updated_at < ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE created_at >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// --- state event log ---

// InsertOrderStateEvent appends one event. Returns false without error
// when the (order_id, broker_event_id) pair was already logged.
func (s *SQLiteStore) InsertOrderStateEvent(ctx context.Context, ev *core.OrderStateEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_state_events
			(order_id, broker_event_id, prev_status, new_status, source,
			 filled_qty, avg_price, raw_payload, applied, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.OrderID, ev.BrokerEventID, string(ev.PrevStatus), string(ev.NewStatus),
		string(ev.Source), ev.FilledQty.String(), ev.AvgPrice.String(),
		ev.RawPayload, boolToInt(ev.Applied), ev.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert state event for order %s: %w", ev.OrderID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	ev.ID, _ = res.LastInsertId()
	return true, nil
}

func (s *SQLiteStore) MarkOrderStateEventApplied(ctx context.Context, orderID, brokerEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE order_state_events SET applied = 1 WHERE order_id = ? AND broker_event_id = ?`,
		orderID, brokerEventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s applied: %w", brokerEventID, err)
	}
	return nil
}

func (s *SQLiteStore) ListOrderStateEvents(ctx context.Context, orderID string) ([]*core.OrderStateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, broker_event_id, prev_status, new_status, source,
		       filled_qty, avg_price, raw_payload, applied, ts
		FROM order_state_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state events for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []*core.OrderStateEvent
	for rows.Next() {
		var ev core.OrderStateEvent
		var filledQty, avgPrice string
		var applied int
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.BrokerEventID, &ev.PrevStatus,
			&ev.NewStatus, &ev.Source, &filledQty, &avgPrice, &ev.RawPayload,
			&applied, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Applied = applied != 0
		if ev.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
			return nil, fmt.Errorf("corrupt filled_qty for event %d: %w", ev.ID, err)
		}
		if ev.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, fmt.Errorf("corrupt avg_price for event %d: %w", ev.ID, err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- fills ---

func (s *SQLiteStore) SaveFill(ctx context.Context, f *core.Fill) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, ticker, side, quantity, price, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Ticker, string(f.Side), f.Quantity.String(), f.Price.String(),
		f.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save fill for order %s: %w", f.OrderID, err)
	}
	f.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListFills(ctx context.Context) ([]*core.Fill, error) {
	return s.queryFills(ctx, `SELECT id, order_id, ticker, side, quantity, price, ts
		FROM fills ORDER BY ts, id`)
}

func (s *SQLiteStore) ListFillsForOrder(ctx context.Context, orderID string) ([]*core.Fill, error) {
	return s.queryFills(ctx, `SELECT id, order_id, ticker, side, quantity, price, ts
		FROM fills WHERE order_id = ? ORDER BY ts, id`, orderID)
}

func (s *SQLiteStore) queryFills(ctx context.Context, query string, args ...any) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []*core.Fill
	for rows.Next() {
		var f core.Fill
		var qty, price string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Ticker, &f.Side, &qty, &price, &f.Timestamp); err != nil {
			return nil, err
		}
		if f.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity for fill %d: %w", f.ID, err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price for fill %d: %w", f.ID, err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- positions ---

func (s *SQLiteStore) SavePosition(ctx context.Context, p *core.Position) error {
	signalIDs, _ := json.Marshal(p.SignalIDs)
	orderIDs, _ := json.Marshal(p.OrderIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(id, ticker, quantity, avg_entry_price, current_price, market_value,
			 unrealized_pnl, unrealized_pnl_pct, realized_pnl, open, signal_ids,
			 order_ids, opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			current_price = excluded.current_price,
			market_value = excluded.market_value,
			unrealized_pnl = excluded.unrealized_pnl,
			unrealized_pnl_pct = excluded.unrealized_pnl_pct,
			realized_pnl = excluded.realized_pnl,
			open = excluded.open,
			signal_ids = excluded.signal_ids,
			order_ids = excluded.order_ids,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at`,
		p.ID, p.Ticker, p.Quantity.String(), p.AvgEntryPrice.String(),
		p.CurrentPrice.String(), p.MarketValue.String(), p.UnrealizedPnL.String(),
		p.UnrealizedPnLPct.String(), p.RealizedPnL.String(), boolToInt(p.Open),
		string(signalIDs), string(orderIDs), p.OpenedAt.UTC(),
		nullableTime(p.ClosedAt), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", p.Ticker, err)
	}
	return nil
}

const positionColumns = `id, ticker, quantity, avg_entry_price, current_price,
	market_value, unrealized_pnl, unrealized_pnl_pct, realized_pnl, open,
	signal_ids, order_ids, opened_at, closed_at, updated_at`

func (s *SQLiteStore) scanPosition(row interface{ Scan(...any) error }) (*core.Position, error) {
	var p core.Position
	var qty, avgEntry, current, marketValue, upnl, upnlPct, rpnl string
	var open int
	var signalIDs, orderIDs string
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Ticker, &qty, &avgEntry, &current, &marketValue,
		&upnl, &upnlPct, &rpnl, &open, &signalIDs, &orderIDs,
		&p.OpenedAt, &closedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Open = open != 0
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Quantity, qty}, {&p.AvgEntryPrice, avgEntry}, {&p.CurrentPrice, current},
		{&p.MarketValue, marketValue}, {&p.UnrealizedPnL, upnl},
		{&p.UnrealizedPnLPct, upnlPct}, {&p.RealizedPnL, rpnl},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return nil, fmt.Errorf("corrupt decimal column for position %s: %w", p.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(signalIDs), &p.SignalIDs); err != nil {
		return nil, fmt.Errorf("corrupt signal_ids for position %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(orderIDs), &p.OrderIDs); err != nil {
		return nil, fmt.Errorf("corrupt order_ids for position %s: %w", p.ID, err)
	}
	return &p, nil
}

// GetPosition returns the open position for a ticker
func (s *SQLiteStore) GetPosition(ctx context.Context, ticker string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE ticker = ? AND open = 1`, ticker)
	p, err := s.scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrPositionNotFound
	}
	return p, err
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE open = 1 ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		p, err := s.scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE open = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return n, nil
}

// --- portfolio aggregate ---

func (s *SQLiteStore) GetPortfolioState(ctx context.Context) (*core.PortfolioState, error) {
	var ps core.PortfolioState
	var initialCash, cash, value, peak, dd, winRate, sharpe, sortino string
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy, initial_cash, cash, portfolio_value, peak_value, max_drawdown_pct,
		       win_count, loss_count, total_trades, win_rate, sharpe_ratio, sortino_ratio, updated_at
		FROM portfolio_state LIMIT 1`).Scan(
		&ps.Strategy, &initialCash, &cash, &value, &peak, &dd,
		&ps.WinCount, &ps.LossCount, &ps.TotalTrades, &winRate, &sharpe, &sortino, &ps.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio state: %w", err)
	}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ps.InitialCash, initialCash}, {&ps.Cash, cash}, {&ps.PortfolioValue, value},
		{&ps.PeakValue, peak}, {&ps.MaxDrawdownPct, dd}, {&ps.WinRate, winRate},
		{&ps.SharpeRatio, sharpe}, {&ps.SortinoRatio, sortino},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return nil, fmt.Errorf("corrupt portfolio state column: %w", err)
		}
	}
	return &ps, nil
}

func (s *SQLiteStore) SavePortfolioState(ctx context.Context, ps *core.PortfolioState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE portfolio_state SET
			initial_cash = ?, cash = ?, portfolio_value = ?, peak_value = ?,
			max_drawdown_pct = ?, win_count = ?, loss_count = ?, total_trades = ?,
			win_rate = ?, sharpe_ratio = ?, sortino_ratio = ?, updated_at = ?
		WHERE strategy = ?`,
		ps.InitialCash.String(), ps.Cash.String(), ps.PortfolioValue.String(),
		ps.PeakValue.String(), ps.MaxDrawdownPct.String(), ps.WinCount, ps.LossCount,
		ps.TotalTrades, ps.WinRate.String(), ps.SharpeRatio.String(),
		ps.SortinoRatio.String(), ps.UpdatedAt.UTC(), ps.Strategy)
	if err != nil {
		return fmt.Errorf("failed to save portfolio state: %w", err)
	}
	return nil
}

// --- audit trail ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *core.AuditEvent) error {
	details, _ := json.Marshal(ev.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, signal_id, order_id, config_hash, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.SignalID, ev.OrderID, ev.ConfigHash,
		string(details), ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
