package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Orders
// ----------------------------------------

// UpsertOrder creates or updates an order row by idempotency key.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			uuid, exchange_id, market, side, ord_type, price, volume,
			executed_volume, avg_price, paid_fee, state, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(uuid) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			executed_volume = excluded.executed_volume,
			avg_price = excluded.avg_price,
			paid_fee = excluded.paid_fee,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, o.UUID, o.ExchangeID, o.Market, o.Side, o.OrdType, o.Price, o.Volume,
		o.ExecutedVolume, o.AvgPrice, o.PaidFee, o.State)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// GetOrder returns the order with the given idempotency key.
func (d *Database) GetOrder(ctx context.Context, uuid string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT uuid, COALESCE(exchange_id, ''), market, side, ord_type, price, volume,
		       executed_volume, avg_price, paid_fee, state, created_at, updated_at
		FROM orders WHERE uuid = ?
	`, uuid)
	var o Order
	if err := row.Scan(&o.UUID, &o.ExchangeID, &o.Market, &o.Side, &o.OrdType, &o.Price,
		&o.Volume, &o.ExecutedVolume, &o.AvgPrice, &o.PaidFee, &o.State, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ListOpenOrders returns non-terminal orders for a market.
func (d *Database) ListOpenOrders(ctx context.Context, market string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT uuid, COALESCE(exchange_id, ''), market, side, ord_type, price, volume,
		       executed_volume, avg_price, paid_fee, state, created_at, updated_at
		FROM orders
		WHERE market = ? AND state IN ('pending', 'open')
		ORDER BY created_at ASC
	`, market)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.UUID, &o.ExchangeID, &o.Market, &o.Side, &o.OrdType, &o.Price,
			&o.Volume, &o.ExecutedVolume, &o.AvgPrice, &o.PaidFee, &o.State, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Positions
// ----------------------------------------

// UpsertPosition stores the current position for a market.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			market, side, entry_price, volume, stop_price, trail_price,
			unrealized_pnl, realized_pnl, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(market) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			volume = excluded.volume,
			stop_price = excluded.stop_price,
			trail_price = excluded.trail_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.Market, p.Side, p.EntryPrice, p.Volume, p.StopPrice, p.TrailPrice,
		p.UnrealizedPnl, p.RealizedPnl)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// GetPosition returns the stored position for a market, or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, market string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT market, side, entry_price, volume, stop_price, trail_price,
		       unrealized_pnl, realized_pnl, created_at, updated_at
		FROM positions WHERE market = ?
	`, market)
	var p Position
	if err := row.Scan(&p.Market, &p.Side, &p.EntryPrice, &p.Volume, &p.StopPrice,
		&p.TrailPrice, &p.UnrealizedPnl, &p.RealizedPnl, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

// ClearPosition removes the position row when the account goes flat.
func (d *Database) ClearPosition(ctx context.Context, market string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE market = ?`, market); err != nil {
		return fmt.Errorf("clear position: %w", err)
	}
	return nil
}

// ----------------------------------------
// Trades
// ----------------------------------------

// InsertTrade appends a closed trade; rows are never updated.
func (d *Database) InsertTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			order_uuid, market, side, entry_price, exit_price, volume,
			fee, pnl, r_multiple, mfe, mae, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.OrderUUID, t.Market, t.Side, t.EntryPrice, t.ExitPrice, t.Volume,
		t.Fee, t.Pnl, t.RMultiple, t.MFE, t.MAE, t.Reason)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListRecentTrades returns the newest trades first.
func (d *Database) ListRecentTrades(ctx context.Context, market string, limit int) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(order_uuid, ''), market, side, entry_price, exit_price,
		       volume, fee, pnl, r_multiple, mfe, mae, COALESCE(reason, ''), created_at
		FROM trades
		WHERE market = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, market, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderUUID, &t.Market, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Volume, &t.Fee, &t.Pnl, &t.RMultiple, &t.MFE, &t.MAE, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Account snapshots
// ----------------------------------------

// InsertSnapshot appends a timestamped account snapshot.
func (d *Database) InsertSnapshot(ctx context.Context, s AccountSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO account_snapshots (
			total_krw, total_btc, total_value_krw, daily_pnl, weekly_pnl, total_pnl, current_r
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.TotalKRW, s.TotalBTC, s.TotalValueKRW, s.DailyPnl, s.WeeklyPnl, s.TotalPnl, s.CurrentR)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent account snapshot, or ErrNotFound.
func (d *Database) LatestSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, total_krw, total_btc, total_value_krw, daily_pnl, weekly_pnl,
		       total_pnl, current_r, created_at
		FROM account_snapshots
		ORDER BY id DESC
		LIMIT 1
	`)
	var s AccountSnapshot
	if err := row.Scan(&s.ID, &s.TotalKRW, &s.TotalBTC, &s.TotalValueKRW, &s.DailyPnl,
		&s.WeeklyPnl, &s.TotalPnl, &s.CurrentR, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &s, nil
}
