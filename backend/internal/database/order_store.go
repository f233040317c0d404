package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

const orderColumns = `id, account_id, security_id, symbol, side, type, quantity::text,
	limit_price::text, stop_price::text, time_in_force, status,
	filled_quantity::text, average_fill_price::text, created_at, updated_at, executed_at`

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var qty, filled string
	var limit, stop, avgFill *string
	err := row.Scan(&o.ID, &o.AccountID, &o.SecurityID, &o.Symbol, &o.Side, &o.Type, &qty,
		&limit, &stop, &o.TimeInForce, &o.Status, &filled, &avgFill,
		&o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse order quantity: %w", err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("parse filled quantity: %w", err)
	}
	if o.LimitPrice, err = parseNullDecimal(limit); err != nil {
		return nil, fmt.Errorf("parse limit price: %w", err)
	}
	if o.StopPrice, err = parseNullDecimal(stop); err != nil {
		return nil, fmt.Errorf("parse stop price: %w", err)
	}
	if o.AverageFillPrice, err = parseNullDecimal(avgFill); err != nil {
		return nil, fmt.Errorf("parse average fill price: %w", err)
	}
	return o, nil
}

func nullDecimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// Order retrieves an order by id, (nil, nil) when absent.
func (s *Store) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// OrdersByAccount lists an account's orders, newest first.
func (s *Store) OrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query orders for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateOrder inserts a new order row.
func (t *storeTx) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, security_id, symbol, side, type, quantity,
			limit_price, stop_price, time_in_force, status, filled_quantity, average_fill_price,
			created_at, updated_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.AccountID, o.SecurityID, o.Symbol, o.Side, o.Type, o.Quantity.String(),
		nullDecimalArg(o.LimitPrice), nullDecimalArg(o.StopPrice), o.TimeInForce, o.Status,
		o.FilledQuantity.String(), nullDecimalArg(o.AverageFillPrice),
		o.CreatedAt, o.UpdatedAt, o.ExecutedAt)
	if err != nil {
		return fmt.Errorf("create order for account %s: %w", o.AccountID, err)
	}
	return nil
}

// OrderForUpdate reads and row-locks an order, (nil, nil) when absent.
func (t *storeTx) OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// UpdateOrder persists mutable order fields (status, fill state, prices).
func (t *storeTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET quantity = $2, limit_price = $3, stop_price = $4, time_in_force = $5,
		     status = $6, filled_quantity = $7, average_fill_price = $8,
		     updated_at = NOW(), executed_at = $9
		 WHERE id = $1`,
		o.ID, o.Quantity.String(), nullDecimalArg(o.LimitPrice), nullDecimalArg(o.StopPrice),
		o.TimeInForce, o.Status, o.FilledQuantity.String(), nullDecimalArg(o.AverageFillPrice),
		o.ExecutedAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.NotFound, "order_not_found", "order not found")
	}
	return nil
}

// HasOpenOrders reports whether any order of the account is still live.
func (t *storeTx) HasOpenOrders(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders
		  WHERE account_id = $1 AND status IN ('pending', 'open', 'partially_filled'))`,
		accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open orders for account %s: %w", accountID, err)
	}
	return exists, nil
}
