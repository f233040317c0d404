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

const positionColumns = `id, account_id, security_id, symbol, quantity::text, average_cost::text, created_at, updated_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	p := &models.Position{}
	var qty, avg string
	err := row.Scan(&p.ID, &p.AccountID, &p.SecurityID, &p.Symbol, &qty, &avg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse position quantity: %w", err)
	}
	if p.AverageCost, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse position average cost: %w", err)
	}
	return p, nil
}

// Position retrieves the (account, security) position, (nil, nil) when absent.
func (s *Store) Position(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 AND security_id = $2`,
		accountID, securityID)
	return scanPosition(row)
}

// PositionsByAccount lists an account's open positions.
func (s *Store) PositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PositionHistoryByAccount lists closed positions, newest first.
func (s *Store) PositionHistoryByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.PositionHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, security_id, symbol, quantity::text, average_cost::text, realized_pnl::text, opened_at, closed_at
		 FROM position_history WHERE account_id = $1 ORDER BY closed_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query position history for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*models.PositionHistory
	for rows.Next() {
		h := &models.PositionHistory{}
		var qty, avg, pnl string
		if err := rows.Scan(&h.ID, &h.AccountID, &h.SecurityID, &h.Symbol, &qty, &avg, &pnl, &h.OpenedAt, &h.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan position history: %w", err)
		}
		if h.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if h.AverageCost, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		if h.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PositionForUpdate reads and row-locks the position, (nil, nil) when absent.
func (t *storeTx) PositionForUpdate(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 AND security_id = $2 FOR UPDATE`,
		accountID, securityID)
	return scanPosition(row)
}

// SavePosition upserts the position. The quantity guard is enforced
// here and by the table's CHECK constraint.
func (t *storeTx) SavePosition(ctx context.Context, pos *models.Position) error {
	if pos.Quantity.Sign() < 0 {
		return apperr.E(apperr.FailedPrecondition, "insufficient_shares", "position quantity would go negative")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, account_id, security_id, symbol, quantity, average_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id, security_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost, updated_at = EXCLUDED.updated_at`,
		pos.ID, pos.AccountID, pos.SecurityID, pos.Symbol,
		pos.Quantity.String(), pos.AverageCost.String(), pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position for account %s: %w", pos.AccountID, err)
	}
	return nil
}

// DeletePosition removes a closed position's live row.
func (t *storeTx) DeletePosition(ctx context.Context, id uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	return nil
}

// ArchivePosition appends a closed position to history.
func (t *storeTx) ArchivePosition(ctx context.Context, hist *models.PositionHistory) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO position_history (id, account_id, security_id, symbol, quantity, average_cost, realized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hist.ID, hist.AccountID, hist.SecurityID, hist.Symbol,
		hist.Quantity.String(), hist.AverageCost.String(), hist.RealizedPnL.String(),
		hist.OpenedAt, hist.ClosedAt)
	if err != nil {
		return fmt.Errorf("archive position for account %s: %w", hist.AccountID, err)
	}
	return nil
}

// HasPositions reports whether the account holds any security.
func (t *storeTx) HasPositions(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM positions WHERE account_id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check positions for account %s: %w", accountID, err)
	}
	return exists, nil
}
