package database

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/models"
)

// SecurityBySymbol retrieves a security, (nil, nil) when unregistered.
func (s *Store) SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error) {
	sec := &models.Security{}
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, last_price::text, priced_at FROM securities WHERE symbol = $1`,
		symbol).Scan(&sec.ID, &sec.Symbol, &sec.Name, &price, &sec.PricedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get security %s: %w", symbol, err)
	}
	if sec.LastPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse last price for %s: %w", symbol, err)
	}
	return sec, nil
}

// UpsertSecurity registers a symbol or refreshes its last known quote.
// Securities are registered lazily the first time an order references
// them and the oracle recognizes the symbol.
func (s *Store) UpsertSecurity(ctx context.Context, sec *models.Security) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO securities (id, symbol, name, last_price, priced_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol)
		 DO UPDATE SET last_price = EXCLUDED.last_price, priced_at = EXCLUDED.priced_at`,
		sec.ID, sec.Symbol, sec.Name, sec.LastPrice.String(), sec.PricedAt)
	if err != nil {
		return fmt.Errorf("upsert security %s: %w", sec.Symbol, err)
	}
	return nil
}
