// Package database implements ledger.Store over PostgreSQL via pgx.
//
// All monetary columns are NUMERIC and travel as text between Go and
// the database; arithmetic happens on decimal.Decimal, never float.
// Concurrency control is pessimistic: mutations read their rows with
// SELECT ... FOR UPDATE and guards are re-checked in the UPDATE's WHERE
// clause, so a violated guard surfaces as zero rows affected.
package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
