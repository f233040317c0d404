package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/ledger"
)

// Store implements ledger.Store over a pgx connection pool.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	retryAttempts int
}

var _ ledger.Store = (*Store)(nil)

// NewStore wraps a pool. retryAttempts bounds automatic re-runs of a
// transaction on serialization conflicts.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger, retryAttempts int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Store{pool: pool, logger: logger, retryAttempts: retryAttempts}
}

// WithTx runs fn inside one database transaction. The transaction is
// rolled back on every non-nil return from fn and on commit failure.
// Serialization failures and deadlocks re-run fn, bounded by the
// configured attempt count; exhaustion surfaces as Conflict.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying transaction after conflict", "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return apperr.Wrap(apperr.Conflict, "concurrent_update", "transaction retries exhausted", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "tx_begin", "begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "tx_commit", "commit transaction", err)
	}
	return nil
}

// isSerializationFailure reports whether err is a retryable conflict:
// serialization_failure (40001) or deadlock_detected (40P01).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// isUniqueViolation reports a unique-constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// storeTx adapts one pgx transaction to ledger.Tx.
type storeTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*storeTx)(nil)

// noRows maps pgx.ErrNoRows to the (nil, nil) absent-record convention.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
