package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

// CreateUser inserts a new user with a hashed password.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, kyc_status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Password, u.KYCStatus, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "email_taken", "email already registered", err)
		}
		return fmt.Errorf("create user %s: %w", u.Email, err)
	}
	return nil
}

// UserByEmail retrieves a user by email, (nil, nil) when absent.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, kyc_status, created_at FROM users WHERE email = $1`,
		email).Scan(&u.ID, &u.Email, &u.Password, &u.KYCStatus, &u.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// UserByID retrieves a user by id, (nil, nil) when absent.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, kyc_status, created_at FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.Email, &u.Password, &u.KYCStatus, &u.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// SetKYCStatus records the outcome of identity verification.
func (s *Store) SetKYCStatus(ctx context.Context, id uuid.UUID, status models.KYCStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET kyc_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update kyc status for user %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.NotFound, "user_not_found", "user not found")
	}
	return nil
}
