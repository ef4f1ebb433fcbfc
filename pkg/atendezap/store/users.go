package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is an account owner. CreditsBalance is the authoritative current
// balance; credit_transactions is the derived audit trail.
type User struct {
	ID             string
	Email          string
	CreditsBalance int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateUser inserts a new user with an initial credit grant.
func (s *Store) CreateUser(ctx context.Context, email string, initialCredits int64) (*User, error) {
	now := time.Now()
	u := &User{
		ID:             uuid.NewString(),
		Email:          email,
		CreditsBalance: initialCredits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, credits_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.CreditsBalance, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, credits_balance, created_at, updated_at
		FROM users WHERE id = ?`, id)

	var u User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Email, &u.CreditsBalance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}
