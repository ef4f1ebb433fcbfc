package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientCredits is returned when a debit would drive the balance
// negative. The balance is left untouched.
var ErrInsufficientCredits = errors.New("store: insufficient credits")

// Credit transaction types.
const (
	TxDebit = "debit"
	TxGrant = "grant"
)

// CreditTransaction is one row of the append-only credit ledger.
type CreditTransaction struct {
	ID            string
	UserID        string
	Type          string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Description   string
	RelatedID     string
	CreatedAt     time.Time
}

// DebitCredits atomically decrements the user's balance and appends the
// ledger record. Both writes happen in one transaction: a crash leaves
// either both or neither.
func (s *Store) DebitCredits(ctx context.Context, userID string, amount int64, description, relatedID string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return s.applyCreditTx(ctx, userID, TxDebit, amount, description, relatedID)
}

// GrantCredits atomically increments the user's balance and appends the
// ledger record.
func (s *Store) GrantCredits(ctx context.Context, userID string, amount int64, description string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	return s.applyCreditTx(ctx, userID, TxGrant, amount, description, "")
}

func (s *Store) applyCreditTx(ctx context.Context, userID, txType string, amount int64, description, relatedID string) (*CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	var before int64
	err = tx.QueryRowContext(ctx,
		"SELECT credits_balance FROM users WHERE id = ?", userID).Scan(&before)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	after := before + amount
	if txType == TxDebit {
		after = before - amount
		if after < 0 {
			return nil, ErrInsufficientCredits
		}
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET credits_balance = ?, updated_at = ? WHERE id = ?",
		after, formatTime(now), userID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	record := &CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		RelatedID:     relatedID,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount,
			balance_before, balance_after, description, related_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Type, record.Amount,
		record.BalanceBefore, record.BalanceAfter, record.Description,
		record.RelatedID, formatTime(now)); err != nil {
		return nil, fmt.Errorf("append ledger record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit transaction: %w", err)
	}
	return record, nil
}

// CreditBalance returns the user's current balance.
func (s *Store) CreditBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT credits_balance FROM users WHERE id = ?", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// ListCreditTransactions returns the user's ledger newest-first.
func (s *Store) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       description, related_id, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []*CreditTransaction
	for rows.Next() {
		var (
			t         CreditTransaction
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.RelatedID,
			&createdAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}
