// Package credits is the metering service: balance checks, debits and
// grants over the store's transactional ledger. Concurrent debits for
// the same user (two agents owned by one account, retried jobs) are
// serialized per user id to preserve the ledger invariant.
package credits

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/atendezap/atendezap/pkg/atendezap/store"
)

// lockShards bounds the lock table; collisions only cost unnecessary
// serialization, never correctness.
const lockShards = 64

// Ledger wraps the store with per-user serialization.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
	locks  [lockShards]sync.Mutex
}

// NewLedger creates the credit ledger service.
func NewLedger(s *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, logger: logger.With("component", "credits")}
}

func (l *Ledger) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &l.locks[h.Sum32()%lockShards]
}

// Debit charges the user, returning the ledger record. Returns
// store.ErrInsufficientCredits without mutating anything when the
// balance cannot cover the amount.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, description, relatedID string) (*store.CreditTransaction, error) {
	mu := l.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.store.DebitCredits(ctx, userID, amount, description, relatedID)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("debited credits",
		"user", userID, "amount", amount,
		"balance_after", tx.BalanceAfter, "related", relatedID)
	return tx, nil
}

// Grant tops up the user's balance.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, description string) (*store.CreditTransaction, error) {
	mu := l.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.GrantCredits(ctx, userID, amount, description)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.CreditBalance(ctx, userID)
}

// HasEnough reports whether the balance covers the amount.
func (l *Ledger) HasEnough(ctx context.Context, userID string, amount int64) (bool, error) {
	balance, err := l.store.CreditBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}
