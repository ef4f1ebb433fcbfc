package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/atendezap/atendezap/pkg/atendezap/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLedger(s, logger), s
}

func TestConcurrentDebits(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "owner@example.com", 10)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	// 20 workers race to debit 1 credit each from a balance of 10.
	// Exactly 10 must succeed and the balance must land on zero, never
	// below.
	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, u.ID, 1, "corrida", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrInsufficientCredits):
			insufficient++
		default:
			t.Errorf("unexpected debit error: %v", err)
		}
	}
	if ok != 10 || insufficient != 10 {
		t.Errorf("expected 10 successes and 10 rejections, got %d/%d", ok, insufficient)
	}

	balance, err := ledger.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Errorf("expected final balance 0, got %d", balance)
	}

	txs, _ := s.ListCreditTransactions(ctx, u.ID, 100)
	if len(txs) != 10 {
		t.Errorf("expected 10 ledger rows, got %d", len(txs))
	}
}

func TestHasEnough(t *testing.T) {
	ledger, s := newTestLedger(t)
	ctx := context.Background()
	u, _ := s.CreateUser(ctx, "owner@example.com", 3)

	cases := []struct {
		amount int64
		want   bool
	}{
		{1, true},
		{3, true},
		{4, false},
	}
	for _, tc := range cases {
		got, err := ledger.HasEnough(ctx, u.ID, tc.amount)
		if err != nil {
			t.Fatalf("HasEnough(%d): %v", tc.amount, err)
		}
		if got != tc.want {
			t.Errorf("HasEnough(%d) = %v, want %v", tc.amount, got, tc.want)
		}
	}

	if _, err := ledger.HasEnough(ctx, "missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}
