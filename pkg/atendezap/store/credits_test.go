package store

import (
	"context"
	"errors"
	"testing"
)

func TestCreditLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 10)

	t.Run("debit updates balance and records transaction", func(t *testing.T) {
		tx, err := s.DebitCredits(ctx, u.ID, 2, "resposta IA", "msg-1")
		if err != nil {
			t.Fatalf("DebitCredits failed: %v", err)
		}
		if tx.Type != TxDebit || tx.Amount != 2 {
			t.Errorf("unexpected tx: %+v", tx)
		}
		if tx.BalanceBefore != 10 || tx.BalanceAfter != 8 {
			t.Errorf("expected 10 -> 8, got %d -> %d", tx.BalanceBefore, tx.BalanceAfter)
		}
		balance, _ := s.CreditBalance(ctx, u.ID)
		if balance != 8 {
			t.Errorf("expected balance 8, got %d", balance)
		}
	})

	t.Run("insufficient balance rejects without side effects", func(t *testing.T) {
		before, _ := s.CreditBalance(ctx, u.ID)
		txsBefore, _ := s.ListCreditTransactions(ctx, u.ID, 100)

		_, err := s.DebitCredits(ctx, u.ID, before+1, "too much", "")
		if !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("expected ErrInsufficientCredits, got %v", err)
		}

		after, _ := s.CreditBalance(ctx, u.ID)
		if after != before {
			t.Errorf("balance changed on rejected debit: %d -> %d", before, after)
		}
		txsAfter, _ := s.ListCreditTransactions(ctx, u.ID, 100)
		if len(txsAfter) != len(txsBefore) {
			t.Errorf("ledger row written for rejected debit")
		}
	})

	t.Run("grant increases balance", func(t *testing.T) {
		before, _ := s.CreditBalance(ctx, u.ID)
		tx, err := s.GrantCredits(ctx, u.ID, 50, "compra de pacote")
		if err != nil {
			t.Fatalf("GrantCredits failed: %v", err)
		}
		if tx.Type != TxGrant || tx.BalanceAfter != before+50 {
			t.Errorf("unexpected grant tx: %+v", tx)
		}
	})

	t.Run("ledger chain is consistent", func(t *testing.T) {
		txs, err := s.ListCreditTransactions(ctx, u.ID, 100)
		if err != nil {
			t.Fatalf("ListCreditTransactions failed: %v", err)
		}
		if len(txs) == 0 {
			t.Fatal("expected transactions")
		}
		// Newest first: each older tx must end where the newer one began.
		for i := 0; i < len(txs)-1; i++ {
			if txs[i].BalanceBefore != txs[i+1].BalanceAfter {
				t.Errorf("ledger gap between tx %d and %d: before=%d after=%d",
					i, i+1, txs[i].BalanceBefore, txs[i+1].BalanceAfter)
			}
		}
		balance, _ := s.CreditBalance(ctx, u.ID)
		if txs[0].BalanceAfter != balance {
			t.Errorf("latest tx after=%d, live balance=%d", txs[0].BalanceAfter, balance)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := s.DebitCredits(ctx, "missing", 1, "", ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
