package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enqueueTestJob(t *testing.T, s *Store, agentID, contact, content string) *Job {
	t.Helper()
	j := &Job{
		AgentID:         agentID,
		ContactIdentity: contact,
		Content:         content,
	}
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	return j
}

func TestJobClaimOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)

	maria := "5511888887777"
	joao := "5511777776666"

	m1 := enqueueTestJob(t, s, a.ID, maria, "oi")
	m2 := enqueueTestJob(t, s, a.ID, maria, "tem horário amanhã?")
	j1 := enqueueTestJob(t, s, a.ID, joao, "quanto custa?")

	t.Run("oldest job claimed first", func(t *testing.T) {
		got, err := s.ClaimJob(ctx)
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		if got.ID != m1.ID {
			t.Fatalf("expected job %s first, got %s", m1.ID, got.ID)
		}
		if got.Status != JobRunning {
			t.Errorf("claimed job not marked running: %s", got.Status)
		}
	})

	t.Run("same conversation blocked while earlier job runs", func(t *testing.T) {
		got, err := s.ClaimJob(ctx)
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		// m2 must wait for m1; the other conversation proceeds.
		if got.ID != j1.ID {
			t.Fatalf("expected cross-conversation job %s, got %s", j1.ID, got.ID)
		}
	})

	t.Run("queue drained while both conversations busy", func(t *testing.T) {
		if _, err := s.ClaimJob(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound with all conversations busy, got %v", err)
		}
	})

	t.Run("finishing the earlier job releases the next one", func(t *testing.T) {
		if err := s.FinishJob(ctx, m1.ID, JobDone, ""); err != nil {
			t.Fatalf("FinishJob failed: %v", err)
		}
		got, err := s.ClaimJob(ctx)
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		if got.ID != m2.ID {
			t.Fatalf("expected %s after predecessor finished, got %s", m2.ID, got.ID)
		}
	})
}

func TestJobRetryKeepsConversationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)
	contact := "5511888887777"

	first := enqueueTestJob(t, s, a.ID, contact, "primeira")
	second := enqueueTestJob(t, s, a.ID, contact, "segunda")

	got, _ := s.ClaimJob(ctx)
	if got.ID != first.ID {
		t.Fatalf("setup: expected first job, got %s", got.ID)
	}

	// First attempt fails and is scheduled for a future retry. The second
	// message must keep waiting rather than overtake it.
	if err := s.RetryJob(ctx, first.ID, 1, time.Now().Add(time.Hour), "send timeout"); err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if _, err := s.ClaimJob(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second message overtook a backing-off predecessor, err=%v", err)
	}

	// Once the retry window opens, the first job runs again before the
	// second.
	if err := s.RetryJob(ctx, first.ID, 1, time.Now().Add(-time.Second), "send timeout"); err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	got, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob after retry window failed: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected retried job %s, got %s", first.ID, got.ID)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", got.Attempts)
	}

	if err := s.FinishJob(ctx, first.ID, JobDone, ""); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}
	got, err = s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob for successor failed: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected %s after predecessor completed, got %s", second.ID, got.ID)
	}
}

func TestJobRecoveryAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)

	j1 := enqueueTestJob(t, s, a.ID, "5511888887777", "um")
	j2 := enqueueTestJob(t, s, a.ID, "5511777776666", "dois")

	if _, err := s.ClaimJob(ctx); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	t.Run("running jobs recovered after restart", func(t *testing.T) {
		n, err := s.RecoverRunningJobs(ctx)
		if err != nil {
			t.Fatalf("RecoverRunningJobs failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 recovered job, got %d", n)
		}
		got, _ := s.GetJob(ctx, j1.ID)
		if got.Status != JobPending {
			t.Errorf("expected recovered job pending, got %s", got.Status)
		}
	})

	t.Run("purge removes only old done jobs", func(t *testing.T) {
		if err := s.FinishJob(ctx, j1.ID, JobDone, ""); err != nil {
			t.Fatalf("FinishJob failed: %v", err)
		}
		if err := s.FinishJob(ctx, j2.ID, JobFailed, "provider down"); err != nil {
			t.Fatalf("FinishJob failed: %v", err)
		}

		n, err := s.PurgeFinishedJobs(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("PurgeFinishedJobs failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 purged job, got %d", n)
		}
		if _, err := s.GetJob(ctx, j1.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("done job survived purge: %v", err)
		}
		// Failed jobs are retained for inspection.
		if _, err := s.GetJob(ctx, j2.ID); err != nil {
			t.Errorf("failed job was purged: %v", err)
		}
	})
}
