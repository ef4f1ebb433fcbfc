package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{Path: filepath.Join(t.TempDir(), "test.db")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(cfg, logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, credits int64) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), "owner@example.com", credits)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func newTestAgent(t *testing.T, s *Store, userID string) *Agent {
	t.Helper()
	a := &Agent{
		UserID:     userID,
		Name:       "Clínica Sorriso",
		Language:   "pt-BR",
		MaxContext: 10,
		IsActive:   true,
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return a
}

func TestOpenAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version < 1 {
		t.Errorf("expected schema version >= 1, got %d", version)
	}
	s.Close()

	// Reopening must be a no-op, not a failed re-migration.
	s2, err := Open(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	s2.Close()
}

func TestTimeFormatComparesLexicographically(t *testing.T) {
	// Stored timestamps are compared as strings in SQL (retry cutoffs,
	// activity windows), so sub-second differences must sort correctly.
	base := time.Date(2026, 9, 1, 12, 0, 5, 0, time.UTC)
	times := []time.Time{
		base.Add(550 * time.Millisecond),
		base.Add(500 * time.Millisecond),
		base.Add(5 * time.Millisecond),
		base,
		base.Add(time.Second),
	}
	sorted := make([]string, len(times))
	for i, tm := range times {
		sorted[i] = formatTime(tm)
	}
	sort.Strings(sorted)

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i, tm := range times {
		if sorted[i] != formatTime(tm) {
			t.Fatalf("string order diverges at %d: %q != %q", i, sorted[i], formatTime(tm))
		}
	}

	t.Run("round trip", func(t *testing.T) {
		tm := base.Add(550 * time.Millisecond)
		if got := parseTime(formatTime(tm)); !got.Equal(tm) {
			t.Errorf("parseTime(formatTime(%v)) = %v", tm, got)
		}
	})
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, 100)
	if u.CreditsBalance != 100 {
		t.Errorf("expected initial balance 100, got %d", u.CreditsBalance)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Email != "owner@example.com" {
		t.Errorf("unexpected email %q", got.Email)
	}

	if _, err := s.GetUser(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for missing user, got %v", err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)

	a := newTestAgent(t, s, u.ID)

	t.Run("update profile", func(t *testing.T) {
		a.Personality = "Recepcionista simpática"
		a.IsActive = false
		if err := s.UpdateAgentProfile(ctx, a); err != nil {
			t.Fatalf("UpdateAgentProfile failed: %v", err)
		}
		got, err := s.GetAgent(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetAgent failed: %v", err)
		}
		if got.Personality != a.Personality || got.IsActive {
			t.Errorf("profile not persisted: %+v", got)
		}
	})

	t.Run("connection state", func(t *testing.T) {
		if err := s.UpdateAgentConnection(ctx, a.ID, "connected", "5511999998888"); err != nil {
			t.Fatalf("UpdateAgentConnection failed: %v", err)
		}
		got, _ := s.GetAgent(ctx, a.ID)
		if got.ConnectionState != "connected" || got.SessionIdentity != "5511999998888" {
			t.Errorf("connection not persisted: %+v", got)
		}
	})

	t.Run("list all vs by owner", func(t *testing.T) {
		other, _ := s.CreateUser(ctx, "other@example.com", 0)
		newTestAgent(t, s, other.ID)

		all, err := s.ListAgents(ctx, "")
		if err != nil {
			t.Fatalf("ListAgents all failed: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 agents total, got %d", len(all))
		}

		mine, _ := s.ListAgents(ctx, u.ID)
		if len(mine) != 1 {
			t.Errorf("expected 1 agent for owner, got %d", len(mine))
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		conv, err := s.GetOrCreateConversation(ctx, a.ID, "5511888887777", "Maria")
		if err != nil {
			t.Fatalf("GetOrCreateConversation failed: %v", err)
		}
		if err := s.DeleteAgent(ctx, a.ID); err != nil {
			t.Fatalf("DeleteAgent failed: %v", err)
		}
		if _, err := s.GetConversation(ctx, conv.ID); err != ErrNotFound {
			t.Errorf("expected conversation to cascade, got %v", err)
		}
	})
}
