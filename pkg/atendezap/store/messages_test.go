package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestConversationIdentityMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)

	c1, err := s.GetOrCreateConversation(ctx, a.ID, "5511888887777", "Maria")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}

	t.Run("same contact maps to same conversation", func(t *testing.T) {
		c2, err := s.GetOrCreateConversation(ctx, a.ID, "5511888887777", "")
		if err != nil {
			t.Fatalf("second GetOrCreateConversation failed: %v", err)
		}
		if c2.ID != c1.ID {
			t.Errorf("expected same conversation, got %s and %s", c1.ID, c2.ID)
		}
	})

	t.Run("name refreshes when the network provides one", func(t *testing.T) {
		c3, _ := s.GetOrCreateConversation(ctx, a.ID, "5511888887777", "Maria Silva")
		if c3.ContactName != "Maria Silva" {
			t.Errorf("expected refreshed name, got %q", c3.ContactName)
		}
	})

	t.Run("different contact gets its own conversation", func(t *testing.T) {
		c4, _ := s.GetOrCreateConversation(ctx, a.ID, "5511777776666", "João")
		if c4.ID == c1.ID {
			t.Error("distinct contacts share a conversation")
		}
	})

	t.Run("different agent gets its own conversation", func(t *testing.T) {
		b := newTestAgent(t, s, u.ID)
		c5, _ := s.GetOrCreateConversation(ctx, b.ID, "5511888887777", "Maria")
		if c5.ID == c1.ID {
			t.Error("distinct agents share a conversation")
		}
	})
}

func TestMessageHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)
	conv, _ := s.GetOrCreateConversation(ctx, a.ID, "5511888887777", "Maria")

	for i := 0; i < 6; i++ {
		dir := DirectionIncoming
		if i%2 == 1 {
			dir = DirectionOutgoing
		}
		m := &Message{
			ConversationID: conv.ID,
			AgentID:        a.ID,
			Direction:      dir,
			Content:        fmt.Sprintf("mensagem %d", i),
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
	}

	t.Run("recent messages are chronological", func(t *testing.T) {
		msgs, err := s.RecentMessages(ctx, conv.ID, 4)
		if err != nil {
			t.Fatalf("RecentMessages failed: %v", err)
		}
		if len(msgs) != 4 {
			t.Fatalf("expected 4 messages, got %d", len(msgs))
		}
		for i, want := range []string{"mensagem 2", "mensagem 3", "mensagem 4", "mensagem 5"} {
			if msgs[i].Content != want {
				t.Errorf("position %d: expected %q, got %q", i, want, msgs[i].Content)
			}
		}
	})

	t.Run("counters bumped", func(t *testing.T) {
		got, _ := s.GetConversation(ctx, conv.ID)
		if got.MessageCount != 6 {
			t.Errorf("expected message_count 6, got %d", got.MessageCount)
		}
		if got.LastMessageAt.IsZero() {
			t.Error("last_message_at not set")
		}
	})

	t.Run("find by external id", func(t *testing.T) {
		m := &Message{
			ConversationID: conv.ID,
			AgentID:        a.ID,
			Direction:      DirectionIncoming,
			Content:        "com id externo",
			ExternalID:     "WAMID-123",
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}

		found, err := s.FindMessageByExternalID(ctx, conv.ID, "WAMID-123", DirectionIncoming)
		if err != nil {
			t.Fatalf("FindMessageByExternalID failed: %v", err)
		}
		if found == nil || found.ID != m.ID {
			t.Errorf("expected message %s, got %+v", m.ID, found)
		}

		if _, err := s.FindMessageByExternalID(ctx, conv.ID, "WAMID-999", DirectionIncoming); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for absent external id, got %v", err)
		}
	})

	t.Run("paginated listing newest first", func(t *testing.T) {
		page, err := s.ListMessages(ctx, conv.ID, 3, 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(page) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(page))
		}
		if page[0].Content != "com id externo" {
			t.Errorf("expected newest first, got %q", page[0].Content)
		}
	})
}

func TestDailyStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, 0)
	a := newTestAgent(t, s, u.ID)
	day := Day(time.Now().UTC())

	if err := s.BumpDailyStats(ctx, a.ID, day, StatsDelta{Incoming: 1, Outgoing: 1, AIResponses: 1, Tokens: 42}); err != nil {
		t.Fatalf("BumpDailyStats failed: %v", err)
	}
	if err := s.BumpDailyStats(ctx, a.ID, day, StatsDelta{Incoming: 1}); err != nil {
		t.Fatalf("second BumpDailyStats failed: %v", err)
	}
	if err := s.SetActiveConversations(ctx, a.ID, day, 3); err != nil {
		t.Fatalf("SetActiveConversations failed: %v", err)
	}

	stats, err := s.GetDailyStats(ctx, a.ID, day, day)
	if err != nil {
		t.Fatalf("GetDailyStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 day, got %d", len(stats))
	}
	d := stats[0]
	if d.IncomingMessages != 2 || d.OutgoingMessages != 1 || d.TotalMessages != 3 {
		t.Errorf("unexpected counters: %+v", d)
	}
	if d.AIResponses != 1 || d.TokensUsed != 42 || d.ActiveConversations != 3 {
		t.Errorf("unexpected rollup values: %+v", d)
	}
}
