package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is the ordered message history between one agent and one
// external contact. A conversation is unique per (agent, contact) while
// active; archival flips is_active and is owned by collaborators outside
// the core.
type Conversation struct {
	ID              string
	AgentID         string
	ContactIdentity string
	ContactName     string
	IsActive        bool
	LastMessageAt   time.Time
	MessageCount    int
	CreatedAt       time.Time
}

const conversationColumns = `id, agent_id, contact_identity, contact_name,
	is_active, last_message_at, message_count, created_at`

// GetOrCreateConversation resolves the active conversation for
// (agentID, contact), creating it lazily on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, agentID, contact, contactName string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE agent_id = ? AND contact_identity = ? AND is_active = 1`,
		agentID, contact)
	c, err := scanConversation(row)
	if err == nil {
		// Refresh the display name when the contact changed it.
		if contactName != "" && contactName != c.ContactName {
			c.ContactName = contactName
			_, _ = s.db.ExecContext(ctx,
				"UPDATE conversations SET contact_name = ? WHERE id = ?",
				contactName, c.ID)
		}
		return c, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	c = &Conversation{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		ContactIdentity: contact,
		ContactName:     contactName,
		IsActive:        true,
		LastMessageAt:   now,
		CreatedAt:       now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, 1, ?, 0, ?)`,
		c.ID, c.AgentID, c.ContactIdentity, c.ContactName,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns conversations for an agent ordered by recency,
// paginated with limit/offset.
func (s *Store) ListConversations(ctx context.Context, agentID string, limit, offset int) ([]*Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE agent_id = ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchConversation bumps the aggregate counters after a message is
// appended.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = ?, message_count = message_count + 1
		WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch conversation %q: %w", id, err)
	}
	return nil
}

// CountActiveConversations counts conversations with activity since the
// given instant, used by the daily analytics rollup.
func (s *Store) CountActiveConversations(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations
		WHERE agent_id = ? AND is_active = 1 AND last_message_at >= ?`,
		agentID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active conversations: %w", err)
	}
	return n, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c             Conversation
		isActive      int
		lastMessageAt string
		createdAt     string
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.ContactIdentity, &c.ContactName,
		&isActive, &lastMessageAt, &c.MessageCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.IsActive = isActive != 0
	c.LastMessageAt = parseTime(lastMessageAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
