package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message direction values.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is one entry in a conversation's append-only log. Rows are
// immutable once written; rowid order is the source of truth for context
// windows.
type Message struct {
	ID             string
	ConversationID string
	AgentID        string
	Direction      string
	Content        string
	ExternalID     string
	AIProcessed    bool
	CreditsUsed    int64
	CreatedAt      time.Time
}

// AppendMessage writes a message and bumps the conversation counters.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, agent_id, direction,
			content, external_id, ai_processed, credits_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.AgentID, m.Direction, m.Content,
		m.ExternalID, boolToInt(m.AIProcessed), m.CreditsUsed,
		formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return s.TouchConversation(ctx, m.ConversationID, m.CreatedAt)
}

// RecentMessages returns the last n messages of a conversation in
// chronological order, the shape the responder feeds to the LLM.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]*Message, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, direction, content,
		       external_id, ai_processed, credits_used, created_at
		FROM (
			SELECT rowid AS seq, * FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessages returns a conversation page ordered newest-first, for the
// read surface consumed by analytics and UI collaborators.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, direction, content,
		       external_id, ai_processed, credits_used, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// FindMessageByExternalID looks up a message by its network id within a
// conversation. Used by retried pipeline jobs to keep inbound
// persistence idempotent.
func (s *Store) FindMessageByExternalID(ctx context.Context, conversationID, externalID, direction string) (*Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, direction, content,
		       external_id, ai_processed, credits_used, created_at
		FROM messages
		WHERE conversation_id = ? AND external_id = ? AND direction = ?
		LIMIT 1`, conversationID, externalID, direction)
	if err != nil {
		return nil, fmt.Errorf("query message by external id: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

func collectMessages(rows interface {
	Next() bool
	Scan(...any) error
	Close() error
	Err() error
}) ([]*Message, error) {
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var (
			m           Message
			aiProcessed int
			createdAt   string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AgentID, &m.Direction,
			&m.Content, &m.ExternalID, &aiProcessed, &m.CreditsUsed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.AIProcessed = aiProcessed != 0
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
