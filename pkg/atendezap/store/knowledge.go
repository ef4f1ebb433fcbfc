package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeEntry is a grounding Q/A fact injected into the AI prompt.
// Ingestion normalizes title/content pairs into the same shape, so the
// responder never branches on entry kind.
type KnowledgeEntry struct {
	ID        string
	AgentID   string
	Question  string
	Answer    string
	Enabled   bool
	Priority  int
	CreatedAt time.Time
}

// AddKnowledgeEntry inserts a knowledge entry for an agent.
func (s *Store) AddKnowledgeEntry(ctx context.Context, e *KnowledgeEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, agent_id, question, answer, enabled, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.Question, e.Answer, boolToInt(e.Enabled), e.Priority,
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert knowledge entry: %w", err)
	}
	return nil
}

// ListEnabledKnowledge returns the enabled entries for an agent ordered by
// priority (highest first), the order they appear in the prompt.
func (s *Store) ListEnabledKnowledge(ctx context.Context, agentID string) ([]*KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, question, answer, enabled, priority, created_at
		FROM knowledge_entries
		WHERE agent_id = ? AND enabled = 1
		ORDER BY priority DESC, created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []*KnowledgeEntry
	for rows.Next() {
		var (
			e         KnowledgeEntry
			enabled   int
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Question, &e.Answer,
			&enabled, &e.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		e.Enabled = enabled != 0
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
