package store

import (
	"context"
	"fmt"
	"time"
)

// DailyStats holds per-(agent, day) aggregate counters, upserted by the
// pipeline after each processed job.
type DailyStats struct {
	AgentID             string
	Day                 string // YYYY-MM-DD (UTC)
	TotalMessages       int64
	IncomingMessages    int64
	OutgoingMessages    int64
	AIResponses         int64
	TokensUsed          int64
	ActiveConversations int64
}

// StatsDelta is the increment applied for one processed job.
type StatsDelta struct {
	Incoming    int64
	Outgoing    int64
	AIResponses int64
	Tokens      int64
}

// Day formats a timestamp as the analytics bucket key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// BumpDailyStats upserts the counters for (agentID, day).
func (s *Store) BumpDailyStats(ctx context.Context, agentID, day string, d StatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (agent_id, day, total_messages,
			incoming_messages, outgoing_messages, ai_responses, tokens_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET
			total_messages    = total_messages + excluded.total_messages,
			incoming_messages = incoming_messages + excluded.incoming_messages,
			outgoing_messages = outgoing_messages + excluded.outgoing_messages,
			ai_responses      = ai_responses + excluded.ai_responses,
			tokens_used       = tokens_used + excluded.tokens_used`,
		agentID, day, d.Incoming+d.Outgoing, d.Incoming, d.Outgoing,
		d.AIResponses, d.Tokens)
	if err != nil {
		return fmt.Errorf("bump daily stats: %w", err)
	}
	return nil
}

// SetActiveConversations records the rollup counter for (agentID, day).
func (s *Store) SetActiveConversations(ctx context.Context, agentID, day string, n int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (agent_id, day, active_conversations)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET
			active_conversations = excluded.active_conversations`,
		agentID, day, n)
	if err != nil {
		return fmt.Errorf("set active conversations: %w", err)
	}
	return nil
}

// GetDailyStats returns the stats rows for an agent between two bucket
// keys (inclusive), oldest first.
func (s *Store) GetDailyStats(ctx context.Context, agentID, fromDay, toDay string) ([]*DailyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, day, total_messages, incoming_messages,
		       outgoing_messages, ai_responses, tokens_used, active_conversations
		FROM daily_stats
		WHERE agent_id = ? AND day >= ? AND day <= ?
		ORDER BY day`, agentID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []*DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.AgentID, &d.Day, &d.TotalMessages,
			&d.IncomingMessages, &d.OutgoingMessages, &d.AIResponses,
			&d.TokensUsed, &d.ActiveConversations); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// ListAgentIDs returns all agent ids, used by the daily rollup job.
func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM agents")
	if err != nil {
		return nil, fmt.Errorf("query agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
