package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is a configured conversational persona tied to one owner and one
// WhatsApp identity.
type Agent struct {
	ID              string
	UserID          string
	Name            string
	Personality     string
	Language        string
	WorkingHours    string
	Services        string
	ResponseDelay   time.Duration
	MaxContext      int
	IsActive        bool
	ConnectionState string
	SessionIdentity string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const agentColumns = `id, user_id, name, personality, language, working_hours,
	services, response_delay_ms, max_context, is_active, connection_state,
	session_identity, created_at, updated_at`

// CreateAgent inserts a new agent for the given owner.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Language == "" {
		a.Language = "pt-BR"
	}
	if a.MaxContext <= 0 {
		a.MaxContext = 10
	}
	if a.ConnectionState == "" {
		a.ConnectionState = "uninitialized"
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Personality, a.Language, a.WorkingHours,
		a.Services, a.ResponseDelay.Milliseconds(), a.MaxContext,
		boolToInt(a.IsActive), a.ConnectionState, a.SessionIdentity,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns agents owned by userID ordered by creation time,
// or every agent when userID is empty.
func (s *Store) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE ? = '' OR user_id = ? ORDER BY created_at`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentProfile updates the owner-editable profile fields.
func (s *Store) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, personality = ?, language = ?,
			working_hours = ?, services = ?, response_delay_ms = ?,
			max_context = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Personality, a.Language, a.WorkingHours, a.Services,
		a.ResponseDelay.Milliseconds(), a.MaxContext, boolToInt(a.IsActive),
		formatTime(time.Now()), a.ID)
	if err != nil {
		return fmt.Errorf("update agent %q: %w", a.ID, err)
	}
	return requireRow(res)
}

// UpdateAgentConnection records the session state transition (and, once
// connected, the linked WhatsApp identity).
func (s *Store) UpdateAgentConnection(ctx context.Context, agentID, state, identity string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET connection_state = ?, session_identity = ?, updated_at = ?
		WHERE id = ?`,
		state, identity, formatTime(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("update agent connection %q: %w", agentID, err)
	}
	return requireRow(res)
}

// DeleteAgent removes an agent; conversations, messages and knowledge
// entries cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent %q: %w", id, err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a          Agent
		delayMS    int64
		isActive   int
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Personality, &a.Language,
		&a.WorkingHours, &a.Services, &delayMS, &a.MaxContext, &isActive,
		&a.ConnectionState, &a.SessionIdentity, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.ResponseDelay = time.Duration(delayMS) * time.Millisecond
	a.IsActive = isActive != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
