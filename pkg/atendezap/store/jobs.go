package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Terminal jobs (done, failed, no_credits, paused) are
// retained for inspection and purged by the maintenance cron.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobNoCredits = "no_credits"
	JobPaused    = "paused"
)

// Job is one durable unit of inbound-message work.
type Job struct {
	ID              string
	AgentID         string
	ContactIdentity string
	ContactName     string
	Content         string
	ExternalID      string
	ReceivedAt      time.Time
	Status          string
	Attempts        int
	LastError       string
	NextRetryAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnqueueJob persists a new pending job. Failure here is surfaced to the
// caller so no message is silently dropped.
func (s *Store) EnqueueJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	j.Status = JobPending
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.ReceivedAt.IsZero() {
		j.ReceivedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (id, agent_id, contact_identity, contact_name,
			content, external_id, received_at, status, attempts, last_error,
			next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)`,
		j.ID, j.AgentID, j.ContactIdentity, j.ContactName, j.Content,
		j.ExternalID, formatTime(j.ReceivedAt), j.Status,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimJob atomically picks the oldest runnable pending job and marks it
// running. A job is skipped while any earlier job for the same
// (agent, contact) is still pending or running, so same-conversation
// messages are always processed in receipt order while other
// conversations proceed concurrently. Returns ErrNotFound when nothing
// is runnable.
func (s *Store) ClaimJob(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	row := tx.QueryRowContext(ctx, `
		SELECT id, agent_id, contact_identity, contact_name, content,
		       external_id, received_at, status, attempts, last_error,
		       next_retry_at, created_at, updated_at
		FROM pipeline_jobs AS p
		WHERE status = ? AND (next_retry_at = '' OR next_retry_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM pipeline_jobs AS r
			WHERE r.rowid < p.rowid
			  AND r.agent_id = p.agent_id
			  AND r.contact_identity = p.contact_identity
			  AND r.status IN (?, ?)
		  )
		ORDER BY rowid LIMIT 1`,
		JobPending, formatTime(now), JobPending, JobRunning)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE pipeline_jobs SET status = ?, updated_at = ? WHERE id = ?",
		JobRunning, formatTime(now), j.ID); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	j.Status = JobRunning
	return j, nil
}

// FinishJob records a terminal job outcome.
func (s *Store) FinishJob(ctx context.Context, id, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, status, lastError, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish job %q: %w", id, err)
	}
	return nil
}

// RetryJob returns a failed attempt to the pending state with a retry-at
// timestamp and the error that caused it.
func (s *Store) RetryJob(ctx context.Context, id string, attempts int, retryAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		JobPending, attempts, formatTime(retryAt), lastError,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("retry job %q: %w", id, err)
	}
	return nil
}

// RecoverRunningJobs re-queues jobs left in the running state by a crash
// or restart.
func (s *Store) RecoverRunningJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pipeline_jobs SET status = ?, updated_at = ? WHERE status = ?",
		JobPending, formatTime(time.Now()), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPendingJobs reports the queue depth, including retry-scheduled
// jobs not yet runnable.
func (s *Store) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pipeline_jobs WHERE status = ?", JobPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, contact_identity, contact_name, content,
		       external_id, received_at, status, attempts, last_error,
		       next_retry_at, created_at, updated_at
		FROM pipeline_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// PurgeFinishedJobs deletes done jobs older than the cutoff. Failed jobs
// are kept for inspection.
func (s *Store) PurgeFinishedJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pipeline_jobs WHERE status = ? AND updated_at < ?",
		JobDone, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		receivedAt  string
		nextRetryAt string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&j.ID, &j.AgentID, &j.ContactIdentity, &j.ContactName,
		&j.Content, &j.ExternalID, &receivedAt, &j.Status, &j.Attempts,
		&j.LastError, &nextRetryAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ReceivedAt = parseTime(receivedAt)
	if nextRetryAt != "" {
		j.NextRetryAt = parseTime(nextRetryAt)
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
