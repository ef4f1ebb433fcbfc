// Package pipeline is the durable message-processing queue: it decouples
// "message received" from "message processed", runs a bounded worker
// pool, serializes same-conversation jobs in receipt order, and
// orchestrates credits → conversation → responder → send → debit →
// analytics for each inbound message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
	"github.com/atendezap/atendezap/pkg/atendezap/responder"
	"github.com/atendezap/atendezap/pkg/atendezap/store"
)

// Config holds pipeline configuration.
type Config struct {
	// Workers is the worker pool size.
	Workers int `yaml:"workers"`

	// MaxAttempts is the per-job attempt budget (first run + retries).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// PerMessageCost is the fixed credit cost per AI-processed message.
	PerMessageCost int64 `yaml:"per_message_cost"`

	// ChargeFallback controls whether a degraded (non-AI) reply still
	// consumes the per-message cost. Default false: a reply the AI
	// never produced is not billed.
	ChargeFallback bool `yaml:"charge_fallback"`

	// NoCreditsText is the static reply sent when the owner's balance
	// cannot cover a message.
	NoCreditsText string `yaml:"no_credits_text"`

	// MaxResponseDelay caps the agent's configured human-pacing delay.
	MaxResponseDelay time.Duration `yaml:"max_response_delay"`

	// PollInterval is how often idle workers re-check the queue for
	// retry-scheduled jobs.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          5,
		MaxAttempts:      3,
		RetryBackoff:     2 * time.Second,
		PerMessageCost:   1,
		NoCreditsText:    "No momento não conseguimos atender sua mensagem. Por favor, tente novamente mais tarde.",
		MaxResponseDelay: 10 * time.Second,
		PollInterval:     time.Second,
	}
}

// Sender delivers replies through the agent's live session.
type Sender interface {
	Send(ctx context.Context, agentID, contact, text string) (string, error)
}

// TypingSender is implemented by senders that can show a "typing..."
// indicator while a reply is being produced.
type TypingSender interface {
	SendTyping(ctx context.Context, agentID, contact string) error
}

// Responder generates a reply for one inbound message.
type Responder interface {
	Respond(ctx context.Context, agent *store.Agent, knowledge []*store.KnowledgeEntry, history []*store.Message, text string) *responder.Reply
}

// Ledger is the credit surface the pipeline consumes.
type Ledger interface {
	HasEnough(ctx context.Context, userID string, amount int64) (bool, error)
	Debit(ctx context.Context, userID string, amount int64, description, relatedID string) (*store.CreditTransaction, error)
}

// Pipeline is the durable queue plus worker pool.
type Pipeline struct {
	cfg       Config
	store     *store.Store
	ledger    Ledger
	responder Responder
	sender    Sender
	logger    *slog.Logger

	// wake nudges idle workers after an enqueue.
	wake chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a pipeline.
func New(cfg Config, s *store.Store, ledger Ledger, resp Responder, sender Sender, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.PerMessageCost <= 0 {
		cfg.PerMessageCost = 1
	}
	if cfg.NoCreditsText == "" {
		cfg.NoCreditsText = DefaultConfig().NoCreditsText
	}
	if cfg.MaxResponseDelay <= 0 {
		cfg.MaxResponseDelay = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		store:     s,
		ledger:    ledger,
		responder: resp,
		sender:    sender,
		logger:    logger.With("component", "pipeline"),
		wake:      make(chan struct{}, 1),
	}
}

// ReceiveMessage enqueues a job for an inbound message. It returns as
// soon as the job row is durable; a store failure is returned to the
// caller (and logged) so no message is silently dropped.
func (p *Pipeline) ReceiveMessage(ctx context.Context, agentID string, msg *channels.IncomingMessage) error {
	job := &store.Job{
		AgentID:         agentID,
		ContactIdentity: msg.From,
		ContactName:     msg.FromName,
		Content:         msg.Content,
		ExternalID:      msg.ID,
		ReceivedAt:      msg.Timestamp,
	}
	if err := p.store.EnqueueJob(ctx, job); err != nil {
		p.logger.Error("enqueue failed, message not queued",
			"agent", agentID, "from", msg.From, "error", err)
		return fmt.Errorf("enqueue message job: %w", err)
	}

	p.logger.Debug("job enqueued", "job", job.ID, "agent", agentID, "from", msg.From)
	p.nudge()
	return nil
}

// Start recovers interrupted jobs and launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	recovered, err := p.store.RecoverRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}
	if recovered > 0 {
		p.logger.Info("re-queued interrupted jobs", "count", recovered)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("pipeline started", "workers", p.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// worker claims and processes jobs until cancelled. Job-level errors
// never crash the pool; every job is isolated.
func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := p.store.ClaimJob(ctx)
		switch {
		case err == nil:
			p.runJob(ctx, logger, job)
			// Claiming may have unblocked the next job of the same
			// conversation.
			p.nudge()
			continue
		case errors.Is(err, store.ErrNotFound):
			// Queue empty or nothing runnable yet.
		case ctx.Err() != nil:
			return
		default:
			logger.Error("claim failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// runJob executes one job and records its outcome according to the
// retry policy.
func (p *Pipeline) runJob(ctx context.Context, logger *slog.Logger, job *store.Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "job", job.ID, "panic", r)
			p.failOrRetry(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	outcome, err := p.process(ctx, job)
	if err != nil {
		p.failOrRetry(ctx, job, err)
		return
	}

	if err := p.store.FinishJob(ctx, job.ID, outcome, ""); err != nil {
		logger.Error("failed to record job outcome",
			"job", job.ID, "outcome", outcome, "error", err)
		return
	}
	logger.Debug("job finished", "job", job.ID, "outcome", outcome)
}

// failOrRetry applies the retry policy: exponential backoff up to the
// attempt budget, then the job is marked failed and retained.
func (p *Pipeline) failOrRetry(ctx context.Context, job *store.Job, jobErr error) {
	attempts := job.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		p.logger.Error("job failed permanently",
			"job", job.ID, "attempts", attempts, "error", jobErr)
		if err := p.store.FinishJob(ctx, job.ID, store.JobFailed, jobErr.Error()); err != nil {
			p.logger.Error("failed to mark job failed", "job", job.ID, "error", err)
		}
		return
	}

	backoff := p.cfg.RetryBackoff << (attempts - 1)
	retryAt := time.Now().Add(backoff)
	p.logger.Warn("job will retry",
		"job", job.ID, "attempt", attempts, "backoff", backoff, "error", jobErr)
	if err := p.store.RetryJob(ctx, job.ID, attempts, retryAt, jobErr.Error()); err != nil {
		p.logger.Error("failed to schedule retry", "job", job.ID, "error", err)
	}
}

// process runs the per-job sequence and returns the terminal status.
// Returned errors are retryable; business outcomes (paused agent,
// insufficient credits) are statuses, not errors.
func (p *Pipeline) process(ctx context.Context, job *store.Job) (string, error) {
	agent, err := p.store.GetAgent(ctx, job.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		// Agent deleted while the job was queued.
		return store.JobFailed, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve agent: %w", err)
	}

	// Paused agents complete the job without an AI call.
	if !agent.IsActive {
		return store.JobPaused, nil
	}

	// Credit gate. Insufficient funds is terminal for this message: a
	// static reply, no AI call, no debit, no retry.
	enough, err := p.ledger.HasEnough(ctx, agent.UserID, p.cfg.PerMessageCost)
	if err != nil {
		return "", fmt.Errorf("credit check: %w", err)
	}
	if !enough {
		if _, sendErr := p.sender.Send(ctx, job.AgentID, job.ContactIdentity, p.cfg.NoCreditsText); sendErr != nil {
			p.logger.Warn("failed to deliver no-credits notice",
				"job", job.ID, "error", sendErr)
		}
		return store.JobNoCredits, nil
	}

	conv, err := p.store.GetOrCreateConversation(ctx, job.AgentID, job.ContactIdentity, job.ContactName)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}

	inbound, err := p.persistInbound(ctx, conv, job)
	if err != nil {
		return "", fmt.Errorf("persist inbound message: %w", err)
	}

	// Typing indicator while the reply is produced. Best effort.
	if ts, ok := p.sender.(TypingSender); ok {
		if err := ts.SendTyping(ctx, job.AgentID, job.ContactIdentity); err != nil {
			p.logger.Debug("typing indicator failed", "job", job.ID, "error", err)
		}
	}

	// Human-pacing delay. Bounded sleep, not a retry wait; the worker
	// slot is held only for its duration.
	if delay := min(agent.ResponseDelay, p.cfg.MaxResponseDelay); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	knowledge, err := p.store.ListEnabledKnowledge(ctx, job.AgentID)
	if err != nil {
		return "", fmt.Errorf("load knowledge: %w", err)
	}

	history, err := p.recentHistory(ctx, conv.ID, agent.MaxContext, inbound.ID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	reply := p.responder.Respond(ctx, agent, knowledge, history, job.Content)

	externalID, err := p.sender.Send(ctx, job.AgentID, job.ContactIdentity, reply.Text)
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}

	creditsUsed := p.cfg.PerMessageCost
	if reply.Fallback && !p.cfg.ChargeFallback {
		creditsUsed = 0
	}

	outbound := &store.Message{
		ConversationID: conv.ID,
		AgentID:        job.AgentID,
		Direction:      store.DirectionOutgoing,
		Content:        reply.Text,
		ExternalID:     externalID,
		AIProcessed:    !reply.Fallback,
		CreditsUsed:    creditsUsed,
	}
	if err := p.store.AppendMessage(ctx, outbound); err != nil {
		return "", fmt.Errorf("persist outbound message: %w", err)
	}

	if creditsUsed > 0 {
		_, err := p.ledger.Debit(ctx, agent.UserID, creditsUsed, "AI response", outbound.ID)
		if errors.Is(err, store.ErrInsufficientCredits) {
			// The reply already went out; a concurrent debit drained
			// the balance between the gate and here. Log and move on.
			p.logger.Warn("balance drained before debit",
				"job", job.ID, "user", agent.UserID)
		} else if err != nil {
			return "", fmt.Errorf("debit credits: %w", err)
		}
	}

	aiResponses := int64(1)
	if reply.Fallback {
		aiResponses = 0
	}
	if err := p.store.BumpDailyStats(ctx, job.AgentID, store.Day(time.Now()), store.StatsDelta{
		Incoming:    1,
		Outgoing:    1,
		AIResponses: aiResponses,
		Tokens:      int64(reply.TokensUsed),
	}); err != nil {
		// Analytics is best-effort; the reply is already delivered and
		// billed.
		p.logger.Warn("failed to bump daily stats", "job", job.ID, "error", err)
	}

	return store.JobDone, nil
}

// persistInbound writes the incoming message, skipping the insert when a
// retried job already persisted it.
func (p *Pipeline) persistInbound(ctx context.Context, conv *store.Conversation, job *store.Job) (*store.Message, error) {
	if job.Attempts > 0 {
		existing, err := p.store.FindMessageByExternalID(ctx, conv.ID, job.ExternalID, store.DirectionIncoming)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	inbound := &store.Message{
		ConversationID: conv.ID,
		AgentID:        job.AgentID,
		Direction:      store.DirectionIncoming,
		Content:        job.Content,
		ExternalID:     job.ExternalID,
		CreatedAt:      job.ReceivedAt,
	}
	if err := p.store.AppendMessage(ctx, inbound); err != nil {
		return nil, err
	}
	return inbound, nil
}

// recentHistory loads the context window, excluding the just-persisted
// inbound message (the responder appends it as the new user turn).
func (p *Pipeline) recentHistory(ctx context.Context, conversationID string, maxContext int, inboundID string) ([]*store.Message, error) {
	msgs, err := p.store.RecentMessages(ctx, conversationID, maxContext+1)
	if err != nil {
		return nil, err
	}
	filtered := msgs[:0]
	for _, m := range msgs {
		if m.ID != inboundID {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > maxContext {
		filtered = filtered[len(filtered)-maxContext:]
	}
	return filtered, nil
}
