// Package session owns the live WhatsApp sessions: at most one per agent
// id, with explicit acquire/release lifecycle. It surfaces pairing
// artifacts and connection state to callers, persists state transitions
// on the agent row, and feeds incoming messages to the pipeline sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
)

// ErrNoSession is returned for operations on an agent without a live
// session.
var ErrNoSession = errors.New("session: no session for agent")

// Status is the caller-visible session snapshot.
type Status struct {
	State             channels.State `json:"state"`
	Identity          string         `json:"identity,omitempty"`
	Artifact          string         `json:"artifact,omitempty"`
	ArtifactExpiresAt time.Time      `json:"artifact_expires_at,omitempty"`
}

// MessageSink consumes incoming messages. Delivery must return fast;
// queueing failures are logged and surfaced, never retried here.
type MessageSink interface {
	ReceiveMessage(ctx context.Context, agentID string, msg *channels.IncomingMessage) error
}

// StateStore persists agent connection state transitions.
type StateStore interface {
	UpdateAgentConnection(ctx context.Context, agentID, state, identity string) error
}

// ChannelFactory builds a fresh channel instance for one agent session.
// deviceJID is the persisted identity from a previous login (empty for a
// first pairing). onState receives every state transition.
type ChannelFactory func(agentID, deviceJID string, onState func(channels.State, string)) (channels.PairingChannel, error)

// Config holds session manager configuration.
type Config struct {
	// CodeExpiry is how long a numeric pair code stays valid.
	CodeExpiry time.Duration `yaml:"code_expiry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{CodeExpiry: 5 * time.Minute}
}

// Manager is the session registry.
type Manager struct {
	cfg     Config
	factory ChannelFactory
	store   StateStore
	sink    MessageSink
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// managedSession is one live session entry.
type managedSession struct {
	agentID string
	channel channels.PairingChannel
	cancel  context.CancelFunc

	mu              sync.Mutex
	state           channels.State
	artifact        string
	artifactExpires time.Time
}

// NewManager creates a session manager. The sink may be set later via
// SetSink (the pipeline is constructed after the manager).
func NewManager(cfg Config, factory ChannelFactory, store StateStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CodeExpiry == 0 {
		cfg.CodeExpiry = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		store:    store,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*managedSession),
	}
}

// SetSink wires the incoming-message consumer.
func (m *Manager) SetSink(sink MessageSink) {
	m.sink = sink
}

// Connect acquires (or returns) the session for an agent. Calling
// Connect on an already-connected agent is a no-op that returns the
// current status; a second session object is never created.
func (m *Manager) Connect(ctx context.Context, agentID, deviceJID string) (Status, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[agentID]; ok {
		if !existing.snapshot().State.Terminal() {
			m.mu.Unlock()
			return existing.snapshot(), nil
		}
		// Terminal session left in the registry: release it fully
		// before starting over.
		m.mu.Unlock()
		m.release(existing)
		m.mu.Lock()
		// A concurrent Connect may have installed a fresh session while
		// the lock was dropped for the release. That one wins; building
		// a second channel here would orphan it.
		if winner, ok := m.sessions[agentID]; ok && winner != existing {
			m.mu.Unlock()
			return winner.snapshot(), nil
		}
	}

	sess := &managedSession{agentID: agentID, state: channels.StateInitializing}
	ch, err := m.factory(agentID, deviceJID, func(state channels.State, reason string) {
		m.onStateChange(sess, state, reason)
	})
	if err != nil {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("creating channel for agent %q: %w", agentID, err)
	}
	sess.channel = ch
	m.sessions[agentID] = sess
	m.mu.Unlock()

	// The session outlives the Connect caller: pairing runs in the
	// background after an API request returns, so the channel gets the
	// session-lifetime context, not the request-scoped one.
	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	if err := ch.Connect(pumpCtx); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.sessions, agentID)
		m.mu.Unlock()
		return Status{}, fmt.Errorf("connecting agent %q: %w", agentID, err)
	}

	go m.pumpMessages(pumpCtx, sess)
	go m.pumpPairing(pumpCtx, sess)

	return sess.snapshot(), nil
}

// Disconnect tears the session down: the underlying connection is
// closed and all resources released before the registry entry is
// removed, so a subsequent Connect cannot leak a stale session.
func (m *Manager) Disconnect(agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	m.release(sess)
	return nil
}

// release closes the channel, stops the pumps and removes the entry.
func (m *Manager) release(sess *managedSession) {
	if sess.cancel != nil {
		sess.cancel()
	}
	if err := sess.channel.Disconnect(); err != nil {
		m.logger.Warn("channel disconnect error", "agent", sess.agentID, "error", err)
	}
	m.mu.Lock()
	if m.sessions[sess.agentID] == sess {
		delete(m.sessions, sess.agentID)
	}
	m.mu.Unlock()
	m.persistState(sess.agentID, channels.StateDisconnected, "")
}

// Destroy unlinks the agent's device from the network (deleting the
// stored credentials) and removes the session. Used on agent deletion.
func (m *Manager) Destroy(ctx context.Context, agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	if err := sess.channel.Logout(ctx); err != nil {
		m.logger.Warn("channel logout error", "agent", agentID, "error", err)
	}
	m.mu.Lock()
	if m.sessions[agentID] == sess {
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()
	return nil
}

// Send delivers a text message through the agent's session. Fails fast
// with ErrNoSession / channels.ErrNotConnected after a teardown.
func (m *Manager) Send(ctx context.Context, agentID, contact, text string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return "", ErrNoSession
	}
	return sess.channel.Send(ctx, contact, text)
}

// SendTyping shows a typing indicator to the contact. Best effort:
// agents without a live session are a no-op.
func (m *Manager) SendTyping(ctx context.Context, agentID, contact string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.channel.SendTyping(ctx, contact)
}

// Status returns the session snapshot for an agent. Agents without a
// live session report uninitialized.
func (m *Manager) Status(agentID string) Status {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{State: channels.StateUninitialized}
	}
	return sess.snapshot()
}

// RegeneratePairing restarts artifact generation for an agent whose
// previous artifact expired.
func (m *Manager) RegeneratePairing(ctx context.Context, agentID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return sess.channel.RegeneratePairing(ctx)
}

// RequestPairCode asks the network for a numeric pairing code tied to
// the agent's phone number.
func (m *Manager) RequestPairCode(ctx context.Context, agentID, phone string) (Status, error) {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNoSession
	}

	code, err := sess.channel.RequestPairCode(ctx, phone)
	if err != nil {
		return Status{}, err
	}

	sess.mu.Lock()
	sess.artifact = code
	sess.artifactExpires = time.Now().Add(m.cfg.CodeExpiry)
	sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Shutdown releases every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*managedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.release(sess)
	}
}

// SweepExpiredArtifacts clears artifacts past their expiry, so status
// queries stop offering dead codes. Called by the maintenance cron.
func (m *Manager) SweepExpiredArtifacts() int {
	m.mu.Lock()
	sessions := make([]*managedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	now := time.Now()
	swept := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.artifact != "" && now.After(sess.artifactExpires) {
			sess.artifact = ""
			sess.artifactExpires = time.Time{}
			swept++
		}
		sess.mu.Unlock()
	}
	return swept
}

// onStateChange records a transition and persists it on the agent row.
func (m *Manager) onStateChange(sess *managedSession, state channels.State, reason string) {
	sess.mu.Lock()
	sess.state = state
	if state == channels.StateConnected || state == channels.StateAuthenticated {
		sess.artifact = ""
		sess.artifactExpires = time.Time{}
	}
	sess.mu.Unlock()

	m.logger.Info("session state changed",
		"agent", sess.agentID, "state", state, "reason", reason)

	identity := ""
	if state == channels.StateConnected || state == channels.StateAuthenticated {
		identity = sess.channel.Identity()
	}
	m.persistState(sess.agentID, state, identity)
}

func (m *Manager) persistState(agentID string, state channels.State, identity string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateAgentConnection(ctx, agentID, string(state), identity); err != nil {
		m.logger.Warn("failed to persist connection state",
			"agent", agentID, "state", state, "error", err)
	}
}

// pumpMessages forwards incoming messages to the sink until the channel
// closes or the session is released.
func (m *Manager) pumpMessages(ctx context.Context, sess *managedSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sess.channel.Receive():
			if !ok {
				return
			}
			if m.sink == nil {
				m.logger.Warn("no message sink configured, dropping message",
					"agent", sess.agentID, "from", msg.From)
				continue
			}
			if err := m.sink.ReceiveMessage(ctx, sess.agentID, msg); err != nil {
				m.logger.Error("failed to hand message to pipeline",
					"agent", sess.agentID, "from", msg.From, "error", err)
			}
		}
	}
}

// pumpPairing records pairing artifacts for the status query.
func (m *Manager) pumpPairing(ctx context.Context, sess *managedSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sess.channel.PairingEvents():
			if !ok {
				return
			}
			sess.mu.Lock()
			switch evt.Type {
			case channels.PairingCode:
				sess.artifact = evt.Artifact
				sess.artifactExpires = evt.ExpiresAt
			case channels.PairingSucceeded, channels.PairingExpired, channels.PairingFailed:
				sess.artifact = ""
				sess.artifactExpires = time.Time{}
			}
			sess.mu.Unlock()
		}
	}
}

func (s *managedSession) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    s.state,
		Identity: s.channel.Identity(),
	}
	if s.artifact != "" && time.Now().Before(s.artifactExpires) {
		st.Artifact = s.artifact
		st.ArtifactExpiresAt = s.artifactExpires
	}
	return st
}
