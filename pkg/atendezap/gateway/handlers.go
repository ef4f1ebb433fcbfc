package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
	"github.com/atendezap/atendezap/pkg/atendezap/session"
	"github.com/atendezap/atendezap/pkg/atendezap/store"

	"github.com/go-chi/chi/v5"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := g.store.CountPendingJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       time.Since(g.startedAt).Round(time.Second).String(),
		"pending_jobs": pending,
	})
}

// ---------- users and credits ----------

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		InitialCredits int64  `json:"initial_credits"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.InitialCredits < 0 {
		writeError(w, http.StatusBadRequest, "initial_credits must not be negative")
		return
	}
	u, err := g.store.CreateUser(r.Context(), req.Email, req.InitialCredits)
	if err != nil {
		g.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}
	writeJSON(w, http.StatusCreated, userView(u))
}

func (g *Gateway) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := g.ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (g *Gateway) handleCreditTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", 50)
	txs, err := g.store.ListCreditTransactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list transactions")
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, txView(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (g *Gateway) handleCreditGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Description == "" {
		req.Description = "manual grant"
	}
	tx, err := g.ledger.Grant(r.Context(), userID, req.Amount, req.Description)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		g.logger.Error("grant credits", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not grant credits")
		return
	}
	writeJSON(w, http.StatusOK, txView(tx))
}

// ---------- agents ----------

type agentRequest struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Personality   string `json:"personality"`
	Language      string `json:"language"`
	WorkingHours  string `json:"working_hours"`
	Services      string `json:"services"`
	ResponseDelay string `json:"response_delay"`
	MaxContext    int    `json:"max_context"`
	IsActive      *bool  `json:"is_active"`
}

func (req *agentRequest) apply(a *store.Agent) error {
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Personality != "" {
		a.Personality = req.Personality
	}
	if req.Language != "" {
		a.Language = req.Language
	}
	if req.WorkingHours != "" {
		a.WorkingHours = req.WorkingHours
	}
	if req.Services != "" {
		a.Services = req.Services
	}
	if req.ResponseDelay != "" {
		d, err := time.ParseDuration(req.ResponseDelay)
		if err != nil || d < 0 {
			return errors.New("response_delay must be a non-negative duration")
		}
		a.ResponseDelay = d
	}
	if req.MaxContext > 0 {
		a.MaxContext = req.MaxContext
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	return nil
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "user_id and name are required")
		return
	}
	if _, err := g.store.GetUser(r.Context(), req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not resolve user")
		return
	}

	agent := &store.Agent{
		UserID:     req.UserID,
		Language:   "pt-BR",
		MaxContext: 20,
		IsActive:   true,
	}
	if err := req.apply(agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.logger.Error("create agent", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create agent")
		return
	}
	writeJSON(w, http.StatusCreated, agentView(agent))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	agents, err := g.store.ListAgents(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list agents")
		return
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	view := agentView(agent)
	status := g.sessions.Status(agent.ID)
	view["session"] = statusView(status)
	writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.apply(agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.UpdateAgentProfile(r.Context(), agent); err != nil {
		g.logger.Error("update agent", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not update agent")
		return
	}
	writeJSON(w, http.StatusOK, agentView(agent))
}

// handleDeleteAgent unlinks the WhatsApp device before removing the row,
// so the phone stops showing a dangling linked device.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	if err := g.sessions.Destroy(r.Context(), agent.ID); err != nil {
		g.logger.Warn("destroy session during delete", "agent", agent.ID, "error", err)
	}
	if err := g.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------- session lifecycle ----------

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	status, err := g.sessions.Connect(r.Context(), agent.ID, agent.SessionIdentity)
	if err != nil {
		g.logger.Error("connect", "agent", agent.ID, "error", err)
		writeError(w, http.StatusBadGateway, "could not start session: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	if err := g.sessions.Disconnect(agent.ID); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusConflict, "agent has no active session")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	status := g.sessions.Status(agent.ID)
	view := statusView(status)
	// Fall back to the persisted state when no live session exists.
	if status.State == channels.StateUninitialized && agent.ConnectionState != "" {
		view["state"] = agent.ConnectionState
		view["identity"] = agent.SessionIdentity
	}
	writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handlePairCode(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	status, err := g.sessions.RequestPairCode(r.Context(), agent.ID, req.Phone)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusConflict, "connect the agent before requesting a pair code")
			return
		}
		g.logger.Error("pair code", "agent", agent.ID, "error", err)
		writeError(w, http.StatusBadGateway, "could not request pair code")
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (g *Gateway) handlePairingRefresh(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	if err := g.sessions.RegeneratePairing(r.Context(), agent.ID); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusConflict, "agent has no active session")
			return
		}
		writeError(w, http.StatusBadGateway, "could not refresh pairing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pairing_restarted"})
}

// ---------- message ingestion ----------

// handleReceiveMessage accepts an externally delivered inbound message
// (webhook-style) and enqueues it. Processing is asynchronous, so this
// returns 202 on successful enqueue.
func (g *Gateway) handleReceiveMessage(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
		From      string `json:"from"`
		FromName  string `json:"from_name"`
		Content   string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.From == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "from and content are required")
		return
	}
	msg := &channels.IncomingMessage{
		ID:        req.MessageID,
		From:      req.From,
		FromName:  req.FromName,
		Content:   req.Content,
		Timestamp: time.Now(),
	}
	if err := g.pipeline.ReceiveMessage(r.Context(), agent.ID, msg); err != nil {
		g.logger.Error("enqueue webhook message", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not enqueue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ---------- conversations and analytics ----------

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := g.store.ListConversations(r.Context(), agent.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	out := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if _, err := g.store.GetConversation(r.Context(), convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not resolve conversation")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	msgs, err := g.store.ListMessages(r.Context(), convID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (g *Gateway) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = store.Day(now)
	}
	if from == "" {
		from = store.Day(now.AddDate(0, 0, -6))
	}
	stats, err := g.store.GetDailyStats(r.Context(), agent.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load analytics")
		return
	}

	var totals store.DailyStats
	days := make([]map[string]any, 0, len(stats))
	for _, d := range stats {
		totals.TotalMessages += d.TotalMessages
		totals.IncomingMessages += d.IncomingMessages
		totals.OutgoingMessages += d.OutgoingMessages
		totals.AIResponses += d.AIResponses
		totals.TokensUsed += d.TokensUsed
		days = append(days, statsView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": from,
		"to":   to,
		"days": days,
		"totals": map[string]any{
			"total_messages":    totals.TotalMessages,
			"incoming_messages": totals.IncomingMessages,
			"outgoing_messages": totals.OutgoingMessages,
			"ai_responses":      totals.AIResponses,
			"tokens_used":       totals.TokensUsed,
		},
	})
}

// ---------- knowledge ----------

func (g *Gateway) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.loadAgent(w, r)
	if !ok {
		return
	}
	// Accepts both question/answer and title/content shapes; they are
	// normalized to question/answer here, at the ingestion boundary.
	var req struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Title    string `json:"title"`
		Content  string `json:"content"`
		Priority int    `json:"priority"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	question := req.Question
	answer := req.Answer
	if question == "" {
		question = req.Title
	}
	if answer == "" {
		answer = req.Content
	}
	if question == "" || answer == "" {
		writeError(w, http.StatusBadRequest, "question/answer (or title/content) are required")
		return
	}
	entry := &store.KnowledgeEntry{
		AgentID:  agent.ID,
		Question: question,
		Answer:   answer,
		Priority: req.Priority,
		Enabled:  true,
	}
	if req.Enabled != nil {
		entry.Enabled = *req.Enabled
	}
	if err := g.store.AddKnowledgeEntry(r.Context(), entry); err != nil {
		g.logger.Error("add knowledge", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store knowledge entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       entry.ID,
		"agent_id": entry.AgentID,
		"question": entry.Question,
		"answer":   entry.Answer,
		"priority": entry.Priority,
		"enabled":  entry.Enabled,
	})
}

// ---------- shared helpers ----------

func (g *Gateway) loadAgent(w http.ResponseWriter, r *http.Request) (*store.Agent, bool) {
	id := chi.URLParam(r, "agentID")
	agent, err := g.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "could not resolve agent")
		return nil, false
	}
	return agent, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func userView(u *store.User) map[string]any {
	return map[string]any{
		"id":              u.ID,
		"email":           u.Email,
		"credits_balance": u.CreditsBalance,
		"created_at":      u.CreatedAt,
	}
}

func agentView(a *store.Agent) map[string]any {
	return map[string]any{
		"id":               a.ID,
		"user_id":          a.UserID,
		"name":             a.Name,
		"personality":      a.Personality,
		"language":         a.Language,
		"working_hours":    a.WorkingHours,
		"services":         a.Services,
		"response_delay":   a.ResponseDelay.String(),
		"max_context":      a.MaxContext,
		"is_active":        a.IsActive,
		"connection_state": a.ConnectionState,
		"session_identity": a.SessionIdentity,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
	}
}

func statusView(s session.Status) map[string]any {
	view := map[string]any{
		"state":    string(s.State),
		"identity": s.Identity,
	}
	if s.Artifact != "" {
		view["artifact"] = s.Artifact
		view["artifact_expires_at"] = s.ArtifactExpiresAt
	}
	return view
}

func conversationView(c *store.Conversation) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"agent_id":         c.AgentID,
		"contact_identity": c.ContactIdentity,
		"contact_name":     c.ContactName,
		"is_active":        c.IsActive,
		"last_message_at":  c.LastMessageAt,
		"message_count":    c.MessageCount,
		"created_at":       c.CreatedAt,
	}
}

func messageView(m *store.Message) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"direction":    m.Direction,
		"content":      m.Content,
		"external_id":  m.ExternalID,
		"ai_processed": m.AIProcessed,
		"credits_used": m.CreditsUsed,
		"created_at":   m.CreatedAt,
	}
}

func txView(tx *store.CreditTransaction) map[string]any {
	return map[string]any{
		"id":             tx.ID,
		"user_id":        tx.UserID,
		"type":           tx.Type,
		"amount":         tx.Amount,
		"balance_before": tx.BalanceBefore,
		"balance_after":  tx.BalanceAfter,
		"description":    tx.Description,
		"related_id":     tx.RelatedID,
		"created_at":     tx.CreatedAt,
	}
}

func statsView(d *store.DailyStats) map[string]any {
	return map[string]any{
		"day":                  d.Day,
		"total_messages":       d.TotalMessages,
		"incoming_messages":    d.IncomingMessages,
		"outgoing_messages":    d.OutgoingMessages,
		"ai_responses":         d.AIResponses,
		"tokens_used":          d.TokensUsed,
		"active_conversations": d.ActiveConversations,
	}
}
