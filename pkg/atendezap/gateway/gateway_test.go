package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
	"github.com/atendezap/atendezap/pkg/atendezap/credits"
	"github.com/atendezap/atendezap/pkg/atendezap/pipeline"
	"github.com/atendezap/atendezap/pkg/atendezap/responder"
	"github.com/atendezap/atendezap/pkg/atendezap/session"
	"github.com/atendezap/atendezap/pkg/atendezap/store"
)

// stubChannel satisfies channels.PairingChannel for API-level tests.
type stubChannel struct {
	messages chan *channels.IncomingMessage
	pairing  chan channels.PairingEvent
	onState  func(channels.State, string)
}

func newStubChannel(onState func(channels.State, string)) *stubChannel {
	return &stubChannel{
		messages: make(chan *channels.IncomingMessage, 8),
		pairing:  make(chan channels.PairingEvent, 8),
		onState:  onState,
	}
}

func (s *stubChannel) Name() string { return "stub" }
func (s *stubChannel) Connect(context.Context) error {
	s.onState(channels.StateConnected, "test")
	return nil
}
func (s *stubChannel) Disconnect() error                             { return nil }
func (s *stubChannel) Logout(context.Context) error                  { return nil }
func (s *stubChannel) Send(context.Context, string, string) (string, error) {
	return "EXT-1", nil
}
func (s *stubChannel) SendTyping(context.Context, string) error    { return nil }
func (s *stubChannel) Receive() <-chan *channels.IncomingMessage   { return s.messages }
func (s *stubChannel) PairingEvents() <-chan channels.PairingEvent { return s.pairing }
func (s *stubChannel) IsConnected() bool                           { return true }
func (s *stubChannel) Identity() string                            { return "5511999998888" }
func (s *stubChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: true}
}
func (s *stubChannel) RegeneratePairing(context.Context) error { return nil }
func (s *stubChannel) RequestPairCode(context.Context, string) (string, error) {
	return "ABCD-1234", nil
}

type stubResponder struct{}

func (stubResponder) Respond(context.Context, *store.Agent, []*store.KnowledgeEntry, []*store.Message, string) *responder.Reply {
	return &responder.Reply{Text: "ok", TokensUsed: 1}
}

type stubSender struct{}

func (stubSender) Send(context.Context, string, string, string) (string, error) {
	return "EXT-1", nil
}

type apiHarness struct {
	gateway *Gateway
	server  *httptest.Server
	store   *store.Store
	token   string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	factory := func(_, _ string, onState func(channels.State, string)) (channels.PairingChannel, error) {
		return newStubChannel(onState), nil
	}
	sessions := session.NewManager(session.DefaultConfig(), factory, s, logger)
	t.Cleanup(sessions.Shutdown)

	ledger := credits.NewLedger(s, logger)
	pipe := pipeline.New(pipeline.DefaultConfig(), s, ledger, stubResponder{}, stubSender{}, logger)
	sessions.SetSink(pipe)

	g := New(Config{AuthToken: "secret"}, s, sessions, pipe, ledger, logger)
	server := httptest.NewServer(g.Router())
	t.Cleanup(server.Close)

	return &apiHarness{gateway: g, server: server, store: s, token: "secret"}
}

// call performs an authenticated request and decodes the JSON response.
func (h *apiHarness) call(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (h *apiHarness) mustCreateUser(t *testing.T, creditBalance int64) string {
	t.Helper()
	status, body := h.call(t, http.MethodPost, "/api/users", map[string]any{
		"email":           "owner@example.com",
		"initial_credits": creditBalance,
	})
	if status != http.StatusCreated {
		t.Fatalf("create user: status %d, body %v", status, body)
	}
	return body["id"].(string)
}

func (h *apiHarness) mustCreateAgent(t *testing.T, userID string) string {
	t.Helper()
	status, body := h.call(t, http.MethodPost, "/api/agents", map[string]any{
		"user_id": userID,
		"name":    "Clínica Sorriso",
	})
	if status != http.StatusCreated {
		t.Fatalf("create agent: status %d, body %v", status, body)
	}
	return body["id"].(string)
}

func TestAuth(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("missing token rejected", func(t *testing.T) {
		resp, err := http.Get(h.server.URL + "/api/agents")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("health is public", func(t *testing.T) {
		resp, err := http.Get(h.server.URL + "/health")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		status, _ := h.call(t, http.MethodGet, "/api/agents", nil)
		if status != http.StatusOK {
			t.Errorf("expected 200, got %d", status)
		}
	})
}

func TestAgentEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	userID := h.mustCreateUser(t, 10)
	agentID := h.mustCreateAgent(t, userID)

	t.Run("get includes session state", func(t *testing.T) {
		status, body := h.call(t, http.MethodGet, "/api/agents/"+agentID+"/", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if body["name"] != "Clínica Sorriso" {
			t.Errorf("unexpected agent body: %v", body)
		}
		if _, ok := body["session"]; !ok {
			t.Error("agent view missing session snapshot")
		}
	})

	t.Run("update profile", func(t *testing.T) {
		status, body := h.call(t, http.MethodPut, "/api/agents/"+agentID+"/", map[string]any{
			"personality":    "Objetiva e cordial",
			"response_delay": "2s",
		})
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", status, body)
		}
		if body["personality"] != "Objetiva e cordial" || body["response_delay"] != "2s" {
			t.Errorf("update not reflected: %v", body)
		}
	})

	t.Run("invalid delay rejected", func(t *testing.T) {
		status, _ := h.call(t, http.MethodPut, "/api/agents/"+agentID+"/", map[string]any{
			"response_delay": "quick",
		})
		if status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", status)
		}
	})

	t.Run("unknown agent is 404", func(t *testing.T) {
		status, _ := h.call(t, http.MethodGet, "/api/agents/nope/", nil)
		if status != http.StatusNotFound {
			t.Errorf("expected 404, got %d", status)
		}
	})

	t.Run("connect then status", func(t *testing.T) {
		status, body := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/connect", nil)
		if status != http.StatusOK {
			t.Fatalf("connect: expected 200, got %d: %v", status, body)
		}
		status, body = h.call(t, http.MethodGet, "/api/agents/"+agentID+"/status", nil)
		if status != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", status)
		}
		if body["state"] != string(channels.StateConnected) {
			t.Errorf("expected connected, got %v", body["state"])
		}
	})

	t.Run("delete agent", func(t *testing.T) {
		status, _ := h.call(t, http.MethodDelete, "/api/agents/"+agentID+"/", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		status, _ = h.call(t, http.MethodGet, "/api/agents/"+agentID+"/", nil)
		if status != http.StatusNotFound {
			t.Errorf("agent survived delete: %d", status)
		}
	})
}

func TestWebhookMessage(t *testing.T) {
	h := newAPIHarness(t)
	userID := h.mustCreateUser(t, 10)
	agentID := h.mustCreateAgent(t, userID)

	status, body := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/messages", map[string]any{
		"message_id": "WAMID-1",
		"from":       "5511888887777",
		"from_name":  "Maria",
		"content":    "Tem horário amanhã?",
	})
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", status, body)
	}

	// The job is durable before the 202 goes out.
	pending, err := h.store.CountPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending job, got %d", pending)
	}

	t.Run("empty content rejected", func(t *testing.T) {
		status, _ := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/messages", map[string]any{
			"from":    "5511888887777",
			"content": "   ",
		})
		if status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", status)
		}
	})
}

func TestKnowledgeNormalization(t *testing.T) {
	h := newAPIHarness(t)
	userID := h.mustCreateUser(t, 0)
	agentID := h.mustCreateAgent(t, userID)

	t.Run("question and answer shape", func(t *testing.T) {
		status, body := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/knowledge", map[string]any{
			"question": "Aceitam convênio?",
			"answer":   "Sim, Amil e Bradesco.",
		})
		if status != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %v", status, body)
		}
	})

	t.Run("title and content shape normalized", func(t *testing.T) {
		status, body := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/knowledge", map[string]any{
			"title":   "Formas de pagamento",
			"content": "Pix, cartão e dinheiro.",
		})
		if status != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %v", status, body)
		}
		if body["question"] != "Formas de pagamento" || body["answer"] != "Pix, cartão e dinheiro." {
			t.Errorf("shape not normalized: %v", body)
		}
	})

	t.Run("both shapes land in the same knowledge base", func(t *testing.T) {
		entries, err := h.store.ListEnabledKnowledge(context.Background(), agentID)
		if err != nil {
			t.Fatalf("list knowledge: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("expected 2 entries, got %d", len(entries))
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		status, _ := h.call(t, http.MethodPost, "/api/agents/"+agentID+"/knowledge", map[string]any{
			"question": "sem resposta",
		})
		if status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", status)
		}
	})
}

func TestCreditEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	userID := h.mustCreateUser(t, 5)

	t.Run("balance", func(t *testing.T) {
		status, body := h.call(t, http.MethodGet, "/api/users/"+userID+"/credits", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if body["balance"].(float64) != 5 {
			t.Errorf("expected balance 5, got %v", body["balance"])
		}
	})

	t.Run("grant", func(t *testing.T) {
		status, body := h.call(t, http.MethodPost, "/api/users/"+userID+"/credits/grant", map[string]any{
			"amount": 100,
		})
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d: %v", status, body)
		}
		if body["balance_after"].(float64) != 105 {
			t.Errorf("expected balance 105, got %v", body["balance_after"])
		}
	})

	t.Run("non-positive grant rejected", func(t *testing.T) {
		status, _ := h.call(t, http.MethodPost, "/api/users/"+userID+"/credits/grant", map[string]any{
			"amount": 0,
		})
		if status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", status)
		}
	})

	t.Run("transactions listed", func(t *testing.T) {
		status, body := h.call(t, http.MethodGet, "/api/users/"+userID+"/credits/transactions", nil)
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		txs := body["transactions"].([]any)
		if len(txs) != 1 {
			t.Errorf("expected 1 transaction, got %d", len(txs))
		}
	})
}

func TestAnalyticsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	userID := h.mustCreateUser(t, 0)
	agentID := h.mustCreateAgent(t, userID)

	day := store.Day(time.Now().UTC())
	if err := h.store.BumpDailyStats(context.Background(), agentID, day,
		store.StatsDelta{Incoming: 3, Outgoing: 3, AIResponses: 2, Tokens: 90}); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	status, body := h.call(t, http.MethodGet,
		fmt.Sprintf("/api/agents/%s/analytics?from=%s&to=%s", agentID, day, day), nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	totals := body["totals"].(map[string]any)
	if totals["total_messages"].(float64) != 6 || totals["ai_responses"].(float64) != 2 {
		t.Errorf("unexpected totals: %v", totals)
	}
	days := body["days"].([]any)
	if len(days) != 1 {
		t.Errorf("expected 1 day bucket, got %d", len(days))
	}
}
