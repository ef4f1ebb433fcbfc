// Package gateway provides the HTTP API for AtendeZap: webhook message
// ingestion, the pairing/connection surface, credits, conversation and
// analytics reads. The dashboard UI consumes this API; it is not served
// from here.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/credits"
	"github.com/atendezap/atendezap/pkg/atendezap/pipeline"
	"github.com/atendezap/atendezap/pkg/atendezap/session"
	"github.com/atendezap/atendezap/pkg/atendezap/store"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Config holds gateway configuration.
type Config struct {
	// Address is the listen address.
	Address string

	// AuthToken protects every /api route when set.
	AuthToken string
}

// Gateway is the HTTP API server.
type Gateway struct {
	cfg       Config
	store     *store.Store
	sessions  *session.Manager
	pipeline  *pipeline.Pipeline
	ledger    *credits.Ledger
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg Config, s *store.Store, sessions *session.Manager, p *pipeline.Pipeline, ledger *credits.Ledger, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8086"
	}
	return &Gateway{
		cfg:      cfg,
		store:    s,
		sessions: sessions,
		pipeline: p,
		ledger:   ledger,
		logger:   logger.With("component", "gateway"),
	}
}

// Router builds the chi route tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(g.securityHeaders)
	r.Use(g.requestLogger)

	r.Get("/health", g.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.auth)

		r.Post("/users", g.handleCreateUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/credits", g.handleCreditBalance)
			r.Get("/credits/transactions", g.handleCreditTransactions)
			r.Post("/credits/grant", g.handleCreditGrant)
		})

		r.Post("/agents", g.handleCreateAgent)
		r.Get("/agents", g.handleListAgents)
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/", g.handleGetAgent)
			r.Put("/", g.handleUpdateAgent)
			r.Delete("/", g.handleDeleteAgent)

			r.Post("/connect", g.handleConnect)
			r.Post("/disconnect", g.handleDisconnect)
			r.Get("/status", g.handleStatus)
			r.Post("/pair", g.handlePairCode)
			r.Post("/pairing/refresh", g.handlePairingRefresh)

			r.Post("/messages", g.handleReceiveMessage)
			r.Get("/conversations", g.handleListConversations)
			r.Get("/analytics", g.handleAnalytics)

			r.Post("/knowledge", g.handleAddKnowledge)
		})

		r.Get("/conversations/{conversationID}/messages", g.handleListMessages)
	})

	return r
}

// Start launches the HTTP server in the background.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.cfg.Address,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.cfg.AuthToken == "" {
		g.logger.Warn("gateway has no auth token configured, only expose on loopback",
			"address", g.cfg.Address)
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()

	g.logger.Info("gateway listening", "address", g.cfg.Address)
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// ---------- JSON helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
