package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
	"github.com/atendezap/atendezap/pkg/atendezap/channels/whatsapp"
	"github.com/atendezap/atendezap/pkg/atendezap/config"
	"github.com/atendezap/atendezap/pkg/atendezap/credits"
	"github.com/atendezap/atendezap/pkg/atendezap/gateway"
	"github.com/atendezap/atendezap/pkg/atendezap/llm"
	"github.com/atendezap/atendezap/pkg/atendezap/pipeline"
	"github.com/atendezap/atendezap/pkg/atendezap/responder"
	"github.com/atendezap/atendezap/pkg/atendezap/session"
	"github.com/atendezap/atendezap/pkg/atendezap/store"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `atendezap serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AtendeZap daemon",
		Long: `Start the AtendeZap daemon: the HTTP API, the message pipeline
workers and the WhatsApp session manager.

Examples:
  atendezap serve
  atendezap serve --config ./config.yaml`,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-reconnect", false, "skip reconnecting previously linked agents on boot")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// WhatsApp device credentials live in the same SQLite file.
	container, err := whatsapp.NewContainer(ctx, st.DB())
	if err != nil {
		return fmt.Errorf("init whatsapp store: %w", err)
	}

	// ── Core services ──
	sessions := session.NewManager(cfg.Session,
		session.WhatsAppFactory(container, cfg.WhatsApp, logger), st, logger)
	ledger := credits.NewLedger(st, logger)
	llmClient := llm.NewClient(cfg.LLM, logger)
	resp := responder.New(cfg.Responder, llmClient, logger)
	pipe := pipeline.New(cfg.Pipeline, st, ledger, resp, sessions, logger)
	sessions.SetSink(pipe)

	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	// ── HTTP API ──
	gw := gateway.New(gateway.Config{
		Address:   cfg.Server.Address,
		AuthToken: cfg.Server.AuthToken,
	}, st, sessions, pipe, ledger, logger)
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	// ── Maintenance jobs ──
	sched := cron.New()
	scheduleMaintenance(sched, cfg, st, sessions, logger)
	sched.Start()

	// ── Reconnect previously linked agents ──
	if noReconnect, _ := cmd.Flags().GetBool("no-reconnect"); !noReconnect {
		reconnectAgents(ctx, st, sessions, logger)
	}

	logger.Info("AtendeZap running. Press Ctrl+C to stop.",
		"address", cfg.Server.Address,
		"workers", cfg.Pipeline.Workers,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		<-sched.Stop().Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = gw.Stop(shutdownCtx)
		pipe.Stop()
		sessions.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}

	return nil
}

// scheduleMaintenance registers the recurring jobs: pairing artifact
// sweep, daily stats rollup and queue cleanup.
func scheduleMaintenance(sched *cron.Cron, cfg *config.Config, st *store.Store, sessions *session.Manager, logger *slog.Logger) {
	log := logger.With("component", "maintenance")

	_, _ = sched.AddFunc("@every 1m", func() {
		if n := sessions.SweepExpiredArtifacts(); n > 0 {
			log.Debug("expired pairing artifacts swept", "count", n)
		}
	})

	_, _ = sched.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		// Yesterday's active conversation count per agent.
		day := store.Day(time.Now().UTC().AddDate(0, 0, -1))
		since := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		agentIDs, err := st.ListAgentIDs(ctx)
		if err != nil {
			log.Error("list agents for rollup", "error", err)
			return
		}
		for _, id := range agentIDs {
			n, err := st.CountActiveConversations(ctx, id, since)
			if err != nil {
				log.Error("count active conversations", "agent", id, "error", err)
				continue
			}
			if err := st.SetActiveConversations(ctx, id, day, n); err != nil {
				log.Error("record active conversations", "agent", id, "error", err)
			}
		}

		retention := time.Duration(cfg.Maintenance.JobRetentionDays) * 24 * time.Hour
		purged, err := st.PurgeFinishedJobs(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Error("purge finished jobs", "error", err)
			return
		}
		log.Info("daily maintenance done", "agents", len(agentIDs), "jobs_purged", purged)
	})
}

// reconnectAgents restarts sessions for agents that were linked when the
// daemon last stopped.
func reconnectAgents(ctx context.Context, st *store.Store, sessions *session.Manager, logger *slog.Logger) {
	agents, err := st.ListAgents(ctx, "")
	if err != nil {
		logger.Error("list agents for reconnect", "error", err)
		return
	}
	for _, a := range agents {
		if a.SessionIdentity == "" || !a.IsActive {
			continue
		}
		switch channels.State(a.ConnectionState) {
		case channels.StateConnected, channels.StateAuthenticated, channels.StateDisconnected:
		default:
			continue
		}
		if _, err := sessions.Connect(ctx, a.ID, a.SessionIdentity); err != nil {
			logger.Error("reconnect agent", "agent", a.ID, "error", err)
			continue
		}
		logger.Info("agent session restored", "agent", a.ID, "identity", a.SessionIdentity)
	}
}

// newLogger builds the slog logger from config plus the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// resolveConfig loads the config from the --config flag or the default
// location, pointing at the setup wizard when nothing exists yet.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config não encontrada em %s, rode `atendezap setup` primeiro", path)
		}
		return nil, err
	}
	return cfg, nil
}
