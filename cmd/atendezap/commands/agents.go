package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/store"

	"github.com/spf13/cobra"
)

// newAgentsCmd creates the `atendezap agents` command group.
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage AI agents",
	}
	cmd.AddCommand(newAgentsCreateCmd(), newAgentsListCmd())
	return cmd
}

func newAgentsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new agent",
		Long: `Create an agent for a user.

Examples:
  atendezap agents create --user <id> --name "Clínica Sorriso" \
    --personality "Recepcionista simpática" --hours "Seg-Sex 8h-18h"`,
		RunE: runAgentsCreate,
	}
	cmd.Flags().String("user", "", "owner user id (required)")
	cmd.Flags().String("name", "", "agent display name (required)")
	cmd.Flags().String("personality", "", "persona description for the AI")
	cmd.Flags().String("language", "pt-BR", "reply language")
	cmd.Flags().String("hours", "", "working hours description")
	cmd.Flags().String("services", "", "services description")
	cmd.Flags().Duration("delay", 0, "artificial response delay")
	cmd.Flags().Int("max-context", 20, "history messages sent to the AI")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runAgentsCreate(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, _ := cmd.Flags().GetString("user")
	if _, err := st.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("resolve user %q: %w", userID, err)
	}

	name, _ := cmd.Flags().GetString("name")
	personality, _ := cmd.Flags().GetString("personality")
	language, _ := cmd.Flags().GetString("language")
	hours, _ := cmd.Flags().GetString("hours")
	services, _ := cmd.Flags().GetString("services")
	delay, _ := cmd.Flags().GetDuration("delay")
	maxContext, _ := cmd.Flags().GetInt("max-context")

	agent := &store.Agent{
		UserID:        userID,
		Name:          name,
		Personality:   personality,
		Language:      language,
		WorkingHours:  hours,
		Services:      services,
		ResponseDelay: delay,
		MaxContext:    maxContext,
		IsActive:      true,
	}
	if err := st.CreateAgent(ctx, agent); err != nil {
		return err
	}
	fmt.Printf("Agente criado: %s (%s)\n", agent.Name, agent.ID)
	return nil
}

func newAgentsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE:  runAgentsList,
	}
	cmd.Flags().String("user", "", "filter by owner user id")
	return cmd
}

func runAgentsList(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, _ := cmd.Flags().GetString("user")
	agents, err := st.ListAgents(ctx, userID)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("Nenhum agente encontrado.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNOME\tATIVO\tCONEXÃO\tIDENTIDADE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
			a.ID, a.Name, a.IsActive, a.ConnectionState, a.SessionIdentity)
	}
	return w.Flush()
}

// openStore opens the SQLite store using the daemon config, for CLI
// commands that run without the daemon.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return store.Open(cfg.Database, logger)
}
