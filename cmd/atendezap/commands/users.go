package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newUsersCmd creates the `atendezap users` command group.
func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage platform users",
	}
	cmd.AddCommand(newUsersCreateCmd())
	return cmd
}

func newUsersCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			credits, _ := cmd.Flags().GetInt64("credits")
			if credits < 0 {
				return fmt.Errorf("credits não pode ser negativo")
			}
			u, err := st.CreateUser(ctx, args[0], credits)
			if err != nil {
				return err
			}
			fmt.Printf("Usuário criado: %s (saldo inicial %d)\n", u.ID, u.CreditsBalance)
			return nil
		},
	}
	cmd.Flags().Int64("credits", 0, "initial credit grant")
	return cmd
}
