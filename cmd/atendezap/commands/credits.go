package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newCreditsCmd creates the `atendezap credits` command group.
func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credits",
	}
	cmd.AddCommand(newCreditsBalanceCmd(), newCreditsGrantCmd(), newCreditsHistoryCmd())
	return cmd
}

func newCreditsBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			balance, err := st.CreditBalance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Saldo: %d créditos\n", balance)
			return nil
		},
	}
}

func newCreditsGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Grant credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount deve ser um inteiro positivo, recebi %q", args[1])
			}

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			description, _ := cmd.Flags().GetString("description")
			tx, err := st.GrantCredits(ctx, args[0], amount, description)
			if err != nil {
				return err
			}
			fmt.Printf("Créditos adicionados: %d → saldo %d\n", tx.Amount, tx.BalanceAfter)
			return nil
		},
	}
	cmd.Flags().String("description", "manual grant", "ledger entry description")
	return cmd
}

func newCreditsHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show recent credit transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			limit, _ := cmd.Flags().GetInt("limit")
			txs, err := st.ListCreditTransactions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Println("Nenhuma transação.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUANDO\tTIPO\tVALOR\tSALDO\tDESCRIÇÃO")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					tx.CreatedAt.Local().Format("2006-01-02 15:04"),
					tx.Type, tx.Amount, tx.BalanceAfter, tx.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "max transactions to show")
	return cmd
}
