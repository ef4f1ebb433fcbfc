// Package commands implementa os comandos CLI do AtendeZap usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atendezap",
		Short: "AtendeZap - atendente virtual para WhatsApp",
		Long: `AtendeZap conecta agentes de IA ao WhatsApp para atendimento
automático de clientes, com cobrança por créditos.

Exemplos:
  atendezap setup
  atendezap serve
  atendezap agents list --user <id>
  atendezap credits balance <user-id>`,
		Version: version,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newUsersCmd(),
		newAgentsCmd(),
		newCreditsCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}
