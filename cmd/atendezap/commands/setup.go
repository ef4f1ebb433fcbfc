package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/atendezap/atendezap/pkg/atendezap/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newSetupCmd creates the `atendezap setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the API address, LLM provider and credentials. The API key is
stored in the OS keyring when one is available, never in plaintext.

Examples:
  atendezap setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║          AtendeZap — Setup Wizard            ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	// ── Step 1: API address ──
	fmt.Printf("1. HTTP API address [%s]: ", cfg.Server.Address)
	if addr := readLine(reader); addr != "" {
		cfg.Server.Address = addr
	}

	// ── Step 2: API auth token ──
	fmt.Println()
	fmt.Println("   A token protects the HTTP API. Leave empty only for")
	fmt.Println("   loopback-only deployments.")
	fmt.Println()
	fmt.Print("2. API auth token (empty to disable): ")
	cfg.Server.AuthToken = readLine(reader)

	// ── Step 3: Database path ──
	fmt.Println()
	fmt.Printf("3. Database path [%s]: ", cfg.Database.Path)
	if path := readLine(reader); path != "" {
		cfg.Database.Path = path
	}

	// ── Step 4: LLM provider ──
	fmt.Println()
	fmt.Println("   LLM endpoint (OpenAI-compatible):")
	fmt.Println()
	fmt.Printf("4. API base URL [%s]: ", cfg.LLM.BaseURL)
	if url := readLine(reader); url != "" {
		cfg.LLM.BaseURL = url
	}
	fmt.Printf("   Model [%s]: ", cfg.LLM.Model)
	if model := readLine(reader); model != "" {
		cfg.LLM.Model = model
	}

	// ── Step 5: API key ──
	fmt.Println()
	fmt.Print("5. LLM API key (hidden, empty to skip): ")
	key, err := readSecret()
	if err != nil {
		return fmt.Errorf("read api key: %w", err)
	}
	if key != "" {
		if config.KeyringAvailable() {
			if err := config.StoreAPIKey(key); err != nil {
				fmt.Printf("   [!] Keyring store failed (%v), keeping the key in config.yaml.\n", err)
				cfg.LLM.APIKey = key
			} else {
				fmt.Println("   [ok] API key stored in the OS keyring.")
			}
		} else {
			fmt.Println("   [!] No OS keyring available, keeping the key in config.yaml.")
			fmt.Println("       Consider setting ATENDEZAP_API_KEY instead.")
			cfg.LLM.APIKey = key
		}
	}

	// ── Step 6: Fallback reply ──
	fmt.Println()
	fmt.Println("   Sent to customers when the AI provider is unavailable.")
	fmt.Printf("6. Fallback reply [%s]: ", cfg.Responder.FallbackText)
	if text := readLine(reader); text != "" {
		cfg.Responder.FallbackText = text
	}

	// ── Save ──
	path := config.DefaultPath()
	if flagPath, _ := cmd.Root().PersistentFlags().GetString("config"); flagPath != "" {
		path = flagPath
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Config salva em %s\n", path)
	fmt.Println("Próximos passos:")
	fmt.Println("  atendezap serve")
	fmt.Println("  curl -X POST localhost" + portSuffix(cfg.Server.Address) + "/api/users ...")
	fmt.Println()
	return nil
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// readSecret reads a line without echoing when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		return strings.TrimSpace(line), nil
	}
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func portSuffix(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}
