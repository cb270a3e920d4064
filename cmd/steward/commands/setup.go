package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/voxhall/steward/pkg/steward/assistant"
)

// newSetupCmd creates the `steward setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates your initial steward.yaml.
Credentials are stored in the OS keyring when available, never in
plaintext.

Examples:
  steward setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := assistant.DefaultConfig()

	fmt.Println()
	fmt.Println("Steward setup wizard")
	fmt.Println()

	fmt.Printf("1. Assistant name [%s]: ", cfg.Name)
	if name := readLine(reader); name != "" {
		cfg.Name = name
	}

	fmt.Printf("2. Model [%s]: ", cfg.API.Model)
	if model := readLine(reader); model != "" {
		cfg.API.Model = model
	}

	// API key: keyring first, env var as fallback.
	apiKey, err := assistant.ReadPassword("3. Anthropic API key (empty to skip): ")
	if err != nil {
		return err
	}
	if apiKey != "" {
		if assistant.KeyringAvailable() {
			if err := assistant.StoreKeyring("api_key", apiKey); err != nil {
				return fmt.Errorf("storing API key: %w", err)
			}
			fmt.Println("   API key stored in the OS keyring.")
		} else {
			fmt.Println("   No OS keyring available. Set STEWARD_API_KEY in your environment or .env file.")
		}
	}

	fmt.Print("4. Enable Discord? [y/N]: ")
	if answer := strings.ToLower(readLine(reader)); answer == "y" || answer == "yes" {
		cfg.Channels.Discord.Enabled = true

		token, err := assistant.ReadPassword("   Discord bot token (empty to skip): ")
		if err != nil {
			return err
		}
		if token != "" {
			if assistant.KeyringAvailable() {
				if err := assistant.StoreKeyring("discord_token", token); err != nil {
					return fmt.Errorf("storing Discord token: %w", err)
				}
				fmt.Println("   Discord token stored in the OS keyring.")
			} else {
				fmt.Println("   No OS keyring available. Set DISCORD_BOT_TOKEN in your environment or .env file.")
			}
		}
	}

	if err := assistant.SaveConfigToFile(cfg, defaultConfigPath); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s.\n", defaultConfigPath)
	fmt.Println("Start the assistant with: steward serve")
	return nil
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
