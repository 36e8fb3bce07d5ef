package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/chat/telegram"
	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/setup"
)

// connectBot builds the client the wizard uses to check a token.
var connectBot = func(token string) setup.Bot {
	return telegram.New(telegram.Options{Token: token})
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the Telegram bot and chat (re-run anytime to edit settings)",
	Args:  cobra.NoArgs,
	// Bypass the normal PersistentPreRunE so setup works before a config exists.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup(cmd, true)
	},
}

// runSetup runs the interactive setup wizard and saves the result.
// When hint is set the next steps are printed afterwards.
func runSetup(cmd *cobra.Command, hint bool) error {
	// Load the existing config as defaults if present.
	existing := config.Defaults()
	if global, err := config.LoadGlobal(); err == nil {
		existing = *global
	}

	w := &setup.Wizard{
		In:      cmd.InOrStdin(),
		Out:     cmd.OutOrStdout(),
		Connect: connectBot,
	}
	updated, err := w.Run(cmd.Context(), existing)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := config.Save(updated); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "  ✓ Config saved.")
	if hint {
		fmt.Fprintln(out, "  Next: run 'afkbridge install-hooks --commands' to wire the agent hooks,")
		fmt.Fprintln(out, "  then type /afk in a session when you step away.")
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
