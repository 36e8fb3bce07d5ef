package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/logging"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/registry"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// paths holds the data locations, populated in PersistentPreRunE.
var paths config.Paths

// Commands that run unattended or before a config exists never start the
// first-run wizard.
var noWizard = map[string]bool{
	"setup":         true,
	"hook":          true,
	"daemon":        true,
	"poll":          true,
	"install-hooks": true,
}

var rootCmd = &cobra.Command{
	Use:           "afkbridge",
	Short:         "Relay coding agent sessions to a Telegram chat while you are away",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// First-run: config missing → run setup wizard automatically.
		// Only do this when stdin is an interactive terminal.
		if !noWizard[cmd.Name()] && !config.Exists() && term.IsTerminal(os.Stdin.Fd()) {
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "  Welcome to afkbridge! Looks like this is your first time.")
			if err := runSetup(cmd, false); err != nil {
				return err
			}
		}
		return loadConfig()
	},
}

// loadConfig resolves the data paths and merges the global and project
// config files into cfg.
func loadConfig() error {
	p, err := config.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolving data dir: %w", err)
	}
	paths = p

	global, err := config.LoadGlobal()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}
	project, err := config.LoadProject()
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}
	cfg = config.Merge(global, project)
	return nil
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openLog returns a logger appending to path. A log file that cannot be
// opened never fails a command; its output is dropped instead.
func openLog(path string) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.OpenFile(path, cfg.LogLevel)
	if err != nil {
		return logging.Discard(), io.NopCloser(nil)
	}
	return logger, closer
}

func openRegistry(logger *slog.Logger) *registry.Store {
	return registry.New(registry.Options{
		StatePath:      paths.State,
		LockPath:       paths.Lock,
		Mailboxes:      mailbox.NewRoot(paths.IPC),
		Logger:         logger,
		HeartbeatStale: cfg.HeartbeatStale(),
	})
}
