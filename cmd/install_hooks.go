package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/hooks"
)

var (
	installSettings  string
	installUninstall bool
	installCommands  bool
	installBinary    string
)

var installHooksCmd = &cobra.Command{
	Use:   "install-hooks",
	Short: "Wire the agent runtime's hooks to afkbridge",
	Long: `Adds PermissionRequest, Stop and Notification hooks running
"afkbridge hook" to the agent's settings.json. Other settings are kept.
With --commands the /afk and /back slash commands are written as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		binary := installBinary
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			binary = exe
		}
		command := binary + " hook"

		path := installSettings
		if path == "" {
			p, err := hooks.SettingsPath()
			if err != nil {
				return err
			}
			path = p
		}

		if installUninstall {
			removed, err := hooks.Uninstall(path, command)
			if err != nil {
				return fmt.Errorf("updating %s: %w", path, err)
			}
			if len(removed) == 0 {
				cmd.Printf("No afkbridge hooks found in %s\n", path)
				return nil
			}
			cmd.Printf("Removed hooks for %s from %s\n", strings.Join(removed, ", "), path)
			return nil
		}

		added, err := hooks.Install(path, command, cfg.PermissionTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("updating %s: %w", path, err)
		}
		if len(added) == 0 {
			cmd.Printf("Hooks already installed in %s\n", path)
		} else {
			cmd.Printf("  ✓ Added hooks for %s to %s\n", strings.Join(added, ", "), path)
		}

		if installCommands {
			dir, err := hooks.Dir()
			if err != nil {
				return err
			}
			written, err := hooks.InstallCommands(dir, binary)
			if err != nil {
				return fmt.Errorf("writing slash commands: %w", err)
			}
			for _, p := range written {
				cmd.Printf("  ✓ Wrote %s\n", p)
			}
		}
		return nil
	},
}

func init() {
	installHooksCmd.Flags().StringVar(&installSettings, "settings", "", "settings file to edit (default: the agent's user settings)")
	installHooksCmd.Flags().BoolVar(&installUninstall, "uninstall", false, "remove the hooks instead")
	installHooksCmd.Flags().BoolVar(&installCommands, "commands", false, "also write the /afk and /back slash commands")
	installHooksCmd.Flags().StringVar(&installBinary, "binary", "", "path of the afkbridge binary the hooks run (default: this executable)")
	rootCmd.AddCommand(installHooksCmd)
}
