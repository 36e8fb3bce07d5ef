package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon and the sessions currently relayed to chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer := openLog(paths.HookLog)
		defer closer.Close()

		snap := tui.Load(openRegistry(logger), 0)
		fmt.Fprint(cmd.OutOrStdout(), tui.Status(snap, cfg.Validate() == nil))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
