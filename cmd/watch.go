package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/tui"
)

var (
	watchInterval time.Duration
	watchTail     int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard of active sessions and their recent events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer := openLog(paths.HookLog)
		defer closer.Close()

		reg := openRegistry(logger)
		return tui.Run(func() tui.Snapshot { return tui.Load(reg, watchTail) }, watchInterval)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval")
	watchCmd.Flags().IntVar(&watchTail, "tail", 20, "events shown per session")
	rootCmd.AddCommand(watchCmd)
}
