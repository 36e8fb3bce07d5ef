package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/adapter"
	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

// hookConfigErr is set when the loaded config had to be patched up.
var hookConfigErr error

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle one agent lifecycle event read from stdin",
	Long: `Invoked by the agent runtime for PermissionRequest, Stop and Notification.
Writes the decision JSON to stdout. It never fails: on any problem the agent
carries on as if no hook were installed.`,
	Args: cobra.NoArgs,
	// A broken config must not block the agent.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		hookConfigErr = nil
		if err := loadConfig(); err != nil {
			cfg = config.Defaults()
			return nil
		}
		if hookConfigErr = cfg.ValidateTimings(); hookConfigErr != nil {
			cfg = cfg.WithTimingDefaults()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer := openLog(paths.HookLog)
		defer closer.Close()
		if hookConfigErr != nil {
			logger.Warn("invalid timing in config, using defaults", "err", hookConfigErr)
		}

		in, err := adapter.ReadInput(cmd.InOrStdin())
		if err != nil {
			logger.Warn("read hook input", "err", err)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := adapter.New(adapter.Options{
			Mailboxes: mailbox.NewRoot(paths.IPC),
			Config:    cfg,
			Logger:    logger,
		})
		res := a.Handle(ctx, in)
		if err := res.Write(cmd.OutOrStdout()); err != nil {
			logger.Warn("write hook output", "err", err)
		}
		if res.Notice != "" {
			cmd.PrintErrln(res.Notice)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
}
