package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/broker"
	"github.com/fakeyudi/afkbridge/internal/chat/telegram"
)

// spawnDaemon starts `afkbridge daemon` in its own session with output
// appended to logPath, and returns its pid.
var spawnDaemon = func(logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	c := exec.Command(exe, "daemon")
	c.Stdout = out
	c.Stderr = out
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return 0, err
	}
	pid := c.Process.Pid
	_ = c.Process.Release()
	return pid, nil
}

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the chat relay in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, closer := openLog(paths.DaemonLog)
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := broker.New(broker.Options{
			Config:   cfg,
			Registry: openRegistry(logger),
			Chat: telegram.New(telegram.Options{
				Token:  cfg.BotToken,
				ChatID: cfg.ChatID,
				Logger: logger,
			}),
			Logger: logger,
			PID:    os.Getpid(),
			Watch:  true,
		})
		if err := b.Run(ctx); err != nil {
			logger.Error("daemon stopped", "err", err)
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
