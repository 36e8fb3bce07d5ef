package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll [session]",
	Short: "Print and consume the instruction queued for a session",
	Long: `For agent runtimes without a blocking stop hook: prints the next queued
instruction, if any, and removes it. Prints nothing when the queue is empty.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer := openLog(paths.HookLog)
		defer closer.Close()
		reg := openRegistry(logger)

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		sess, err := resolveSession(reg.Load(), reg.Mailboxes(), id)
		if errors.Is(err, errNoSession) {
			return nil
		}
		if err != nil {
			return err
		}

		text, ok, err := reg.Mailboxes().Open(sess.ID).TakeQueued()
		if err != nil {
			return fmt.Errorf("reading queue: %w", err)
		}
		if ok {
			fmt.Fprintln(cmd.OutOrStdout(), text)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
