package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

var respondSession string

var respondCmd = &cobra.Command{
	Use:   "respond <text>",
	Short: "Send a message from the agent to the chat",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return fmt.Errorf("nothing to send")
		}

		logger, closer := openLog(paths.HookLog)
		defer closer.Close()
		reg := openRegistry(logger)

		sess, err := resolveSession(reg.Load(), reg.Mailboxes(), respondSession)
		if err != nil {
			return err
		}
		m := reg.Mailboxes().Open(sess.ID)
		ev := mailbox.NewEvent(sess.ID, mailbox.Response{Text: text}, time.Now().UTC())
		if err := m.Append(ev); err != nil {
			return fmt.Errorf("recording response: %w", err)
		}
		logger.Info("wrote event", "session", sess.ID, "type", ev.Kind(), "id", ev.ID)
		cmd.Printf("Sent to %s.\n", sess.Label())
		return nil
	},
}

func init() {
	respondCmd.Flags().StringVar(&respondSession, "session", "", "session id (default: the only active session)")
	rootCmd.AddCommand(respondCmd)
}
