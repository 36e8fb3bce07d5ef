package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/fakeyudi/afkbridge/internal/chat/telegram"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/registry"
	"github.com/fakeyudi/afkbridge/internal/session"
)

// How long deactivate waits for the daemon to close the session's thread.
var (
	handshakeTimeout = 5 * time.Second
	handshakePoll    = 300 * time.Millisecond
)

// errNoSession is returned when no active session matches.
var errNoSession = errors.New("no active AFK session")

var deactivateSession string

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Take the session back from chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closer := openLog(paths.HookLog)
		defer closer.Close()
		reg := openRegistry(logger)

		st := reg.Load()
		sess, err := resolveSession(st, reg.Mailboxes(), deactivateSession)
		if err != nil {
			return err
		}
		m := reg.Mailboxes().Open(sess.ID)

		ev := mailbox.NewEvent(sess.ID, mailbox.Deactivation{Slot: sess.Slot, Reason: "deactivated locally"}, time.Now().UTC())
		processed := false
		if err := m.Append(ev); err != nil {
			logger.Warn("record deactivation", "session", sess.ID, "err", err)
		} else if reg.DaemonRunning(st) {
			processed = awaitProcessed(cmd.Context(), m)
		}
		if !processed && sess.ThreadID != 0 && cfg.Validate() == nil {
			closeThread(cmd.Context(), sess, logger)
		}

		if _, err := reg.Release(sess.ID); err != nil && !errors.Is(err, registry.ErrNotActive) {
			return fmt.Errorf("releasing slot: %w", err)
		}
		if err := reg.Mailboxes().Remove(sess.ID); err != nil {
			logger.Warn("remove mailbox", "session", sess.ID, "err", err)
		}
		logger.Info("deactivated", "session", sess.ID, "slot", sess.Slot, "handshake", processed)

		stopIdleDaemon(reg, logger)
		cmd.Printf("AFK off: %s (%s). Back to the local console.\n", sess.Label(), sess.Project)
		return nil
	},
}

// resolveSession finds the slot for id: a registry session id, then a
// mailbox bound to id as runtime session, then the only active session.
func resolveSession(st registry.State, root *mailbox.Root, id string) (session.Session, error) {
	if id != "" {
		if sess, ok := st.Find(id); ok {
			return sess, nil
		}
		if m, ok := root.FindBound(id); ok {
			if sess, ok := st.Find(m.ID()); ok {
				return sess, nil
			}
		}
	}
	active := st.Sessions()
	switch len(active) {
	case 0:
		return session.Session{}, errNoSession
	case 1:
		return active[0], nil
	default:
		return session.Session{}, fmt.Errorf("%d sessions are active, pass --session", len(active))
	}
}

// awaitProcessed polls for the daemon's deactivation marker. No registry
// lock is held while waiting.
func awaitProcessed(ctx context.Context, m *mailbox.Mailbox) bool {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if m.Processed() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(handshakePoll):
		}
	}
}

// closeThread deletes the session's thread when the daemon did not.
func closeThread(ctx context.Context, sess session.Session, logger *slog.Logger) {
	client := telegram.New(telegram.Options{Token: cfg.BotToken, ChatID: cfg.ChatID, Logger: logger})
	if err := client.DeleteThread(ctx, sess.ThreadID); err != nil {
		logger.Warn("delete thread", "session", sess.ID, "thread", sess.ThreadID, "err", err)
	}
}

// stopIdleDaemon terminates the daemon once no slot is left and clears any
// mailbox directories left behind.
func stopIdleDaemon(reg *registry.Store, logger *slog.Logger) {
	st := reg.Load()
	if len(st.Slots) > 0 {
		return
	}
	if reg.DaemonRunning(st) {
		if err := unix.Kill(st.DaemonPID, unix.SIGTERM); err != nil {
			logger.Warn("stop daemon", "pid", st.DaemonPID, "err", err)
		} else {
			logger.Info("stopped idle daemon", "pid", st.DaemonPID)
		}
	}
	if err := reg.RemoveOrphans(); err != nil {
		logger.Warn("remove orphan mailboxes", "err", err)
	}
}

func init() {
	deactivateCmd.Flags().StringVar(&deactivateSession, "session", "", "session id or runtime session id (default: the only active session)")
	rootCmd.AddCommand(deactivateCmd)
}
