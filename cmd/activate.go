package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/registry"
)

var (
	activateSession string
	activateProject string
	activateTopic   string
)

var activateCmd = &cobra.Command{
	Use:   "activate [topic]",
	Short: "Hand the current agent session over to chat",
	Long: `Claims a slot for the session, records its activation and makes sure
the daemon is running. Remaining arguments name the chat topic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		if activateProject == "" {
			activateProject = filepath.Base(workDir)
		}
		if activateTopic == "" && len(args) > 0 {
			activateTopic = strings.Join(args, " ")
		}
		if activateSession == "" {
			activateSession = mailbox.NewID()
		}

		logger, closer := openLog(paths.HookLog)
		defer closer.Close()
		reg := openRegistry(logger)

		claim, err := reg.Claim(registry.ClaimRequest{
			SessionID: activateSession,
			Project:   activateProject,
			TopicName: activateTopic,
			WorkDir:   workDir,
			MaxSlots:  cfg.MaxSlots,
		})
		if err != nil {
			return fmt.Errorf("claiming slot: %w", err)
		}

		for _, ev := range claim.Evicted {
			cmd.Printf("Cleared stale %s (%s): %s\n", ev.Session.Label(), ev.Session.Project, ev.Reason)
		}
		if old := claim.Superseded; old != nil {
			cmd.Printf("Replaced earlier session %s for %s\n", old.Label(), old.Project)
		}

		sess := claim.Session
		if claim.AlreadyActive {
			cmd.Printf("Already handed over as %s (%s).\n", sess.Label(), sess.Project)
		} else {
			ev := mailbox.NewEvent(sess.ID, mailbox.Activation{
				Slot:      sess.Slot,
				Project:   sess.Project,
				TopicName: sess.TopicName,
			}, time.Now().UTC())
			if err := claim.Mailbox.Append(ev); err != nil {
				return fmt.Errorf("recording activation: %w", err)
			}
			logger.Info("activated", "session", sess.ID, "slot", sess.Slot, "project", sess.Project)
		}

		if err := ensureDaemon(reg, logger); err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}

		if !claim.AlreadyActive {
			cmd.Printf("AFK on: %s (%s). Permission prompts and stops now go to chat.\n", sess.Label(), sess.Project)
		}
		return nil
	},
}

// ensureDaemon starts the daemon unless the registry names a live one.
func ensureDaemon(reg *registry.Store, logger *slog.Logger) error {
	if reg.DaemonRunning(reg.Load()) {
		return nil
	}
	pid, err := spawnDaemon(paths.DaemonLog)
	if err != nil {
		return err
	}
	logger.Info("spawned daemon", "pid", pid)
	// Recorded right away so a second activation does not spawn another.
	return reg.Heartbeat(pid)
}

func init() {
	activateCmd.Flags().StringVar(&activateSession, "session", "", "session id (default: a new random id)")
	activateCmd.Flags().StringVar(&activateProject, "project", "", "project name (default: current directory name)")
	activateCmd.Flags().StringVar(&activateTopic, "topic", "", "chat topic name")
	rootCmd.AddCommand(activateCmd)
}
