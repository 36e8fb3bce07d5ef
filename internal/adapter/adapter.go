// Package adapter is the agent side of the bridge. It runs once per host
// lifecycle event, records the event in the session's mailbox and, for
// permission checks and stops, blocks until the daemon answers.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fakeyudi/afkbridge/internal/clock"
	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/render"
)

const (
	maxStopMessage = 2000
	timeoutMessage = "approval timed out"
	deniedMessage  = "denied from chat"
)

// Backoff controls how often a blocked call checks for its response.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff starts at 500ms and grows by 1.2x up to 2s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 2 * time.Second, Factor: 1.2}
}

func (b Backoff) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * b.Factor)
	if n > b.Max {
		return b.Max
	}
	return n
}

// Options configures an Adapter.
type Options struct {
	Mailboxes *mailbox.Root
	Config    config.Config
	Clock     clock.Clock
	Logger    *slog.Logger
	Backoff   Backoff
}

// Adapter handles one hook invocation at a time.
type Adapter struct {
	mailboxes *mailbox.Root
	cfg       config.Config
	clock     clock.Clock
	logger    *slog.Logger
	backoff   Backoff
}

// New returns an Adapter.
func New(opts Options) *Adapter {
	a := &Adapter{
		mailboxes: opts.Mailboxes,
		cfg:       opts.Config.WithTimingDefaults(),
		clock:     opts.Clock,
		logger:    opts.Logger,
		backoff:   opts.Backoff,
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.backoff.Initial <= 0 {
		a.backoff = DefaultBackoff()
	}
	return a
}

// Resolve finds the mailbox for a runtime session id: an exact directory
// match, then a recorded binding, then the only unbound mailbox (which is
// bound to id on the way). It reports false when the caller is not a
// supervised session.
func (a *Adapter) Resolve(id, workDir string) (*mailbox.Mailbox, bool) {
	if id == "" {
		return nil, false
	}
	if m := a.mailboxes.Open(id); filepath.Base(id) == id && m.Initialized() {
		return m, true
	}
	if m, ok := a.mailboxes.FindBound(id); ok {
		return m, true
	}
	unbound := a.mailboxes.Unbound(workDir)
	if len(unbound) != 1 {
		a.logger.Debug("not supervised", "session", id, "unbound", len(unbound))
		return nil, false
	}
	m := unbound[0]
	if err := m.Bind(id); err != nil {
		a.logger.Warn("bind mailbox", "session", id, "mailbox", m.ID(), "err", err)
		return nil, false
	}
	a.logger.Info("bound runtime session to mailbox", "session", id, "mailbox", m.ID())
	return m, true
}

// Handle processes one hook event.
func (a *Adapter) Handle(ctx context.Context, in Input) Result {
	m, ok := a.Resolve(in.SessionID, in.Cwd)
	if !ok {
		return Result{}
	}
	if _, killed := m.Killed(); killed {
		return Result{}
	}

	switch in.HookEventName {
	case EventPermissionRequest:
		return a.permission(ctx, m, in)
	case EventStop:
		return a.stop(ctx, m, in)
	case EventNotification:
		a.append(m, mailbox.Notification{
			NotificationType: in.NotificationType,
			Title:            in.Title,
			Message:          in.Message,
		})
		return Result{}
	default:
		return Result{}
	}
}

func (a *Adapter) append(m *mailbox.Mailbox, p mailbox.Payload) (mailbox.Event, error) {
	ev := mailbox.NewEvent(m.ID(), p, a.clock.Now().UTC())
	if err := m.Append(ev); err != nil {
		a.logger.Error("append event", "session", m.ID(), "type", p.Kind(), "err", err)
		return ev, err
	}
	a.logger.Info("wrote event", "session", m.ID(), "type", p.Kind(), "id", ev.ID)
	return ev, nil
}

// autoApproved reports whether the allow-list covers this call. A tool
// without a path is approved on its name alone.
func (a *Adapter) autoApproved(in Input) bool {
	if !slices.Contains(a.cfg.AutoApproveTools, in.ToolName) {
		return false
	}
	if len(a.cfg.AutoApprovePaths) == 0 {
		return true
	}
	path := render.Path(in.ToolInput)
	if path == "" {
		return true
	}
	for _, pattern := range a.cfg.AutoApprovePaths {
		if matchGlob(pattern, path) {
			return true
		}
	}
	return false
}

func (a *Adapter) permission(ctx context.Context, m *mailbox.Mailbox, in Input) Result {
	req := mailbox.PermissionRequest{
		ToolName:    in.ToolName,
		ToolInput:   in.ToolInput,
		Description: render.DescribeTool(in.ToolName, in.ToolInput),
	}
	if a.autoApproved(in) {
		req.AutoApproved = true
		a.append(m, req)
		return allow()
	}

	ev, err := a.append(m, req)
	if err != nil {
		return Result{}
	}
	defer m.DiscardResponse(ev.ID)

	var result Result
	deadline := a.clock.Now().Add(a.cfg.PermissionTimeout())
	done, err := a.wait(ctx, deadline, func() bool {
		if reason, killed := a.killed(m); killed {
			result = Result{Notice: endedNotice(reason)}
			return true
		}
		// A forced action is left for the stop hook that follows.
		if action, ok := m.Force(); ok {
			result = deny("interrupted: " + action + " requested from chat")
			return true
		}
		reply, err := m.TakeResponse(ev.ID)
		if errors.Is(err, mailbox.ErrNoResponse) {
			return false
		}
		if err != nil {
			a.logger.Warn("read response", "session", m.ID(), "id", ev.ID, "err", err)
			return false
		}
		if reply.Decision == mailbox.Allow {
			result = allow()
			return true
		}
		msg := reply.Message
		if msg == "" {
			msg = deniedMessage
		}
		result = deny(msg)
		return true
	})
	if err != nil {
		return Result{}
	}
	if !done {
		a.append(m, mailbox.Notification{
			NotificationType: mailbox.NotifyPermissionTimeout,
			Title:            "Permission timed out",
			Message:          in.ToolName + " was denied after " + a.cfg.PermissionTimeout().String() + " without an answer",
			EventID:          ev.ID,
		})
		return deny(timeoutMessage)
	}
	return result
}

func (a *Adapter) stop(ctx context.Context, m *mailbox.Mailbox, in Input) Result {
	ev, err := a.append(m, mailbox.Stop{
		LastMessage: render.Truncate(in.LastAssistantMessage, maxStopMessage),
		Responding:  in.StopHookActive,
	})
	if err != nil {
		return Result{}
	}
	defer m.DiscardResponse(ev.ID)

	for {
		var result Result
		deadline := a.clock.Now().Add(a.cfg.KeepAlivePoll())
		done, err := a.wait(ctx, deadline, func() bool {
			if reason, killed := a.killed(m); killed {
				result = Result{Notice: endedNotice(reason)}
				return true
			}
			if action, ok := m.Force(); ok {
				m.ClearForce()
				result = resume(a.forced(m, ev.ID, action))
				return true
			}
			reply, err := m.TakeResponse(ev.ID)
			if errors.Is(err, mailbox.ErrNoResponse) {
				return false
			}
			if err != nil {
				a.logger.Warn("read response", "session", m.ID(), "id", ev.ID, "err", err)
				return false
			}
			if reply.Instruction == "" {
				result = Result{}
				return true
			}
			if action, ok := m.Force(); ok && action == reply.Instruction {
				m.ClearForce()
				result = resume(a.forced(m, ev.ID, action))
				return true
			}
			result = resume(reply.Instruction)
			return true
		})
		if err != nil || done {
			return result
		}
		a.append(m, mailbox.KeepAlive{WaitingOn: ev.ID})
	}
}

// forced builds the instruction for a stop resumed by a force marker: the
// action, then any reply written for the stop, then the queued instruction.
// The daemon is told so it can settle the stop's prompt.
func (a *Adapter) forced(m *mailbox.Mailbox, stopID, action string) string {
	parts := []string{action}
	if reply, err := m.TakeResponse(stopID); err == nil && reply.Instruction != "" && reply.Instruction != action {
		parts = append(parts, reply.Instruction)
	}
	queued, ok, err := m.TakeQueued()
	if err != nil {
		a.logger.Warn("read queued instruction", "session", m.ID(), "err", err)
	}
	if ok {
		parts = append(parts, queued)
	}
	instruction := strings.Join(parts, " ")
	a.append(m, mailbox.Notification{
		NotificationType: mailbox.NotifyForcedResume,
		Title:            "Forced resume",
		Message:          instruction,
		EventID:          stopID,
	})
	return instruction
}

func (a *Adapter) killed(m *mailbox.Mailbox) (string, bool) {
	if !m.Exists() {
		return "mailbox removed", true
	}
	return m.Killed()
}

func endedNotice(reason string) string {
	return "AFK session ended from chat (" + reason + "). Returning control to the local console."
}

// wait calls check on a growing interval until it reports true, the
// deadline passes or ctx ends. It returns false when the deadline passed.
func (a *Adapter) wait(ctx context.Context, deadline time.Time, check func() bool) (bool, error) {
	interval := a.backoff.Initial
	for {
		if check() {
			return true, nil
		}
		remaining := deadline.Sub(a.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		sleep := min(interval, remaining)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-a.clock.After(sleep):
		}
		interval = a.backoff.next(interval)
	}
}
