package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/render"
	"github.com/fakeyudi/afkbridge/internal/session"
)

// targetPrefix matches "S2: do this" and "s2 do this".
var targetPrefix = regexp.MustCompile(`^[Ss](\d+)(?::|\s)\s*(.*)$`)

// HandleUpdate applies one inbound chat update. Updates from any chat other
// than the configured one are ignored.
func (b *Broker) HandleUpdate(ctx context.Context, u chat.Update) {
	if u.ChatID != b.cfg.ChatID {
		b.logger.Debug("ignoring update from foreign chat", "chat", u.ChatID)
		return
	}
	if u.Callback != nil {
		b.onCallback(ctx, u)
		return
	}
	b.onText(ctx, u)
}

func (b *Broker) onCallback(ctx context.Context, u chat.Update) {
	cb := u.Callback
	action, id, _ := strings.Cut(cb.Data, ":")
	answer := b.callback(ctx, u, action, id)
	if err := b.chat.AnswerCallback(ctx, cb.ID, answer); err != nil {
		b.logger.Debug("answer callback", "err", err)
	}
}

// callback resolves a button tap and returns the toast text.
func (b *Broker) callback(ctx context.Context, u chat.Update, action, id string) string {
	if action == "trust" {
		s, ok := b.sessions[id]
		if !ok {
			return "Session has ended"
		}
		b.trust(ctx, s)
		if cb := u.Callback; cb.MessageID != 0 {
			if err := b.chat.Edit(ctx, chat.Ref{ThreadID: u.ThreadID, MessageID: cb.MessageID}, render.Trusted(s.Label())); err != nil {
				b.logger.Debug("edit trust offer", "err", err)
			}
		}
		return "Trusted"
	}

	p, ok := b.pending[id]
	if !ok {
		return "Event expired"
	}
	s, ok := b.sessions[p.SessionID]
	if !ok {
		delete(b.pending, id)
		return "Session has ended"
	}

	switch {
	case p.Kind == PendingPermission && (action == "allow" || action == "deny"),
		p.Kind == PendingBatch && (action == "allowall" || action == "denyall"):
		allow := action == "allow" || action == "allowall"
		reply := mailbox.Reply{Decision: mailbox.Deny}
		outcome := fmt.Sprintf("❌ %s, Denied", s.Label())
		if allow {
			reply.Decision = mailbox.Allow
			outcome = fmt.Sprintf("✅ %s, Approved", s.Label())
		}
		for _, eventID := range p.EventIDs {
			b.respond(s, eventID, reply)
		}
		delete(b.pending, id)
		b.edit(ctx, p, outcome)
		if allow {
			s.Typing = true
			b.recordApproval(ctx, s)
			return "Approved"
		}
		return "Denied"
	case p.Kind == PendingStop && action == "stop":
		b.respond(s, id, mailbox.Reply{})
		s.answered = id
		delete(b.pending, id)
		b.edit(ctx, p, fmt.Sprintf("🛑 %s, Stopped", s.Label()))
		return "Stopped"
	default:
		b.logger.Warn("callback does not match prompt", "action", action, "kind", p.Kind)
		return "Unknown action"
	}
}

// recordApproval counts a manual approval toward the trust threshold.
func (b *Broker) recordApproval(ctx context.Context, s *sessionState) {
	s.Approvals++
	threshold := b.cfg.TrustThreshold
	if threshold <= 0 || s.Trusted || s.Approvals < threshold {
		return
	}
	if b.cfg.TrustMode == config.TrustAuto {
		b.trust(ctx, s)
		return
	}
	if s.TrustOffered {
		return
	}
	s.TrustOffered = true
	b.send(ctx, s, chat.Message{Text: render.TrustOffer(s.Label(), s.Approvals), Buttons: render.TrustButtons(s.ID)})
}

// trust switches a session to auto-approve and settles what is waiting.
func (b *Broker) trust(ctx context.Context, s *sessionState) {
	if s.Trusted {
		return
	}
	s.Trusted = true
	b.logger.Info("session trusted", "slot", s.Label(), "session", s.ID)
	b.send(ctx, s, chat.Message{Text: render.Trusted(s.Label())})
	for key, p := range b.pending {
		if p.SessionID != s.ID || p.Kind == PendingStop {
			continue
		}
		for _, eventID := range p.EventIDs {
			b.respond(s, eventID, mailbox.Reply{Decision: mailbox.Allow})
		}
		delete(b.pending, key)
		b.edit(ctx, p, fmt.Sprintf("🛡 %s, Auto-approved", s.Label()))
	}
}

func (b *Broker) onText(ctx context.Context, u chat.Update) {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}

	var target *sessionState
	if m := targetPrefix.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[2]) != "" {
		slot, _ := strconv.Atoi(m[1])
		target = b.bySlot(slot)
		if target == nil {
			b.reply(ctx, u.ThreadID, fmt.Sprintf("No active session in %s.", session.Label(slot)))
			return
		}
		text = strings.TrimSpace(m[2])
	}
	if target == nil && u.ThreadID != 0 {
		target = b.byThread(u.ThreadID)
	}
	if target == nil {
		switch len(b.sessions) {
		case 0:
			b.reply(ctx, u.ThreadID, "No active AFK sessions.")
			return
		case 1:
			for _, s := range b.sessions {
				target = s
			}
		default:
			b.reply(ctx, u.ThreadID, b.whichSession())
			return
		}
	}

	if strings.HasPrefix(text, "/") && b.command(ctx, target, text) {
		return
	}
	b.deliver(ctx, target, text)
}

func (b *Broker) whichSession() string {
	var sb strings.Builder
	sb.WriteString("Which session? Reply with: S1: your message\n")
	for _, s := range b.ordered() {
		fmt.Fprintf(&sb, "\n<b>%s</b> %s", s.Label(), render.Escape(s.Project))
	}
	return sb.String()
}

func (b *Broker) bySlot(slot int) *sessionState {
	for _, s := range b.sessions {
		if s.Slot == slot {
			return s
		}
	}
	return nil
}

func (b *Broker) byThread(threadID int64) *sessionState {
	for _, s := range b.sessions {
		if s.ThreadID == threadID {
			return s
		}
	}
	return nil
}

// command runs a chat command. It reports false for commands it does not
// know, which are passed to the agent as ordinary text.
func (b *Broker) command(ctx context.Context, s *sessionState, text string) bool {
	name, _, _ := strings.Cut(strings.Fields(text)[0], "@")
	switch strings.ToLower(name) {
	case "/ping":
		b.send(ctx, s, chat.Message{Text: render.Pong(s.Label(), s.LastEvent, len(b.PendingFor(s.ID)), s.Interactions, b.clock.Now())})
	case "/end":
		b.send(ctx, s, chat.Message{Text: render.Deactivated(s.Label(), "ended from chat")})
		if _, ok := b.sessions[s.ID]; ok {
			b.reap(ctx, s, "ended from chat")
		}
	case "/untrust":
		s.resetTrust()
		b.send(ctx, s, chat.Message{Text: render.Untrusted(s.Label())})
	case "/clear", "/compact":
		action := strings.ToLower(name)
		if action == "/clear" {
			s.resetTrust()
		}
		if err := s.mailbox.SetForce(action); err != nil {
			b.logger.Error("write force marker", "session", s.ID, "err", err)
			b.deliver(ctx, s, action)
			break
		}
		// The marker carries the action to the next stop. It is never merged
		// into the queue, which keeps its own instruction for that stop.
		if !b.answerStop(ctx, s, action) {
			b.send(ctx, s, chat.Message{Text: render.Forced(s.Label(), action)})
		}
	default:
		return false
	}
	return true
}

// answerStop resumes the session's waiting stop with text. It reports false
// when no stop is waiting.
func (b *Broker) answerStop(ctx context.Context, s *sessionState, text string) bool {
	for key, p := range b.pending {
		if p.SessionID != s.ID || p.Kind != PendingStop {
			continue
		}
		b.respond(s, p.ID, mailbox.Reply{Instruction: text})
		s.answered = p.ID
		s.Interactions++
		delete(b.pending, key)
		b.edit(ctx, p, fmt.Sprintf("▶️ %s, Continuing", s.Label()))
		s.Typing = true
		b.send(ctx, s, chat.Message{Text: render.Continuing(s.Label(), text)})
		return true
	}
	return false
}

// deliver answers a waiting stop with text, or queues it for the next one.
func (b *Broker) deliver(ctx context.Context, s *sessionState, text string) {
	if b.answerStop(ctx, s, text) {
		return
	}
	merged, err := s.mailbox.QueueInstruction(text, b.clock.Now().UTC())
	if err != nil {
		b.logger.Error("queue instruction", "session", s.ID, "err", err)
		b.send(ctx, s, chat.Message{Text: fmt.Sprintf("⚠️ <b>%s</b> — could not queue the instruction", s.Label())})
		return
	}
	b.send(ctx, s, chat.Message{Text: render.Queued(s.Label(), merged)})
}
