package broker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/render"
)

// HandleEvent applies one event from a session's log.
func (b *Broker) HandleEvent(ctx context.Context, s *sessionState, ev mailbox.Event) {
	now := b.clock.Now()
	s.LastEvent = now
	b.logger.Debug("event", "slot", s.Label(), "type", ev.Kind(), "id", ev.ID)

	switch p := ev.Payload.(type) {
	case mailbox.Activation:
		b.onActivation(ctx, s, p)
	case mailbox.Deactivation:
		b.onDeactivation(ctx, s, p)
	case mailbox.PermissionRequest:
		b.onPermission(ctx, s, ev, p)
	case mailbox.Stop:
		b.onStop(ctx, s, ev, p)
	case mailbox.Notification:
		b.onNotification(ctx, s, p)
	case mailbox.Response:
		s.Typing = false
		b.send(ctx, s, chat.Message{Text: render.AgentReply(s.Label(), p.Text)})
	case mailbox.KeepAlive:
		b.onKeepAlive(ctx, s, p, now)
	default:
		b.logger.Warn("unhandled event type", "type", ev.Kind(), "id", ev.ID)
	}
}

func (b *Broker) onActivation(ctx context.Context, s *sessionState, a mailbox.Activation) {
	s.LastIdleNotice = b.clock.Now()
	if b.cfg.UseTopics && s.ThreadID == 0 {
		threadID, err := b.chat.CreateThread(ctx, s.Title())
		if err != nil {
			b.logger.Warn("create thread, using the main chat", "session", s.ID, "err", err)
		} else {
			s.ThreadID = threadID
			if err := b.reg.SetThread(s.ID, threadID); err != nil {
				b.logger.Warn("record thread", "session", s.ID, "err", err)
			}
		}
	}
	project := a.Project
	if project == "" {
		project = s.Project
	}
	b.send(ctx, s, chat.Message{Text: render.Activated(s.Label(), project)})
}

func (b *Broker) onDeactivation(ctx context.Context, s *sessionState, d mailbox.Deactivation) {
	b.send(ctx, s, chat.Message{Text: render.Deactivated(s.Label(), d.Reason)})
	if _, ok := b.sessions[s.ID]; !ok {
		// The farewell found the thread gone and the session was reaped.
		return
	}
	if s.ThreadID != 0 {
		if err := b.chat.DeleteThread(ctx, s.ThreadID); err != nil {
			b.logger.Debug("delete thread", "thread", s.ThreadID, "err", err)
		}
	}
	if err := s.mailbox.MarkProcessed(); err != nil {
		b.logger.Warn("mark deactivation processed", "session", s.ID, "err", err)
	}
	b.release(s.ID)
	b.logger.Info("session deactivated", "slot", s.Label(), "session", s.ID)
}

// eventTime is when an event was written, bounded by now.
func (b *Broker) eventTime(ev mailbox.Event) time.Time {
	now := b.clock.Now()
	if ev.Timestamp.IsZero() || ev.Timestamp.After(now) {
		return now
	}
	return ev.Timestamp
}

func (b *Broker) onPermission(ctx context.Context, s *sessionState, ev mailbox.Event, req mailbox.PermissionRequest) {
	if req.AutoApproved {
		b.logger.Info("allow-listed tool call", "slot", s.Label(), "tool", req.ToolName)
		return
	}
	s.Typing = false
	if s.Trusted {
		b.respond(s, ev.ID, mailbox.Reply{Decision: mailbox.Allow})
		b.send(ctx, s, chat.Message{Text: render.AutoApproved(s.Label(), req)})
		return
	}

	at := b.eventTime(ev)
	open := b.batches[s.ID]
	if open != nil && at.Sub(open.Opened) >= b.cfg.BatchWindow() {
		b.flush(ctx, open)
		open = nil
	}
	if _, ok := b.sessions[s.ID]; !ok {
		return
	}
	if open == nil {
		open = &batch{ID: mailbox.NewID(), SessionID: s.ID, Opened: at}
		b.batches[s.ID] = open
	}
	open.Members = append(open.Members, member{EventID: ev.ID, Request: req})
}

// FlushBatches shows every batch whose window has closed.
func (b *Broker) FlushBatches(ctx context.Context) {
	now := b.clock.Now()
	for _, open := range b.batches {
		if now.Sub(open.Opened) >= b.cfg.BatchWindow() {
			b.flush(ctx, open)
		}
	}
}

func (b *Broker) flush(ctx context.Context, open *batch) {
	delete(b.batches, open.SessionID)
	s, ok := b.sessions[open.SessionID]
	if !ok || len(open.Members) == 0 {
		return
	}
	if s.Trusted {
		for _, m := range open.Members {
			b.respond(s, m.EventID, mailbox.Reply{Decision: mailbox.Allow})
			b.send(ctx, s, chat.Message{Text: render.AutoApproved(s.Label(), m.Request)})
		}
		return
	}

	p := &Pending{SessionID: s.ID, Created: b.clock.Now()}
	var buttons [][]chat.Button
	if len(open.Members) == 1 {
		m := open.Members[0]
		p.ID = m.EventID
		p.Kind = PendingPermission
		p.EventIDs = []string{m.EventID}
		p.Prompt = render.Permission(s.Label(), m.Request)
		buttons = render.PermissionButtons(m.EventID)
	} else {
		reqs := make([]mailbox.PermissionRequest, 0, len(open.Members))
		for _, m := range open.Members {
			p.EventIDs = append(p.EventIDs, m.EventID)
			reqs = append(reqs, m.Request)
		}
		p.ID = open.ID
		p.Kind = PendingBatch
		p.Prompt = render.PermissionBatch(s.Label(), reqs)
		buttons = render.BatchButtons(open.ID)
	}
	ref, err := b.send(ctx, s, chat.Message{Text: p.Prompt, Buttons: buttons})
	if _, ok := b.sessions[s.ID]; !ok {
		return
	}
	if err != nil {
		b.logger.Warn("permission prompt not shown", "session", s.ID, "pending", p.ID)
	}
	p.Ref = ref
	b.pending[p.ID] = p
}

func (b *Broker) onStop(ctx context.Context, s *sessionState, ev mailbox.Event, stop mailbox.Stop) {
	s.Typing = false
	s.WaitingSince = b.eventTime(ev)
	s.LastIdleNotice = b.clock.Now()
	s.Interactions++

	// Only the newest stop of a session can still be answered.
	for key, p := range b.pending {
		if p.SessionID == s.ID && p.Kind == PendingStop {
			delete(b.pending, key)
		}
	}

	forwarded := false
	if stop.Responding && stop.LastMessage != "" {
		if _, err := b.send(ctx, s, chat.Message{Text: render.AgentReply(s.Label(), stop.LastMessage)}); err == nil {
			forwarded = true
		}
		if _, ok := b.sessions[s.ID]; !ok {
			return
		}
	}

	if b.autoContinue(ctx, s, ev.ID) {
		return
	}
	b.promptStop(ctx, s, ev.ID, render.Stop(s.Label(), stop, forwarded))
}

// autoContinue answers a stop with the queued instruction, if there is one.
func (b *Broker) autoContinue(ctx context.Context, s *sessionState, eventID string) bool {
	queued, ok, err := s.mailbox.TakeQueued()
	if err != nil {
		b.logger.Warn("read queued instruction", "session", s.ID, "err", err)
	}
	if !ok {
		return false
	}
	b.respond(s, eventID, mailbox.Reply{Instruction: queued})
	s.answered = eventID
	s.Interactions++
	s.Typing = true
	b.send(ctx, s, chat.Message{Text: render.AutoContinue(s.Label(), queued)})
	return true
}

// promptStop asks the operator for the next instruction. The stop stays
// answerable even when the prompt could not be sent; text sent to the
// session reaches it all the same.
func (b *Broker) promptStop(ctx context.Context, s *sessionState, eventID, prompt string) {
	ref, err := b.send(ctx, s, chat.Message{Text: prompt, Buttons: render.StopButtons(eventID)})
	if _, ok := b.sessions[s.ID]; !ok {
		return
	}
	if err != nil {
		b.logger.Warn("stop prompt not shown, still waiting for an instruction", "session", s.ID, "event", eventID)
	}
	b.pending[eventID] = &Pending{
		ID:        eventID,
		Kind:      PendingStop,
		SessionID: s.ID,
		EventIDs:  []string{eventID},
		Ref:       ref,
		Prompt:    prompt,
		Created:   b.clock.Now(),
	}
}

func (b *Broker) onNotification(ctx context.Context, s *sessionState, n mailbox.Notification) {
	if n.NotificationType == mailbox.NotifyForcedResume {
		b.onForcedResume(ctx, s, n)
		return
	}
	if n.EventID != "" && b.expire(ctx, s, n.EventID) {
		return
	}
	b.send(ctx, s, chat.Message{Text: render.Notification(s.Label(), n)})
}

// onForcedResume settles a stop the adapter resumed from the force marker
// before anyone here answered it.
func (b *Broker) onForcedResume(ctx context.Context, s *sessionState, n mailbox.Notification) {
	s.answered = n.EventID
	p, ok := b.pending[n.EventID]
	if !ok || p.SessionID != s.ID {
		return
	}
	delete(b.pending, n.EventID)
	s.Interactions++
	s.Typing = true
	b.edit(ctx, p, fmt.Sprintf("▶️ %s, Continuing", s.Label()))
	b.send(ctx, s, chat.Message{Text: render.Continuing(s.Label(), n.Message)})
}

// expire drops an event the adapter gave up waiting on. It reports whether
// the event was still outstanding here.
func (b *Broker) expire(ctx context.Context, s *sessionState, eventID string) bool {
	if open := b.batches[s.ID]; open != nil {
		for i, m := range open.Members {
			if m.EventID == eventID {
				open.Members = slices.Delete(open.Members, i, i+1)
				if len(open.Members) == 0 {
					delete(b.batches, s.ID)
				}
				return true
			}
		}
	}
	for key, p := range b.pending {
		i := slices.Index(p.EventIDs, eventID)
		if p.SessionID != s.ID || i < 0 {
			continue
		}
		p.EventIDs = slices.Delete(p.EventIDs, i, i+1)
		if len(p.EventIDs) == 0 {
			delete(b.pending, key)
			b.edit(ctx, p, "⌛ Timed out, denied")
		}
		return true
	}
	return false
}

func (b *Broker) onKeepAlive(ctx context.Context, s *sessionState, ka mailbox.KeepAlive, now time.Time) {
	if b.orphaned(s, ka.WaitingOn) {
		// The adapter waits on a stop nobody here is answering, for example
		// one prompted by an earlier daemon.
		b.logger.Info("adopting unanswered stop", "slot", s.Label(), "event", ka.WaitingOn)
		if s.WaitingSince.IsZero() {
			s.WaitingSince = now
		}
		if !b.autoContinue(ctx, s, ka.WaitingOn) {
			b.promptStop(ctx, s, ka.WaitingOn, render.Stop(s.Label(), mailbox.Stop{}, false))
		}
		return
	}
	if now.Sub(s.LastIdleNotice) < b.cfg.IdleNotice() {
		return
	}
	s.LastIdleNotice = now
	waiting := now.Sub(s.WaitingSince)
	if s.WaitingSince.IsZero() {
		waiting = 0
	}
	b.send(ctx, s, chat.Message{Text: render.Idle(s.Label(), waiting)})
}

// orphaned reports whether a stop has neither a prompt nor an answer here.
func (b *Broker) orphaned(s *sessionState, eventID string) bool {
	if eventID == "" || eventID == s.answered {
		return false
	}
	if _, ok := b.pending[eventID]; ok {
		return false
	}
	return !s.mailbox.HasResponse(eventID)
}

func (b *Broker) respond(s *sessionState, eventID string, r mailbox.Reply) {
	r.CreatedAt = b.clock.Now().UTC()
	if !s.mailbox.Exists() {
		b.logger.Warn("mailbox gone, dropping response", "session", s.ID, "event", eventID)
		return
	}
	if err := s.mailbox.WriteResponse(eventID, r); err != nil {
		b.logger.Error("write response", "session", s.ID, "event", eventID, "err", err)
	}
}
