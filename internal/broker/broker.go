// Package broker is the daemon that relays supervised sessions to chat. All
// session, pending and batch state is owned by one goroutine; a second
// goroutine only long-polls the chat platform and hands updates over.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/clock"
	"github.com/fakeyudi/afkbridge/internal/config"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/registry"
	"github.com/fakeyudi/afkbridge/internal/render"
)

const (
	typingInterval    = 4 * time.Second
	defaultExitGrace  = 15 * time.Second
	maxHeartbeatFails = 3
	pollRetryDelay    = 2 * time.Second
)

// Options configures a Broker.
type Options struct {
	Config   config.Config
	Registry *registry.Store
	Chat     chat.Platform
	Clock    clock.Clock
	Logger   *slog.Logger
	PID      int
	// ExitGrace is how long the daemon stays up with no active slots.
	ExitGrace time.Duration
	// Watch enables filesystem notifications for new events.
	Watch bool
}

// Broker is the daemon state machine.
type Broker struct {
	cfg       config.Config
	reg       *registry.Store
	mailboxes *mailbox.Root
	chat      chat.Platform
	clock     clock.Clock
	logger    *slog.Logger
	pid       int
	exitGrace time.Duration
	watch     bool

	sessions map[string]*sessionState
	pending  map[string]*Pending
	batches  map[string]*batch
	// ended holds sessions shut down here that may still linger in the
	// registry until their owner releases them.
	ended map[string]bool

	lastHeartbeat  time.Time
	heartbeatFails int
	lastScan       time.Time
	lastTyping     time.Time
	emptySince     time.Time
}

// New returns a Broker.
func New(opts Options) *Broker {
	b := &Broker{
		cfg:       opts.Config.WithTimingDefaults(),
		reg:       opts.Registry,
		mailboxes: opts.Registry.Mailboxes(),
		chat:      opts.Chat,
		clock:     opts.Clock,
		logger:    opts.Logger,
		pid:       opts.PID,
		exitGrace: opts.ExitGrace,
		watch:     opts.Watch,
		sessions:  map[string]*sessionState{},
		pending:   map[string]*Pending{},
		batches:   map[string]*batch{},
		ended:     map[string]bool{},
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.exitGrace <= 0 {
		b.exitGrace = defaultExitGrace
	}
	return b
}

// Run drives the daemon until ctx ends or no session has been active for the
// exit grace period.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.reg.Heartbeat(b.pid); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	b.lastHeartbeat = b.clock.Now()
	defer func() {
		if err := b.reg.ClearDaemon(b.pid); err != nil {
			b.logger.Warn("clear daemon pid", "err", err)
		}
	}()
	b.logger.Info("daemon started", "pid", b.pid, "chat", b.cfg.ChatID)

	// Anything sent while no daemon was listening is stale.
	if _, err := b.chat.Updates(ctx, 0); err != nil && ctx.Err() == nil {
		b.logger.Warn("flush old updates", "err", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := make(chan []chat.Update)
	go b.poll(pollCtx, updates)

	var changed <-chan string
	if b.watch {
		w, err := newWatcher(b.mailboxes.Dir(), b.logger)
		if err != nil {
			b.logger.Warn("filesystem watch unavailable, scanning on a timer", "err", err)
		} else {
			defer w.Close()
			go w.run(pollCtx)
			changed = w.changed
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("daemon stopping", "reason", ctx.Err())
			return nil
		case got := <-updates:
			for _, u := range got {
				b.HandleUpdate(ctx, u)
			}
		case id := <-changed:
			if st, ok := b.sessions[id]; ok {
				b.drain(ctx, st)
			}
		case <-b.clock.After(b.cfg.ScanInterval()):
		}

		if err := b.Tick(ctx); err != nil {
			return err
		}
		if b.idleLongEnough() {
			b.logger.Info("no active sessions, exiting")
			return nil
		}
	}
}

func (b *Broker) poll(ctx context.Context, out chan<- []chat.Update) {
	for ctx.Err() == nil {
		got, err := b.chat.Updates(ctx, b.cfg.PollTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("poll updates", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-b.clock.After(pollRetryDelay):
			}
			continue
		}
		if len(got) == 0 {
			continue
		}
		select {
		case out <- got:
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs the periodic duties that are due.
func (b *Broker) Tick(ctx context.Context) error {
	now := b.clock.Now()
	if now.Sub(b.lastHeartbeat) >= b.cfg.Heartbeat() {
		if err := b.reg.Heartbeat(b.pid); err != nil {
			b.heartbeatFails++
			b.logger.Error("heartbeat", "err", err, "failures", b.heartbeatFails)
			if b.heartbeatFails >= maxHeartbeatFails {
				return fmt.Errorf("registry unavailable: %w", err)
			}
		} else {
			b.heartbeatFails = 0
			b.lastHeartbeat = now
		}
	}
	if now.Sub(b.lastScan) >= b.cfg.ScanInterval() {
		b.Scan(ctx)
		b.lastScan = now
	}
	b.FlushBatches(ctx)
	b.CheckStale(ctx)
	if now.Sub(b.lastTyping) >= typingInterval {
		b.sendTyping(ctx)
		b.lastTyping = now
	}
	return nil
}

// Scan syncs the session set with the registry and processes new events.
func (b *Broker) Scan(ctx context.Context) {
	st := b.reg.Load()
	live := map[string]bool{}
	for _, sess := range st.Sessions() {
		live[sess.ID] = true
		if b.ended[sess.ID] {
			continue
		}
		cur, ok := b.sessions[sess.ID]
		if !ok {
			m := b.mailboxes.Open(sess.ID)
			// Resume where an earlier daemon stopped so answered events are
			// not handled twice.
			b.sessions[sess.ID] = &sessionState{
				Session:        sess,
				mailbox:        m,
				offset:         m.ReadOffset(),
				LastIdleNotice: b.clock.Now(),
			}
			b.logger.Info("tracking session", "slot", sess.Label(), "session", sess.ID, "project", sess.Project, "offset", b.sessions[sess.ID].offset)
			continue
		}
		if cur.ThreadID == 0 && sess.ThreadID != 0 {
			cur.ThreadID = sess.ThreadID
		}
	}
	for id := range b.ended {
		if !live[id] {
			delete(b.ended, id)
		}
	}
	b.sweep(ctx, live)

	for _, s := range b.ordered() {
		b.drain(ctx, s)
	}
}

// sweep forgets sessions that left the registry without a deactivation
// event, such as evicted or superseded ones.
func (b *Broker) sweep(ctx context.Context, live map[string]bool) {
	for id, s := range b.sessions {
		if live[id] {
			continue
		}
		b.logger.Info("session left the registry", "slot", s.Label(), "session", id)
		if s.ThreadID != 0 {
			if err := b.chat.DeleteThread(ctx, s.ThreadID); err != nil {
				b.logger.Debug("delete thread", "thread", s.ThreadID, "err", err)
			}
		}
		b.forget(id)
	}
}

func (b *Broker) ordered() []*sessionState {
	out := make([]*sessionState, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// drain reads the unread tail of a session's log.
func (b *Broker) drain(ctx context.Context, s *sessionState) {
	res, err := s.mailbox.ReadEvents(s.offset)
	if err != nil {
		b.logger.Warn("read events", "session", s.ID, "err", err)
		return
	}
	for _, bad := range res.Malformed {
		b.logger.Warn("skipping malformed event line", "session", s.ID, "offset", bad.Offset, "err", bad.Err)
	}
	if res.Next == s.offset {
		return
	}
	s.offset = res.Next
	for _, ev := range res.Events {
		if _, ok := b.sessions[s.ID]; !ok {
			// An earlier event in this batch ended the session.
			return
		}
		b.HandleEvent(ctx, s, ev)
	}
	if _, ok := b.sessions[s.ID]; ok && s.mailbox.Exists() {
		if err := s.mailbox.WriteOffset(s.offset); err != nil {
			b.logger.Warn("record log offset", "session", s.ID, "err", err)
		}
	}
}

func (b *Broker) sendTyping(ctx context.Context) {
	for _, s := range b.ordered() {
		if !s.Typing {
			continue
		}
		if err := b.chat.Typing(ctx, s.ThreadID); err != nil {
			b.logger.Debug("typing", "session", s.ID, "err", err)
		}
	}
}

// CheckStale warns once about each prompt left unanswered too long.
func (b *Broker) CheckStale(ctx context.Context) {
	now := b.clock.Now()
	for _, p := range b.pending {
		if p.Warned || now.Sub(p.Created) < b.cfg.StaleAfter() {
			continue
		}
		p.Warned = true
		s, ok := b.sessions[p.SessionID]
		if !ok {
			continue
		}
		b.send(ctx, s, chat.Message{Text: render.Stale(s.Label(), now.Sub(p.Created))})
	}
}

func (b *Broker) idleLongEnough() bool {
	if len(b.sessions) > 0 || len(b.reg.Load().Slots) > 0 {
		b.emptySince = time.Time{}
		return false
	}
	now := b.clock.Now()
	if b.emptySince.IsZero() {
		b.emptySince = now
		return false
	}
	return now.Sub(b.emptySince) >= b.exitGrace
}

// send delivers msg to the session's thread, splitting long text. Only the
// last chunk carries the buttons. A deleted thread reaps the session.
func (b *Broker) send(ctx context.Context, s *sessionState, msg chat.Message) (chat.Ref, error) {
	msg.ThreadID = s.ThreadID
	chunks := render.Split(msg.Text, render.MaxMessageLen)
	var ref chat.Ref
	for i, chunk := range chunks {
		part := chat.Message{ThreadID: msg.ThreadID, Text: chunk}
		if i == len(chunks)-1 {
			part.Buttons = msg.Buttons
		}
		r, err := b.chat.Send(ctx, part)
		if errors.Is(err, chat.ErrThreadNotFound) {
			b.reap(ctx, s, "chat thread was deleted")
			return chat.Ref{}, err
		}
		if err != nil {
			b.logger.Warn("send message", "session", s.ID, "err", err)
			return chat.Ref{}, err
		}
		ref = r
	}
	return ref, nil
}

// reply answers in the thread of an inbound update that has no session.
func (b *Broker) reply(ctx context.Context, threadID int64, text string) {
	if _, err := b.chat.Send(ctx, chat.Message{ThreadID: threadID, Text: text}); err != nil {
		b.logger.Warn("send reply", "thread", threadID, "err", err)
	}
}

func (b *Broker) edit(ctx context.Context, p *Pending, outcome string) {
	if p.Ref.MessageID == 0 {
		return
	}
	if err := b.chat.Edit(ctx, p.Ref, render.Outcome(p.Prompt, outcome)); err != nil {
		b.logger.Debug("edit prompt", "pending", p.ID, "err", err)
	}
}

// reap shuts down a session whose chat side is gone: the adapter is told to
// stop waiting, the slot is released and nothing more is sent.
func (b *Broker) reap(ctx context.Context, s *sessionState, reason string) {
	b.logger.Warn("reaping session", "slot", s.Label(), "session", s.ID, "reason", reason)
	if s.mailbox.Exists() {
		if err := s.mailbox.Kill(reason); err != nil {
			b.logger.Warn("write kill marker", "session", s.ID, "err", err)
		}
	}
	if s.ThreadID != 0 {
		if err := b.chat.DeleteThread(ctx, s.ThreadID); err != nil {
			b.logger.Debug("delete thread", "thread", s.ThreadID, "err", err)
		}
	}
	b.release(s.ID)
}

func (b *Broker) release(id string) {
	if _, err := b.reg.Release(id); err != nil && !errors.Is(err, registry.ErrNotActive) {
		b.logger.Warn("release slot", "session", id, "err", err)
	}
	b.forget(id)
	b.ended[id] = true
}

// forget drops every piece of in-memory state for a session.
func (b *Broker) forget(id string) {
	delete(b.sessions, id)
	delete(b.batches, id)
	for key, p := range b.pending {
		if p.SessionID == id {
			delete(b.pending, key)
		}
	}
}

// PendingFor lists the outstanding prompts of a session.
func (b *Broker) PendingFor(sessionID string) []*Pending {
	var out []*Pending
	for _, p := range b.pending {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
