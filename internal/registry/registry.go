// Package registry owns state.json, the single shared record of which
// session occupies which slot and whether the daemon is alive. Every
// read-modify-write runs under an exclusive flock on .state.lock.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/fakeyudi/afkbridge/internal/clock"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/session"
)

var (
	// ErrNoFreeSlot is returned by Claim when every slot is occupied.
	ErrNoFreeSlot = errors.New("all slots are occupied")
	// ErrNotActive is returned when a session id has no slot.
	ErrNotActive = errors.New("session is not active")
)

// State is the content of state.json.
type State struct {
	Slots           map[int]session.Session `json:"slots"`
	DaemonPID       int                     `json:"daemon_pid,omitempty"`
	DaemonHeartbeat time.Time               `json:"daemon_heartbeat"`
}

// Sessions returns the occupied slots ordered by slot number.
func (st State) Sessions() []session.Session {
	out := make([]session.Session, 0, len(st.Slots))
	for slot, s := range st.Slots {
		s.Slot = slot
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Find returns the session with id.
func (st State) Find(id string) (session.Session, bool) {
	for slot, s := range st.Slots {
		if s.ID == id {
			s.Slot = slot
			return s, true
		}
	}
	return session.Session{}, false
}

// BySlot returns the session in slot.
func (st State) BySlot(slot int) (session.Session, bool) {
	s, ok := st.Slots[slot]
	s.Slot = slot
	return s, ok
}

// Eviction records a slot removed by self-healing.
type Eviction struct {
	Session session.Session
	Reason  string
}

// Options configures a Store.
type Options struct {
	StatePath string
	LockPath  string
	Mailboxes *mailbox.Root
	Clock     clock.Clock
	Logger    *slog.Logger
	// HeartbeatStale is how old a dead daemon's heartbeat must be before its
	// sessions are considered abandoned.
	HeartbeatStale time.Duration
	// Alive overrides the process liveness check.
	Alive func(pid int) bool
}

// Store reads and mutates the registry.
type Store struct {
	statePath      string
	lockPath       string
	mailboxes      *mailbox.Root
	clock          clock.Clock
	logger         *slog.Logger
	heartbeatStale time.Duration
	alive          func(pid int) bool
}

// New returns a Store. Missing options fall back to real implementations.
func New(opts Options) *Store {
	s := &Store{
		statePath:      opts.StatePath,
		lockPath:       opts.LockPath,
		mailboxes:      opts.Mailboxes,
		clock:          opts.Clock,
		logger:         opts.Logger,
		heartbeatStale: opts.HeartbeatStale,
		alive:          opts.Alive,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.heartbeatStale <= 0 {
		s.heartbeatStale = 60 * time.Second
	}
	if s.alive == nil {
		s.alive = ProcessAlive
	}
	return s
}

// Mailboxes returns the mailbox root the registry heals against.
func (s *Store) Mailboxes() *mailbox.Root { return s.mailboxes }

// Load reads state.json without locking. A missing or unreadable file is
// treated as empty state.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("registry unreadable, treating as empty", "path", s.statePath, "err", err)
		}
		return emptyState()
	}
	var st State
	if err := json.Unmarshal(jsonc.ToJSON(data), &st); err != nil {
		s.logger.Warn("registry corrupt, treating as empty", "path", s.statePath, "err", err)
		return emptyState()
	}
	if st.Slots == nil {
		st.Slots = map[int]session.Session{}
	}
	return st
}

func emptyState() State {
	return State{Slots: map[int]session.Session{}}
}

func (s *Store) save(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return mailbox.WriteFileAtomic(s.statePath, data, 0o600)
}

// Update runs fn on the current state while holding the registry lock and
// writes the result back. If fn returns an error nothing is written.
func (s *Store) Update(fn func(st *State) error) error {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	release, err := acquire(s.lockPath)
	if err != nil {
		return err
	}
	defer release()

	st := s.Load()
	if err := fn(&st); err != nil {
		return err
	}
	return s.save(st)
}

// DaemonRunning reports whether the daemon recorded in st is alive.
func (s *Store) DaemonRunning(st State) bool {
	return s.alive(st.DaemonPID)
}

func (s *Store) daemonAbandoned(st State) bool {
	if s.alive(st.DaemonPID) {
		return false
	}
	return s.clock.Now().Sub(st.DaemonHeartbeat) > s.heartbeatStale
}

// heal evicts every slot that is no longer backed by a live mailbox or a
// live daemon. Evicted mailboxes get a kill marker so blocked adapters exit.
func (s *Store) heal(st *State) []Eviction {
	abandoned := s.daemonAbandoned(*st)
	var evicted []Eviction
	for _, sess := range st.Sessions() {
		m := s.mailboxes.Open(sess.ID)
		var reason string
		switch {
		case !m.Exists():
			reason = "mailbox missing"
		case !m.Initialized():
			reason = "mailbox not initialized"
		default:
			if why, killed := m.Killed(); killed {
				reason = "killed: " + why
			} else if abandoned {
				reason = "daemon not running"
			}
		}
		if reason == "" {
			continue
		}
		delete(st.Slots, sess.Slot)
		if m.Exists() {
			_ = m.Kill(reason)
		}
		s.logger.Info("evicted stale slot", "slot", sess.Slot, "session", sess.ID, "reason", reason)
		evicted = append(evicted, Eviction{Session: sess, Reason: reason})
	}
	return evicted
}

// removeOrphans deletes mailbox directories with no registry slot.
func (s *Store) removeOrphans(st State) []string {
	ids, err := s.mailboxes.List()
	if err != nil {
		s.logger.Warn("list mailboxes", "err", err)
		return nil
	}
	var removed []string
	for _, id := range ids {
		if _, ok := st.Find(id); ok {
			continue
		}
		if err := s.mailboxes.Remove(id); err != nil {
			s.logger.Warn("remove orphan mailbox", "session", id, "err", err)
			continue
		}
		removed = append(removed, id)
	}
	return removed
}

// Heal runs self-healing on its own, under the lock.
func (s *Store) Heal() ([]Eviction, error) {
	var evicted []Eviction
	err := s.Update(func(st *State) error {
		evicted = s.heal(st)
		s.removeOrphans(*st)
		return nil
	})
	return evicted, err
}

// RemoveOrphans deletes mailbox directories that no slot refers to.
func (s *Store) RemoveOrphans() error {
	return s.Update(func(st *State) error {
		s.removeOrphans(*st)
		return nil
	})
}

// ClaimRequest describes a session asking for a slot.
type ClaimRequest struct {
	SessionID string
	Project   string
	TopicName string
	WorkDir   string
	MaxSlots  int
}

// Claim is the outcome of a successful slot claim.
type Claim struct {
	Session       session.Session
	Mailbox       *mailbox.Mailbox
	AlreadyActive bool
	Evicted       []Eviction
	// Superseded holds an older session for the same project and topic
	// that was shut down to make room for this one.
	Superseded *session.Session
}

// Claim heals the registry, then assigns the lowest free slot to req.
func (s *Store) Claim(req ClaimRequest) (Claim, error) {
	if req.SessionID == "" {
		return Claim{}, errors.New("session id is required")
	}
	if req.MaxSlots < 1 {
		req.MaxSlots = 1
	}

	var out Claim
	err := s.Update(func(st *State) error {
		out = Claim{Evicted: s.heal(st)}

		if existing, ok := st.Find(req.SessionID); ok {
			out.Session = existing
			out.Mailbox = s.mailboxes.Open(existing.ID)
			out.AlreadyActive = true
			return nil
		}

		if req.Project != "" {
			for _, other := range st.Sessions() {
				if other.Project != req.Project || other.TopicName != req.TopicName {
					continue
				}
				delete(st.Slots, other.Slot)
				if m := s.mailboxes.Open(other.ID); m.Exists() {
					_ = m.Kill("superseded by " + req.SessionID)
				}
				s.logger.Info("superseded duplicate activation", "slot", other.Slot, "session", other.ID, "by", req.SessionID)
				superseded := other
				out.Superseded = &superseded
				break
			}
		}

		slot := 0
		for n := 1; n <= req.MaxSlots; n++ {
			if _, taken := st.Slots[n]; !taken {
				slot = n
				break
			}
		}
		if slot == 0 {
			return fmt.Errorf("%w (%s)", ErrNoFreeSlot, describe(*st))
		}

		now := s.clock.Now().UTC()
		sess := session.Session{
			ID:        req.SessionID,
			Slot:      slot,
			Project:   req.Project,
			TopicName: req.TopicName,
			Started:   now,
		}
		st.Slots[slot] = sess

		m, err := s.mailboxes.Create(mailbox.Meta{
			SessionID: sess.ID,
			Slot:      slot,
			Project:   sess.Project,
			TopicName: sess.TopicName,
			WorkDir:   req.WorkDir,
			Activated: now,
		})
		if err != nil {
			return err
		}
		out.Session = sess
		out.Mailbox = m
		return nil
	})
	if err != nil {
		return Claim{}, err
	}

	// A failed orphan sweep never fails activation.
	if err := s.RemoveOrphans(); err != nil {
		s.logger.Warn("remove orphan mailboxes", "err", err)
	}
	return out, nil
}

func describe(st State) string {
	var parts []string
	for _, sess := range st.Sessions() {
		parts = append(parts, sess.Label()+"="+sess.Project)
	}
	return strings.Join(parts, ", ")
}

// Release removes the slot held by sessionID.
func (s *Store) Release(sessionID string) (session.Session, error) {
	var released session.Session
	err := s.Update(func(st *State) error {
		sess, ok := st.Find(sessionID)
		if !ok {
			return ErrNotActive
		}
		delete(st.Slots, sess.Slot)
		released = sess
		return nil
	})
	return released, err
}

// SetThread records the chat thread opened for sessionID.
func (s *Store) SetThread(sessionID string, threadID int64) error {
	return s.Update(func(st *State) error {
		sess, ok := st.Find(sessionID)
		if !ok {
			return ErrNotActive
		}
		sess.ThreadID = threadID
		st.Slots[sess.Slot] = sess
		return nil
	})
}

// Heartbeat records pid as the live daemon.
func (s *Store) Heartbeat(pid int) error {
	return s.Update(func(st *State) error {
		st.DaemonPID = pid
		st.DaemonHeartbeat = s.clock.Now().UTC()
		return nil
	})
}

// ClearDaemon forgets the daemon if pid is still the one recorded.
func (s *Store) ClearDaemon(pid int) error {
	return s.Update(func(st *State) error {
		if st.DaemonPID == pid {
			st.DaemonPID = 0
		}
		return nil
	})
}
