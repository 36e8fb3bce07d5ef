package broker

import (
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
	"github.com/fakeyudi/afkbridge/internal/session"
)

// PendingKind says what an outstanding prompt is waiting for.
type PendingKind int

const (
	PendingPermission PendingKind = iota + 1
	PendingBatch
	PendingStop
)

func (k PendingKind) String() string {
	switch k {
	case PendingPermission:
		return "permission"
	case PendingBatch:
		return "batch"
	case PendingStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Pending is a prompt shown to the operator that has not been answered.
// Single prompts are keyed by their event id, batches by a fresh batch id.
type Pending struct {
	ID        string
	Kind      PendingKind
	SessionID string
	EventIDs  []string
	Ref       chat.Ref
	Prompt    string
	Created   time.Time
	// Warned is set once the stale warning went out.
	Warned bool
}

// member is one permission request waiting in an open batch.
type member struct {
	EventID string
	Request mailbox.PermissionRequest
}

type batch struct {
	ID        string
	SessionID string
	Opened    time.Time
	Members   []member
}

// sessionState is the daemon's in-memory view of one supervised session.
type sessionState struct {
	session.Session
	mailbox *mailbox.Mailbox
	offset  int64
	// answered is the last stop this daemon wrote an answer for.
	answered string

	Approvals    int
	Trusted      bool
	TrustOffered bool
	Typing       bool
	// Interactions counts stops and the instructions that resumed them.
	Interactions int

	LastEvent      time.Time
	WaitingSince   time.Time
	LastIdleNotice time.Time
}

func (s *sessionState) resetTrust() {
	s.Approvals = 0
	s.Trusted = false
	s.TrustOffered = false
}
