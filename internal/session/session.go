package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is one supervised agent conversation as recorded in the registry.
type Session struct {
	ID        string `json:"session_id"`
	Slot      int    `json:"-"` // the registry map key
	Project   string `json:"project"`
	TopicName string `json:"topic_name,omitempty"`
	// ThreadID is the chat sub-conversation for this session, 0 when none.
	ThreadID int64     `json:"thread_id,omitempty"`
	Started  time.Time `json:"started"`
}

// Label returns the operator-facing name of the session's slot.
func (s Session) Label() string {
	return Label(s.Slot)
}

// Title is used as the chat thread name.
func (s Session) Title() string {
	name := s.TopicName
	if name == "" {
		name = s.Project
	}
	if name == "" {
		return s.Label()
	}
	return fmt.Sprintf("%s %s", s.Label(), name)
}

// Label formats a slot number as "S<n>".
func Label(slot int) string {
	return "S" + strconv.Itoa(slot)
}

// ParseLabel accepts "S2", "s2" or "2".
func ParseLabel(s string) (int, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "S"), "s")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
