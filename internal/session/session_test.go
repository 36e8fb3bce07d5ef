package session_test

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/fakeyudi/afkbridge/internal/session"
)

func TestLabelRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		slot := rapid.IntRange(1, 99).Draw(t, "slot")
		got, ok := session.ParseLabel(session.Label(slot))
		if !ok || got != slot {
			t.Fatalf("ParseLabel(Label(%d)) = %d, %v", slot, got, ok)
		}
	})
}

func TestParseLabelRejects(t *testing.T) {
	for _, in := range []string{"", "S", "S0", "x1", "-3"} {
		if _, ok := session.ParseLabel(in); ok {
			t.Errorf("ParseLabel(%q) accepted", in)
		}
	}
}

func TestTitle(t *testing.T) {
	s := session.Session{Slot: 2, Project: "api"}
	if got := s.Title(); got != "S2 api" {
		t.Errorf("Title() = %q", got)
	}
	s.TopicName = "auth refactor"
	if got := s.Title(); got != "S2 auth refactor" {
		t.Errorf("Title() = %q", got)
	}
	if got := (session.Session{Slot: 1}).Title(); got != "S1" {
		t.Errorf("Title() = %q", got)
	}
}
