package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMailbox(t testing.TB, dir, id string) *Mailbox {
	t.Helper()
	m, err := NewRoot(dir).Create(Meta{SessionID: id, Slot: 1, Project: "demo", Activated: testNow})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestResponseTakenOnce(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		m := newMailbox(t, dir, "sess-"+rapid.StringMatching(`[a-z0-9]{6}`).Draw(rt, "sid"))
		eventID := rapid.StringMatching(`[a-f0-9]{8}`).Draw(rt, "eid")
		want := Reply{
			Decision:    rapid.SampledFrom([]string{Allow, Deny, ""}).Draw(rt, "decision"),
			Instruction: rapid.String().Draw(rt, "instruction"),
			CreatedAt:   testNow,
		}

		if err := m.WriteResponse(eventID, want); err != nil {
			rt.Fatalf("WriteResponse: %v", err)
		}
		got, err := m.TakeResponse(eventID)
		if err != nil {
			rt.Fatalf("TakeResponse: %v", err)
		}
		if got.Decision != want.Decision || got.Instruction != want.Instruction {
			rt.Fatalf("got %+v, want %+v", got, want)
		}
		if _, err := m.TakeResponse(eventID); !errors.Is(err, ErrNoResponse) {
			rt.Fatalf("second take: got %v, want ErrNoResponse", err)
		}
		if m.HasResponse(eventID) {
			rt.Fatalf("response file still present after take")
		}
	})
}

func TestQueuedInstructionsMergeInArrivalOrder(t *testing.T) {
	dir := t.TempDir()
	word := rapid.StringMatching(`[a-zA-Z0-9]{1,12}`)
	rapid.Check(t, func(rt *rapid.T) {
		m := newMailbox(t, dir, "q-"+rapid.StringMatching(`[a-z0-9]{8}`).Draw(rt, "sid"))
		words := rapid.SliceOfN(word, 1, 6).Draw(rt, "words")

		for _, w := range words {
			if _, err := m.QueueInstruction(w, testNow); err != nil {
				rt.Fatalf("QueueInstruction: %v", err)
			}
		}
		got, ok, err := m.TakeQueued()
		if err != nil || !ok {
			rt.Fatalf("TakeQueued: ok=%v err=%v", ok, err)
		}
		if want := strings.Join(words, " "); got != want {
			rt.Fatalf("merged = %q, want %q", got, want)
		}
		if _, ok, _ := m.TakeQueued(); ok {
			rt.Fatalf("queue not cleared after take")
		}
	})
}

func TestQueueAThenB(t *testing.T) {
	m := newMailbox(t, t.TempDir(), "s1")
	_, err := m.QueueInstruction("A", testNow)
	require.NoError(t, err)
	merged, err := m.QueueInstruction("B", testNow)
	require.NoError(t, err)
	assert.Equal(t, "A B", merged)
}

func TestReadEventsSkipsGarbageAndWaitsForPartialLine(t *testing.T) {
	m := newMailbox(t, t.TempDir(), "s1")

	first := NewEvent("s1", Stop{LastMessage: "done"}, testNow)
	require.NoError(t, m.Append(first))

	f, err := os.OpenFile(m.path(eventsFile), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n" + `{"id":"x","type":"mystery"}` + "\n" + `{"id":"abc","type":"resp`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := m.ReadEvents(0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, first.ID, res.Events[0].ID)
	assert.Len(t, res.Malformed, 2)

	// Complete the partial line; it is picked up from the saved offset.
	f, err = os.OpenFile(m.path(eventsFile), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`onse","session_id":"s1","text":"hi"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err = m.ReadEvents(res.Next)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, Response{Text: "hi"}, res.Events[0].Payload)
	assert.Equal(t, m.Size(), res.Next)
}

func TestReadEventsMissingLog(t *testing.T) {
	m := NewRoot(t.TempDir()).Open("nobody")
	res, err := m.ReadEvents(42)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, int64(42), res.Next)
}

func TestReadEventsRestartsWhenLogShrinks(t *testing.T) {
	m := newMailbox(t, t.TempDir(), "s1")
	ev := NewEvent("s1", KeepAlive{WaitingOn: "e1"}, testNow)
	require.NoError(t, m.Append(ev))

	res, err := m.ReadEvents(10_000)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, KindKeepAlive, res.Events[0].Kind())
}

func TestEventWireShape(t *testing.T) {
	ev := NewEvent("s1", PermissionRequest{ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)}, testNow)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "permission_request", flat["type"])
	assert.Equal(t, "s1", flat["session_id"])
	assert.Equal(t, "Bash", flat["tool_name"])
	assert.Len(t, flat["id"], 8)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	req, ok := back.Payload.(PermissionRequest)
	require.True(t, ok, "payload is %T", back.Payload)
	assert.JSONEq(t, `{"command":"ls"}`, string(req.ToolInput))
}

func TestEventWithoutIDRejected(t *testing.T) {
	var ev Event
	assert.Error(t, json.Unmarshal([]byte(`{"type":"stop"}`), &ev))
}

func TestMarkers(t *testing.T) {
	root := NewRoot(t.TempDir())
	m := newMailbox(t, root.Dir(), "s1")

	_, killed := m.Killed()
	assert.False(t, killed)
	require.NoError(t, m.Kill("thread deleted"))
	reason, killed := m.Killed()
	assert.True(t, killed)
	assert.Equal(t, "thread deleted", reason)

	require.NoError(t, m.SetForce("/clear"))
	action, ok := m.Force()
	assert.True(t, ok)
	assert.Equal(t, "/clear", action)
	m.ClearForce()
	_, ok = m.Force()
	assert.False(t, ok)

	require.NoError(t, m.MarkProcessed())
	assert.True(t, m.Processed())

	// Re-creating the mailbox starts with a clean slate.
	m, err := root.Create(Meta{SessionID: "s1", Slot: 2})
	require.NoError(t, err)
	_, killed = m.Killed()
	assert.False(t, killed)
	assert.False(t, m.Processed())
}

func TestDaemonOffset(t *testing.T) {
	m := newMailbox(t, t.TempDir(), "s1")
	assert.Equal(t, int64(0), m.ReadOffset())

	require.NoError(t, m.WriteOffset(1234))
	assert.Equal(t, int64(1234), m.ReadOffset())

	require.NoError(t, os.WriteFile(m.path(offsetFile), []byte("garbage"), 0o600))
	assert.Equal(t, int64(0), m.ReadOffset())
}

func TestMetaToleratesComments(t *testing.T) {
	m := newMailbox(t, t.TempDir(), "s1")
	raw := "{\n  // edited by hand\n  \"session_id\": \"s1\",\n  \"slot\": 3,\n  \"project\": \"api\",\n}\n"
	require.NoError(t, os.WriteFile(m.path(metaFile), []byte(raw), 0o600))

	meta, err := m.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Slot)
	assert.Equal(t, "api", meta.Project)
}

func TestBindingAndUnbound(t *testing.T) {
	root := NewRoot(t.TempDir())
	a := newMailbox(t, root.Dir(), "a")
	_, err := root.Create(Meta{SessionID: "b", Slot: 2, WorkDir: "/elsewhere"})
	require.NoError(t, err)

	assert.Len(t, root.Unbound(""), 2)
	unbound := root.Unbound("/work")
	require.Len(t, unbound, 1)
	assert.Equal(t, "a", unbound[0].ID())

	require.NoError(t, a.Bind("runtime-1"))
	found, ok := root.FindBound("runtime-1")
	require.True(t, ok)
	assert.Equal(t, "a", found.ID())
	assert.Len(t, root.Unbound(""), 1)

	_, ok = root.FindBound("runtime-2")
	assert.False(t, ok)
}

func TestCreateRejectsPathLikeIDs(t *testing.T) {
	root := NewRoot(t.TempDir())
	_, err := root.Create(Meta{SessionID: "../escape"})
	assert.Error(t, err)
	_, err = root.Create(Meta{SessionID: ""})
	assert.Error(t, err)
}

func TestListAndRemove(t *testing.T) {
	root := NewRoot(t.TempDir())
	newMailbox(t, root.Dir(), "b")
	newMailbox(t, root.Dir(), "a")

	ids, err := root.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, root.Remove("a"))
	ids, err = root.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
