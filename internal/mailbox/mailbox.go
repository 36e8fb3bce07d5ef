// Package mailbox implements the per-session directory shared by the hook
// adapter (writer of events) and the broker daemon (writer of responses and
// control markers).
//
// Layout of ipc/<session_id>/:
//
//	events.jsonl             append-only event log, one JSON object per line
//	response-<event_id>.json single-use decision for one event
//	queued_instruction.json  next instruction for the agent, merged on write
//	meta.json                written at activation
//	bound_session            runtime session id that claimed this mailbox
//	force_action             instruction that bypasses the response path
//	kill                     supervision ended, contents are the reason
//	deactivation_processed   daemon finished tearing the session down
//	daemon_offset            byte offset of the log the daemon has handled
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	eventsFile      = "events.jsonl"
	metaFile        = "meta.json"
	queueFile       = "queued_instruction.json"
	bindingFile     = "bound_session"
	forceFile       = "force_action"
	killFile        = "kill"
	processedFile   = "deactivation_processed"
	offsetFile      = "daemon_offset"
	responsePrefix  = "response-"
	responseSuffix  = ".json"
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// ErrNoResponse is returned by TakeResponse when no response file exists.
var ErrNoResponse = errors.New("no response")

// Decision values for permission responses.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Reply is the content of a response file.
type Reply struct {
	Decision string `json:"decision,omitempty"`
	Message  string `json:"message,omitempty"`
	// Instruction resumes a stopped agent. Empty means let it stop.
	Instruction string    `json:"instruction,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Meta is written once when the mailbox is created.
type Meta struct {
	SessionID string    `json:"session_id"`
	Slot      int       `json:"slot"`
	Project   string    `json:"project"`
	TopicName string    `json:"topic_name,omitempty"`
	WorkDir   string    `json:"work_dir,omitempty"`
	Activated time.Time `json:"activated"`
}

type queued struct {
	Instruction string    `json:"instruction"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mailbox is one session's directory.
type Mailbox struct {
	id  string
	dir string
}

// ID returns the session id the mailbox is keyed by.
func (m *Mailbox) ID() string { return m.id }

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

func (m *Mailbox) path(name string) string { return filepath.Join(m.dir, name) }

// Exists reports whether the mailbox directory is present.
func (m *Mailbox) Exists() bool {
	info, err := os.Stat(m.dir)
	return err == nil && info.IsDir()
}

// Initialized reports whether meta.json has been written.
func (m *Mailbox) Initialized() bool {
	return fileExists(m.path(metaFile))
}

// Append writes ev as one line at the end of the event log.
func (m *Mailbox) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(m.path(eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadMeta parses meta.json. Comments and trailing commas are tolerated.
func (m *Mailbox) ReadMeta() (Meta, error) {
	data, err := os.ReadFile(m.path(metaFile))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(jsonc.ToJSON(data), &meta); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", m.path(metaFile), err)
	}
	return meta, nil
}

// WriteMeta replaces meta.json.
func (m *Mailbox) WriteMeta(meta Meta) error {
	return writeJSON(m.path(metaFile), meta)
}

func responseName(eventID string) string {
	return responsePrefix + eventID + responseSuffix
}

// WriteResponse creates or overwrites the response for eventID.
func (m *Mailbox) WriteResponse(eventID string, r Reply) error {
	return writeJSON(m.path(responseName(eventID)), r)
}

// HasResponse reports whether a response for eventID is waiting.
func (m *Mailbox) HasResponse(eventID string) bool {
	return fileExists(m.path(responseName(eventID)))
}

// TakeResponse reads and deletes the response for eventID. A response is
// consumed at most once: after a successful take the next call returns
// ErrNoResponse.
func (m *Mailbox) TakeResponse(eventID string) (Reply, error) {
	path := m.path(responseName(eventID))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Reply{}, ErrNoResponse
	}
	if err != nil {
		return Reply{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Reply{}, fmt.Errorf("consume response: %w", err)
	}
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("parse response %s: %w", eventID, err)
	}
	return r, nil
}

// DiscardResponse removes the response for eventID if one exists.
func (m *Mailbox) DiscardResponse(eventID string) {
	_ = os.Remove(m.path(responseName(eventID)))
}

// QueueInstruction stores text as the next instruction. If an instruction
// is already waiting, text is appended to it separated by a space. The
// merged instruction is returned.
func (m *Mailbox) QueueInstruction(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(text)
	existing, _, err := m.PeekQueued()
	if err != nil {
		return "", err
	}
	merged := text
	if existing != "" {
		merged = existing + " " + text
	}
	if err := writeJSON(m.path(queueFile), queued{Instruction: merged, UpdatedAt: now}); err != nil {
		return "", err
	}
	return merged, nil
}

// PeekQueued returns the waiting instruction without consuming it.
func (m *Mailbox) PeekQueued() (string, bool, error) {
	data, err := os.ReadFile(m.path(queueFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var q queued
	if err := json.Unmarshal(jsonc.ToJSON(data), &q); err != nil {
		return "", false, fmt.Errorf("parse queued instruction: %w", err)
	}
	return q.Instruction, q.Instruction != "", nil
}

// TakeQueued returns and removes the waiting instruction.
func (m *Mailbox) TakeQueued() (string, bool, error) {
	text, ok, err := m.PeekQueued()
	if err != nil {
		// Unreadable queue content is dropped so it cannot wedge every stop.
		_ = os.Remove(m.path(queueFile))
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	if err := os.Remove(m.path(queueFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	return text, true, nil
}

// Bind records that runtime session id claimed this mailbox.
func (m *Mailbox) Bind(id string) error {
	return writeText(m.path(bindingFile), id)
}

// Binding returns the runtime session id bound to this mailbox, if any.
func (m *Mailbox) Binding() (string, bool) {
	return readText(m.path(bindingFile))
}

// SetForce writes a force marker carrying instruction.
func (m *Mailbox) SetForce(instruction string) error {
	return writeText(m.path(forceFile), instruction)
}

// Force returns the pending forced instruction, if any.
func (m *Mailbox) Force() (string, bool) {
	return readText(m.path(forceFile))
}

// ClearForce removes the force marker.
func (m *Mailbox) ClearForce() {
	_ = os.Remove(m.path(forceFile))
}

// Kill writes the kill marker with reason.
func (m *Mailbox) Kill(reason string) error {
	if reason == "" {
		reason = "killed"
	}
	return writeText(m.path(killFile), reason)
}

// Killed reports whether a kill marker exists and returns its reason.
func (m *Mailbox) Killed() (string, bool) {
	if !fileExists(m.path(killFile)) {
		return "", false
	}
	reason, _ := readText(m.path(killFile))
	return reason, true
}

// MarkProcessed signals that the daemon finished handling deactivation.
func (m *Mailbox) MarkProcessed() error {
	return writeText(m.path(processedFile), time.Now().UTC().Format(time.RFC3339))
}

// Processed reports whether the deactivation marker exists.
func (m *Mailbox) Processed() bool {
	return fileExists(m.path(processedFile))
}

// ReadOffset returns where the daemon stopped reading the event log, or 0
// when it never recorded a position.
func (m *Mailbox) ReadOffset() int64 {
	text, ok := readText(m.path(offsetFile))
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WriteOffset records that the daemon handled the log up to offset.
func (m *Mailbox) WriteOffset(offset int64) error {
	return writeText(m.path(offsetFile), strconv.FormatInt(offset, 10))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readText(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func writeText(path, text string) error {
	return WriteFileAtomic(path, []byte(text), defaultFilePerm)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, defaultFilePerm)
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
