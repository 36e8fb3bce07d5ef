package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Root is the ipc directory holding one mailbox per session.
type Root struct {
	dir string
}

// NewRoot returns a Root at dir. The directory is created lazily.
func NewRoot(dir string) *Root {
	return &Root{dir: dir}
}

// Dir returns the ipc directory.
func (r *Root) Dir() string { return r.dir }

// Open returns the mailbox for sessionID without touching the filesystem.
func (r *Root) Open(sessionID string) *Mailbox {
	return &Mailbox{id: sessionID, dir: filepath.Join(r.dir, sessionID)}
}

// Create makes the mailbox directory, clears any leftover markers from a
// previous life and writes meta.json.
func (r *Root) Create(meta Meta) (*Mailbox, error) {
	if meta.SessionID == "" || meta.SessionID != filepath.Base(meta.SessionID) {
		return nil, fmt.Errorf("invalid session id %q", meta.SessionID)
	}
	m := r.Open(meta.SessionID)
	if err := os.MkdirAll(m.dir, defaultDirPerm); err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}
	for _, name := range []string{killFile, forceFile, processedFile} {
		_ = os.Remove(m.path(name))
	}
	if err := m.WriteMeta(meta); err != nil {
		return nil, err
	}
	return m, nil
}

// Remove deletes the mailbox directory and everything in it.
func (r *Root) Remove(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(r.dir, sessionID))
}

// List returns the session ids of every mailbox directory, sorted.
func (r *Root) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// FindBound returns the mailbox whose binding file names runtimeID.
func (r *Root) FindBound(runtimeID string) (*Mailbox, bool) {
	ids, _ := r.List()
	for _, id := range ids {
		m := r.Open(id)
		if bound, ok := m.Binding(); ok && bound == runtimeID {
			return m, true
		}
	}
	return nil, false
}

// Unbound returns initialized mailboxes that have no binding and no kill
// marker. When workDir is non-empty, mailboxes recorded for a different
// working directory are excluded.
func (r *Root) Unbound(workDir string) []*Mailbox {
	ids, _ := r.List()
	var out []*Mailbox
	for _, id := range ids {
		m := r.Open(id)
		if !m.Initialized() {
			continue
		}
		if _, ok := m.Binding(); ok {
			continue
		}
		if _, killed := m.Killed(); killed {
			continue
		}
		if workDir != "" {
			if meta, err := m.ReadMeta(); err == nil && meta.WorkDir != "" && meta.WorkDir != workDir {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
