// Package hooks installs afkbridge into the agent runtime: lifecycle hooks in
// its settings file and the /afk and /back slash commands.
package hooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

// Hooked lifecycle events and how long the runtime should let each run.
var (
	Events = []string{"PermissionRequest", "Stop", "Notification"}

	stopTimeout         = 24 * 60 * 60
	notificationTimeout = 30
)

// Dir returns the runtime's config directory, honouring CLAUDE_CONFIG_DIR.
func Dir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude"), nil
}

// SettingsPath returns the settings file the hooks are written to.
func SettingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type matcherGroup struct {
	Matcher string        `json:"matcher"`
	Hooks   []hookCommand `json:"hooks"`
}

// Entries returns the hook configuration for command, keyed by event.
func Entries(command string, permissionTimeoutSeconds int) map[string][]matcherGroup {
	timeouts := map[string]int{
		"PermissionRequest": permissionTimeoutSeconds + 60,
		"Stop":              stopTimeout,
		"Notification":      notificationTimeout,
	}
	out := map[string][]matcherGroup{}
	for _, ev := range Events {
		out[ev] = []matcherGroup{{
			Matcher: "",
			Hooks:   []hookCommand{{Type: "command", Command: command, Timeout: timeouts[ev]}},
		}}
	}
	return out
}

// readSettings loads the settings file as a generic document. A missing
// file is an empty document; comments and trailing commas are tolerated.
func readSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	clean := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(clean) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func writeSettings(path string, doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return mailbox.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// groupsFor returns the matcher groups of one event as generic values.
func groupsFor(hooks map[string]any, event string) []any {
	groups, _ := hooks[event].([]any)
	return groups
}

func hasCommand(group any, command string) bool {
	g, _ := group.(map[string]any)
	list, _ := g["hooks"].([]any)
	for _, h := range list {
		if hm, ok := h.(map[string]any); ok && hm["command"] == command {
			return true
		}
	}
	return false
}

// Install adds the hook entries for command to the settings file at path,
// leaving every other setting alone. It returns the events it added; events
// that already run command are skipped.
func Install(path, command string, permissionTimeoutSeconds int) ([]string, error) {
	doc, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	hooks, _ := doc["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}

	var added []string
	for _, ev := range Events {
		groups := groupsFor(hooks, ev)
		if slices.ContainsFunc(groups, func(g any) bool { return hasCommand(g, command) }) {
			continue
		}
		// Round-trip through JSON so the new entry has the same generic
		// shape as the ones read from disk.
		raw, err := json.Marshal(Entries(command, permissionTimeoutSeconds)[ev][0])
		if err != nil {
			return nil, err
		}
		var entry any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		hooks[ev] = append(groups, entry)
		added = append(added, ev)
	}
	if len(added) == 0 {
		return nil, nil
	}
	doc["hooks"] = hooks
	return added, writeSettings(path, doc)
}

// Uninstall removes every matcher group that runs command.
func Uninstall(path, command string) ([]string, error) {
	doc, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	hooks, _ := doc["hooks"].(map[string]any)
	var removed []string
	for _, ev := range Events {
		groups := groupsFor(hooks, ev)
		kept := slices.DeleteFunc(slices.Clone(groups), func(g any) bool { return hasCommand(g, command) })
		if len(kept) == len(groups) {
			continue
		}
		removed = append(removed, ev)
		if len(kept) == 0 {
			delete(hooks, ev)
		} else {
			hooks[ev] = kept
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, writeSettings(path, doc)
}

// Installed lists the events that already run command.
func Installed(path, command string) ([]string, error) {
	doc, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	hooks, _ := doc["hooks"].(map[string]any)
	var out []string
	for _, ev := range Events {
		if slices.ContainsFunc(groupsFor(hooks, ev), func(g any) bool { return hasCommand(g, command) }) {
			out = append(out, ev)
		}
	}
	return out, nil
}
