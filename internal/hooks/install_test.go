package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cmd = "/usr/local/bin/afkbridge hook"

func readDoc(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestInstallIntoMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	added, err := Install(path, cmd, 300)
	require.NoError(t, err)
	assert.Equal(t, Events, added)

	doc := readDoc(t, path)
	hooks := doc["hooks"].(map[string]any)
	perm := hooks["PermissionRequest"].([]any)[0].(map[string]any)
	h := perm["hooks"].([]any)[0].(map[string]any)
	assert.Equal(t, cmd, h["command"])
	assert.Equal(t, float64(360), h["timeout"])
}

func TestInstallPreservesSettingsAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	existing := `{
  // user settings
  "model": "opus",
  "hooks": {
    "Stop": [{"matcher": "", "hooks": [{"type": "command", "command": "notify-send done"}]}],
  },
}`
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

	_, err := Install(path, cmd, 300)
	require.NoError(t, err)
	added, err := Install(path, cmd, 300)
	require.NoError(t, err)
	assert.Empty(t, added)

	doc := readDoc(t, path)
	assert.Equal(t, "opus", doc["model"])
	stop := doc["hooks"].(map[string]any)["Stop"].([]any)
	assert.Len(t, stop, 2, "existing stop hook is kept")

	installed, err := Installed(path, cmd)
	require.NoError(t, err)
	assert.Equal(t, Events, installed)
}

func TestUninstall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hooks":{"Stop":[{"matcher":"","hooks":[{"type":"command","command":"other"}]}]}}`), 0o644))
	_, err := Install(path, cmd, 300)
	require.NoError(t, err)

	removed, err := Uninstall(path, cmd)
	require.NoError(t, err)
	assert.Equal(t, Events, removed)

	hooks := readDoc(t, path)["hooks"].(map[string]any)
	assert.NotContains(t, hooks, "PermissionRequest")
	assert.Len(t, hooks["Stop"].([]any), 1)

	installed, err := Installed(path, cmd)
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestMalformedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hooks": [`), 0o644))
	_, err := Install(path, cmd, 300)
	assert.Error(t, err)
}

func TestInstallCommands(t *testing.T) {
	dir := t.TempDir()
	paths, err := InstallCommands(dir, "afkbridge")
	require.NoError(t, err)
	require.Len(t, paths, 2)

	afk, err := os.ReadFile(filepath.Join(dir, "commands", "afk.md"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(afk), "afkbridge activate --project"))
	back, err := os.ReadFile(filepath.Join(dir, "commands", "back.md"))
	require.NoError(t, err)
	assert.Contains(t, string(back), "afkbridge deactivate")
}

func TestDirHonoursEnv(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/tmp/claude-x")
	path, err := SettingsPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/claude-x/settings.json", path)
}
