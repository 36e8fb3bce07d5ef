package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns $XDG_CONFIG_HOME/afkbridge, falling back to ~/.config/afkbridge.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// DataDir returns $XDG_DATA_HOME/afkbridge, falling back to ~/.local/share/afkbridge.
// The registry, mailboxes and logs live here.
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// Paths groups the on-disk locations derived from the data dir.
type Paths struct {
	Data      string
	State     string
	Lock      string
	IPC       string
	DaemonLog string
	HookLog   string
}

// ResolvePaths computes Paths under DataDir.
func ResolvePaths() (Paths, error) {
	dir, err := DataDir()
	if err != nil {
		return Paths{}, err
	}
	return PathsIn(dir), nil
}

// PathsIn computes Paths rooted at dir.
func PathsIn(dir string) Paths {
	return Paths{
		Data:      dir,
		State:     filepath.Join(dir, "state.json"),
		Lock:      filepath.Join(dir, ".state.lock"),
		IPC:       filepath.Join(dir, "ipc"),
		DaemonLog: filepath.Join(dir, "daemon.log"),
		HookLog:   filepath.Join(dir, "hook.log"),
	}
}
