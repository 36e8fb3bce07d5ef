package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	appName           = "afkbridge"
	configFile        = "config.toml"
	projectConfigFile = ".afkbridge.toml"
	envPrefix         = "AFKBRIDGE"
)

// ErrNotConfigured is returned by Validate when the chat credentials are missing.
var ErrNotConfigured = errors.New("afkbridge is not configured: run `afkbridge setup`")

// Config holds all configurable afkbridge settings.
type Config struct {
	BotToken  string `mapstructure:"bot_token" toml:"bot_token"`
	ChatID    string `mapstructure:"chat_id" toml:"chat_id"`
	UseTopics bool   `mapstructure:"use_topics" toml:"use_topics"`

	MaxSlots                 int      `mapstructure:"max_slots" toml:"max_slots"`
	PermissionTimeoutSeconds int      `mapstructure:"permission_timeout_seconds" toml:"permission_timeout_seconds"`
	KeepAlivePollSeconds     int      `mapstructure:"keep_alive_poll_seconds" toml:"keep_alive_poll_seconds"`
	AutoApproveTools         []string `mapstructure:"auto_approve_tools" toml:"auto_approve_tools"`
	AutoApprovePaths         []string `mapstructure:"auto_approve_paths" toml:"auto_approve_paths"`

	BatchWindowSeconds int    `mapstructure:"batch_window_seconds" toml:"batch_window_seconds"`
	TrustThreshold     int    `mapstructure:"trust_threshold" toml:"trust_threshold"`
	TrustMode          string `mapstructure:"trust_mode" toml:"trust_mode"` // "offer" | "auto"
	StaleAfterSeconds  int    `mapstructure:"stale_after_seconds" toml:"stale_after_seconds"`
	IdleNoticeSeconds  int    `mapstructure:"idle_notice_seconds" toml:"idle_notice_seconds"`

	HeartbeatSeconds      int `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds"`
	HeartbeatStaleSeconds int `mapstructure:"heartbeat_stale_seconds" toml:"heartbeat_stale_seconds"`
	ScanIntervalMillis    int `mapstructure:"scan_interval_ms" toml:"scan_interval_ms"`
	PollTimeoutSeconds    int `mapstructure:"poll_timeout_seconds" toml:"poll_timeout_seconds"`

	LogLevel string `mapstructure:"log_level" toml:"log_level"`
}

// Trust modes.
const (
	TrustOffer = "offer"
	TrustAuto  = "auto"
)

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		UseTopics:                true,
		MaxSlots:                 4,
		PermissionTimeoutSeconds: 300,
		KeepAlivePollSeconds:     60,
		AutoApproveTools:         []string{},
		AutoApprovePaths:         []string{},
		BatchWindowSeconds:       2,
		TrustThreshold:           3,
		TrustMode:                TrustOffer,
		StaleAfterSeconds:        600,
		IdleNoticeSeconds:        1800,
		HeartbeatSeconds:         30,
		HeartbeatStaleSeconds:    60,
		ScanIntervalMillis:       500,
		PollTimeoutSeconds:       2,
		LogLevel:                 "info",
	}
}

func (c Config) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

func (c Config) KeepAlivePoll() time.Duration {
	return time.Duration(c.KeepAlivePollSeconds) * time.Second
}

func (c Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowSeconds) * time.Second
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c Config) IdleNotice() time.Duration {
	return time.Duration(c.IdleNoticeSeconds) * time.Second
}

func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c Config) HeartbeatStale() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMillis) * time.Millisecond
}

func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

type timing struct {
	key   string
	value *int
}

func (c *Config) timings() []timing {
	return []timing{
		{"permission_timeout_seconds", &c.PermissionTimeoutSeconds},
		{"keep_alive_poll_seconds", &c.KeepAlivePollSeconds},
		{"batch_window_seconds", &c.BatchWindowSeconds},
		{"stale_after_seconds", &c.StaleAfterSeconds},
		{"idle_notice_seconds", &c.IdleNoticeSeconds},
		{"heartbeat_seconds", &c.HeartbeatSeconds},
		{"heartbeat_stale_seconds", &c.HeartbeatStaleSeconds},
		{"scan_interval_ms", &c.ScanIntervalMillis},
		{"poll_timeout_seconds", &c.PollTimeoutSeconds},
	}
}

// ValidateTimings reports the first interval or timeout that is not
// positive. Loops driven by such a value would never sleep.
func (c Config) ValidateTimings() error {
	for _, t := range c.timings() {
		if *t.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", t.key, *t.value)
		}
	}
	return nil
}

// WithTimingDefaults returns c with every non-positive interval or timeout
// replaced by its default.
func (c Config) WithTimingDefaults() Config {
	d := Defaults()
	defaults := d.timings()
	for i, t := range c.timings() {
		if *t.value <= 0 {
			*t.value = *defaults[i].value
		}
	}
	return c
}

// Validate reports whether the daemon has what it needs to reach the chat.
func (c Config) Validate() error {
	if c.BotToken == "" || c.ChatID == "" {
		return ErrNotConfigured
	}
	if c.MaxSlots < 1 {
		return fmt.Errorf("max_slots must be at least 1, got %d", c.MaxSlots)
	}
	if c.TrustMode != TrustOffer && c.TrustMode != TrustAuto {
		return fmt.Errorf("trust_mode must be %q or %q, got %q", TrustOffer, TrustAuto, c.TrustMode)
	}
	return c.ValidateTimings()
}

// GlobalPath returns the location of the global config file.
func GlobalPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Exists reports whether a global config file has been written.
func Exists() bool {
	path, err := GlobalPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// LoadGlobal reads the global config.toml, layered over defaults and
// AFKBRIDGE_* environment variables. Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	defaults := Defaults()
	setDefaults(v, defaults)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := readFile(v, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// LoadProject reads .afkbridge.toml in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	v := viper.New()
	err := readFile(v, projectConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ParseError{Path: projectConfigFile, Err: err}
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("bot_token", d.BotToken)
	v.SetDefault("chat_id", d.ChatID)
	v.SetDefault("use_topics", d.UseTopics)
	v.SetDefault("max_slots", d.MaxSlots)
	v.SetDefault("permission_timeout_seconds", d.PermissionTimeoutSeconds)
	v.SetDefault("keep_alive_poll_seconds", d.KeepAlivePollSeconds)
	v.SetDefault("auto_approve_tools", d.AutoApproveTools)
	v.SetDefault("auto_approve_paths", d.AutoApprovePaths)
	v.SetDefault("batch_window_seconds", d.BatchWindowSeconds)
	v.SetDefault("trust_threshold", d.TrustThreshold)
	v.SetDefault("trust_mode", d.TrustMode)
	v.SetDefault("stale_after_seconds", d.StaleAfterSeconds)
	v.SetDefault("idle_notice_seconds", d.IdleNoticeSeconds)
	v.SetDefault("heartbeat_seconds", d.HeartbeatSeconds)
	v.SetDefault("heartbeat_stale_seconds", d.HeartbeatStaleSeconds)
	v.SetDefault("scan_interval_ms", d.ScanIntervalMillis)
	v.SetDefault("poll_timeout_seconds", d.PollTimeoutSeconds)
	v.SetDefault("log_level", d.LogLevel)
}

// Merge combines global and project configs, with project taking precedence.
// The global config is expected to already carry defaults; a project file
// may only tighten or relax approval rules and timeouts.
func Merge(global, project *Config) Config {
	result := Defaults()
	if global != nil {
		result = *global
	}

	if project != nil {
		if len(project.AutoApproveTools) > 0 {
			result.AutoApproveTools = project.AutoApproveTools
		}
		if len(project.AutoApprovePaths) > 0 {
			result.AutoApprovePaths = project.AutoApprovePaths
		}
		if project.PermissionTimeoutSeconds > 0 {
			result.PermissionTimeoutSeconds = project.PermissionTimeoutSeconds
		}
		if project.KeepAlivePollSeconds > 0 {
			result.KeepAlivePollSeconds = project.KeepAlivePollSeconds
		}
		if project.TrustThreshold > 0 {
			result.TrustThreshold = project.TrustThreshold
		}
		if project.TrustMode != "" {
			result.TrustMode = project.TrustMode
		}
	}

	return result
}

// Save writes cfg to the global config file, replacing it atomically.
func Save(cfg Config) error {
	path, err := GlobalPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
