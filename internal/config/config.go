// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/sessiontimer/internal/logging"
	"github.com/jeranaias/sessiontimer/internal/timeout"
	"github.com/jeranaias/sessiontimer/internal/timer"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete sessiontimer configuration.
type Config struct {
	Session SessionConfig `toml:"session"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
	Audit   AuditConfig   `toml:"audit"`
}

// SessionConfig holds the timeout settings applied to new sessions.
type SessionConfig struct {
	// IdleTimeoutSecs is the inactivity window before a session is invalidated.
	IdleTimeoutSecs uint `toml:"idle_timeout_secs"`

	// SessionTimeoutSecs is the absolute session lifetime.
	SessionTimeoutSecs uint `toml:"session_timeout_secs"`

	// AdvanceNotificationPercent is the share of the idle window that remains
	// when the application is warned (0-100).
	AdvanceNotificationPercent uint `toml:"advance_notification_percent"`

	// AuthProvider is "standard" or "federated".
	AuthProvider string `toml:"auth_provider"`
}

// EngineConfig tunes the timer engine and activity handling.
type EngineConfig struct {
	// Workers bounds how many timer callbacks run at once.
	Workers int `toml:"workers"`

	// ActivityRate is the maximum number of idle resets per second per session.
	// Activity above the rate is coalesced.
	ActivityRate float64 `toml:"activity_rate"`

	// ActivityBurst is the limiter burst size.
	ActivityBurst int `toml:"activity_burst"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `toml:"level"`
	// Dir is where sessiontimer.log is written. Empty logs to stderr.
	Dir string `toml:"dir"`
}

// AuditConfig controls the SQLite audit trail.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	auditPath := ""
	if dir, err := ConfigDir(); err == nil {
		auditPath = filepath.Join(dir, "audit.db")
	}

	return &Config{
		Session: SessionConfig{
			IdleTimeoutSecs:            900,   // 15 minutes
			SessionTimeoutSecs:         28800, // 8 hours
			AdvanceNotificationPercent: 10,
			AuthProvider:               timeout.ProviderStandard.String(),
		},
		Engine: EngineConfig{
			Workers:       timer.DefaultWorkers,
			ActivityRate:  1,
			ActivityBurst: 1,
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    auditPath,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the sessiontimer configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".sessiontimer"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.sessiontimer/config.toml, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path over cfg and fills missing values
// with defaults.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadFromPath loads and validates the config file at path.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in zero values that have no meaning as zero.
// A zero advance percent is valid, so it is never overwritten.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Session.IdleTimeoutSecs == 0 {
		cfg.Session.IdleTimeoutSecs = defaults.Session.IdleTimeoutSecs
	}
	if cfg.Session.SessionTimeoutSecs == 0 {
		cfg.Session.SessionTimeoutSecs = defaults.Session.SessionTimeoutSecs
	}
	if cfg.Session.AuthProvider == "" {
		cfg.Session.AuthProvider = defaults.Session.AuthProvider
	}

	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = defaults.Engine.Workers
	}
	if cfg.Engine.ActivityRate == 0 {
		cfg.Engine.ActivityRate = defaults.Engine.ActivityRate
	}
	if cfg.Engine.ActivityBurst == 0 {
		cfg.Engine.ActivityBurst = defaults.Engine.ActivityBurst
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = defaults.Audit.Path
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// The file may have existed with looser permissions
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# sessiontimer configuration file")
	fmt.Fprintln(file, "# Changes apply to sessions created after the file is saved.")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors when anything is
// wrong.
func (c *Config) Validate() error {
	var errs ValidateErrors

	s := c.Session
	if s.IdleTimeoutSecs == 0 {
		errs = append(errs, ValidationError{"session.idle_timeout_secs", "must be greater than 0"})
	}
	if s.SessionTimeoutSecs == 0 {
		errs = append(errs, ValidationError{"session.session_timeout_secs", "must be greater than 0"})
	}
	if s.IdleTimeoutSecs >= s.SessionTimeoutSecs {
		errs = append(errs, ValidationError{
			"session.idle_timeout_secs",
			fmt.Sprintf("must be less than session_timeout_secs (%d)", s.SessionTimeoutSecs),
		})
	}
	if s.SessionTimeoutSecs > timeout.MaxTimeoutSeconds {
		errs = append(errs, ValidationError{
			"session.session_timeout_secs",
			fmt.Sprintf("must not exceed %d", timeout.MaxTimeoutSeconds),
		})
	}
	if s.AdvanceNotificationPercent > 100 {
		errs = append(errs, ValidationError{"session.advance_notification_percent", "must be between 0 and 100"})
	}
	if _, err := timeout.ParseProvider(s.AuthProvider); err != nil {
		errs = append(errs, ValidationError{"session.auth_provider", "must be 'standard' or 'federated'"})
	}

	if c.Engine.Workers < 1 {
		errs = append(errs, ValidationError{"engine.workers", "must be at least 1"})
	}
	if c.Engine.ActivityRate < 0 {
		errs = append(errs, ValidationError{"engine.activity_rate", "must not be negative"})
	}
	if c.Engine.ActivityBurst < 1 {
		errs = append(errs, ValidationError{"engine.activity_burst", "must be at least 1"})
	}

	if logging.ParseLevel(c.Logging.Level) != strings.ToUpper(c.Logging.Level) {
		errs = append(errs, ValidationError{
			"logging.level",
			fmt.Sprintf("must be one of %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, ValidationError{"audit.path", "required when audit is enabled"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SessionConfig converts the [session] section to the scheduler's
// configuration.
func (c *Config) SessionConfig() (timeout.Config, error) {
	provider, err := timeout.ParseProvider(c.Session.AuthProvider)
	if err != nil {
		return timeout.Config{}, err
	}
	return timeout.Config{
		IdleTimeoutSeconds:         c.Session.IdleTimeoutSecs,
		SessionTimeoutSeconds:      c.Session.SessionTimeoutSecs,
		AdvanceNotificationPercent: c.Session.AdvanceNotificationPercent,
		AuthProvider:               provider,
	}, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies SESSIONTIMER_* environment variables.
// Values that do not parse are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v, ok := envUint("SESSIONTIMER_IDLE"); ok {
		c.Session.IdleTimeoutSecs = v
	}
	if v, ok := envUint("SESSIONTIMER_SESSION"); ok {
		c.Session.SessionTimeoutSecs = v
	}
	if v, ok := envUint("SESSIONTIMER_ADVANCE_PERCENT"); ok {
		c.Session.AdvanceNotificationPercent = v
	}
	if provider := os.Getenv("SESSIONTIMER_PROVIDER"); provider != "" {
		c.Session.AuthProvider = strings.ToLower(provider)
	}
	if level := os.Getenv("SESSIONTIMER_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToUpper(level)
	}
}

func envUint(name string) (uint, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 0)
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get returns a value by its TOML key path, e.g. "session.idle_timeout_secs".
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set parses value into the setting at key.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected a boolean: %w", key, err)
		}
		field.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer: %w", key, err)
		}
		field.SetInt(int64(n))
	case reflect.Uint:
		n, err := strconv.ParseUint(value, 10, 0)
		if err != nil {
			return fmt.Errorf("%s: expected a non-negative integer: %w", key, err)
		}
		field.SetUint(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number: %w", key, err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("%s: unsupported type %s", key, field.Kind())
	}
	return nil
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return reflect.Value{}, fmt.Errorf("invalid key %q (want section.name)", key)
	}

	section, ok := fieldByTag(reflect.ValueOf(c).Elem(), parts[0])
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown section: %s", parts[0])
	}
	field, ok := fieldByTag(section, parts[1])
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown field: %s", key)
	}
	return field, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Keys lists every settable key.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, section.Tag.Get("toml")+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig   *Config
	globalConfigMu sync.RWMutex
)

// Global returns the process-wide configuration, loading it on first use.
func Global() *Config {
	globalConfigMu.RLock()
	cfg := globalConfig
	globalConfigMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	if globalConfig == nil {
		loaded, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			loaded = Default()
		}
		globalConfig = loaded
	}
	return globalConfig
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the process-wide configuration.
func ResetGlobalForTesting() {
	SetGlobal(nil)
}
