package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"switchboard/internal/model"
)

// ICSConfig describes a calendar feed whose events can ring as calls.
type ICSConfig struct {
	// ID is an internal identifier used in task identities and logs.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration. It doubles as the
// settings document that owns the Lines.
type Config struct {
	// Listen is the HTTP listen address for the call API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone block times are read in (e.g. "America/Chicago").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron spec for the periodic task sync and schedule refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	DefaultSnoozeMinutes int `yaml:"default_snooze_minutes" json:"default_snooze_minutes"`

	// TaskGraceSeconds is how late an external task may be and still ring.
	TaskGraceSeconds int `yaml:"task_grace_seconds" json:"task_grace_seconds"`

	// HorizonDays bounds calendar feed expansion.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// VaultDir is the markdown notes directory scanned for tagged tasks.
	// Empty disables the vault source.
	VaultDir string `yaml:"vault_dir" json:"vault_dir"`

	// CallWaitingNote is the vault-relative note that collects saved calls.
	CallWaitingNote string `yaml:"call_waiting_note" json:"call_waiting_note"`

	// Database is the sqlite file for missed calls and session history.
	Database string `yaml:"database" json:"database"`

	// CacheDir holds the ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	ICS []ICSConfig `yaml:"ics" json:"ics"`

	Lines []model.Line `yaml:"lines" json:"lines"`

	// BasicAuth, if set, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen          = "127.0.0.1:8417"
	defaultRefreshCron     = "*/5 * * * *"
	defaultSnoozeMinutes   = 5
	defaultTaskGrace       = 60
	defaultHorizonDays     = 7
	defaultCallWaitingNote = "Call Waiting.md"
	defaultDatabase        = "./var/switchboard.db"
	defaultCacheDir        = "./var/ics-cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               defaultListen,
		Timezone:             "Local",
		LogLevel:             "info",
		RefreshCron:          defaultRefreshCron,
		DefaultSnoozeMinutes: defaultSnoozeMinutes,
		TaskGraceSeconds:     defaultTaskGrace,
		HorizonDays:          defaultHorizonDays,
		CallWaitingNote:      defaultCallWaitingNote,
		Database:             defaultDatabase,
		CacheDir:             defaultCacheDir,
		ICS:                  []ICSConfig{},
		Lines:                []model.Line{},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.DefaultSnoozeMinutes <= 0 {
		c.DefaultSnoozeMinutes = defaultSnoozeMinutes
	}
	if c.TaskGraceSeconds <= 0 {
		c.TaskGraceSeconds = defaultTaskGrace
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.CallWaitingNote == "" {
		c.CallWaitingNote = defaultCallWaitingNote
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.Lines == nil {
		c.Lines = []model.Line{}
	}
}

// Validate checks Lines and their blocks. Invalid blocks do not stop the
// engine (they simply never ring) but are worth reporting at startup.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, l := range c.Lines {
		if l.ID == "" {
			errs = append(errs, fmt.Errorf("line %q has no id", l.Name))
			continue
		}
		if seen[l.ID] {
			errs = append(errs, fmt.Errorf("duplicate line id %q", l.ID))
		}
		seen[l.ID] = true
		for _, b := range l.Blocks {
			if err := b.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("line %s: %w", l.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".switchboard-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
