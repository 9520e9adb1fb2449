// Package config loads the calsync YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calsync/internal/backoff"
	"calsync/internal/conflict"
	"calsync/internal/connector"
	"calsync/internal/state"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "calsync.yaml"

// StateConfig selects where account entries are persisted.
type StateConfig struct {
	// Backend is one of file, sqlite, s3 or memory.
	Backend string `yaml:"backend"`
	// Path is the directory for file, the database file for sqlite.
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
	Compress  bool   `yaml:"compress"`
	// Passphrase enables encryption of entries at rest. Usually set through
	// CALSYNC_STATE_PASSPHRASE rather than written to the file.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// SyncConfig tunes the scheduler and the orchestrator.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Schedule is a cron expression that replaces Interval when set.
	Schedule      string        `yaml:"schedule,omitempty"`
	MinInterval   time.Duration `yaml:"min_interval"`
	Workers       int           `yaml:"workers"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	PullAttempts  int           `yaml:"pull_attempts"`
	RetryCeiling  int           `yaml:"retry_ceiling"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	BackoffJitter float64       `yaml:"backoff_jitter"`
	// MergeTieBreak decides same-field edits under a merge: local or remote.
	MergeTieBreak string `yaml:"merge_tie_break"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
}

type GoogleConfig struct {
	ClientID        string `yaml:"client_id,omitempty"`
	ClientSecret    string `yaml:"client_secret,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone events are entered and displayed in.
	Timezone     string             `yaml:"timezone"`
	LogLevel     string             `yaml:"log_level"`
	State        StateConfig        `yaml:"state"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Google       GoogleConfig       `yaml:"google"`
	API          APIConfig          `yaml:"api"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone: "UTC",
		LogLevel: "info",
		State: StateConfig{
			Backend:  state.BackendFile,
			Path:     "calsync-state",
			Compress: true,
		},
		Sync: SyncConfig{
			Interval:      60 * time.Second,
			MinInterval:   30 * time.Second,
			Workers:       4,
			CallTimeout:   connector.DefaultCallTimeout,
			PullAttempts:  4,
			RetryCeiling:  8,
			BackoffBase:   backoff.DefaultBase,
			BackoffCap:    backoff.DefaultCap,
			BackoffJitter: backoff.DefaultJitter,
			MergeTieBreak: string(conflict.TieBreakLocal),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			SettleDelay:   3 * time.Second,
		},
		API: APIConfig{Listen: "127.0.0.1:8765"},
	}
}

// Normalize fills zero values with defaults so partial files behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.State.Backend == "" {
		c.State.Backend = d.State.Backend
	}
	if c.State.Path == "" && c.State.Backend != state.BackendS3 {
		c.State.Path = d.State.Path
		if c.State.Backend == state.BackendSQLite {
			c.State.Path = "calsync.db"
		}
	}

	s := &c.Sync
	if s.Interval <= 0 {
		s.Interval = d.Sync.Interval
	}
	if s.MinInterval < 0 {
		s.MinInterval = 0
	}
	if s.Workers <= 0 {
		s.Workers = d.Sync.Workers
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = d.Sync.CallTimeout
	}
	if s.PullAttempts <= 0 {
		s.PullAttempts = d.Sync.PullAttempts
	}
	if s.RetryCeiling <= 0 {
		s.RetryCeiling = d.Sync.RetryCeiling
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = d.Sync.BackoffBase
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = d.Sync.BackoffCap
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		s.BackoffJitter = d.Sync.BackoffJitter
	}
	if s.MergeTieBreak == "" {
		s.MergeTieBreak = d.Sync.MergeTieBreak
	}

	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = d.Connectivity.ProbeInterval
	}
	if c.Connectivity.SettleDelay < 0 {
		c.Connectivity.SettleDelay = 0
	}
	if c.API.Listen == "" {
		c.API.Listen = d.API.Listen
	}
}

// Validate rejects values Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.State.Backend {
	case state.BackendFile, state.BackendSQLite, state.BackendMemory:
	case state.BackendS3:
		if c.State.Bucket == "" {
			return errors.New("state backend s3 needs a bucket")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if _, err := conflict.ParseTieBreak(c.Sync.MergeTieBreak); err != nil {
		return err
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("backoff cap %s is below base %s", c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	return nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("PRIMARY_TIMEZONE", &c.Timezone)
	str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	str("GOOGLE_CREDENTIALS_FILE", &c.Google.CredentialsFile)
	str("CALSYNC_STATE_BACKEND", &c.State.Backend)
	str("CALSYNC_STATE_PATH", &c.State.Path)
	str("CALSYNC_STATE_BUCKET", &c.State.Bucket)
	str("CALSYNC_STATE_PASSPHRASE", &c.State.Passphrase)
	str("CALSYNC_LISTEN", &c.API.Listen)
	str("CALSYNC_PROBE_URL", &c.Connectivity.ProbeURL)

	if v := strings.TrimSpace(getenv("CALSYNC_SYNC_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALSYNC_SYNC_INTERVAL: %w", err)
		}
		c.Sync.Interval = d
	}
	if v := strings.TrimSpace(getenv("CALSYNC_SYNC_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALSYNC_SYNC_WORKERS: %w", err)
		}
		c.Sync.Workers = n
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// normalizes the result. A missing file yields the defaults.
func Load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg atomically with 0600 permissions. The state passphrase is
// never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()
	out := *cfg
	out.State.Passphrase = ""

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// StateOptions maps the state section onto backend options.
func (c *Config) StateOptions() state.Options {
	return state.Options{
		Backend: c.State.Backend,
		Path:    c.State.Path,
		S3: state.S3Config{
			Bucket:          c.State.Bucket,
			Region:          c.State.Region,
			Endpoint:        c.State.Endpoint,
			Prefix:          c.State.Prefix,
			UsePathStyle:    c.State.PathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
	}
}

// Backoff returns the retry policy for runs and queued operations.
func (c *Config) Backoff() backoff.Policy {
	return backoff.Policy{Base: c.Sync.BackoffBase, Cap: c.Sync.BackoffCap, Jitter: c.Sync.BackoffJitter}
}

// TieBreak returns the merge tie-break policy.
func (c *Config) TieBreak() conflict.TieBreak {
	tb, err := conflict.ParseTieBreak(c.Sync.MergeTieBreak)
	if err != nil {
		return conflict.TieBreakLocal
	}
	return tb
}
