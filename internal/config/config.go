// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New() builds a Config populated with defaults.
//   - Load(ctx) layers a YAML file and LOOKOUT_ environment variables on top.
//   - Validate reports problems wrapped with ErrInvalidConfig.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Store backends.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Summarizer backends.
const (
	SummarizerExtractive = "extractive"
	SummarizerAnthropic  = "anthropic"
)

// Query overlap policies for matching compacted windows against a range.
const (
	OverlapTouch     = "touch"
	OverlapContained = "contained"
)

const defaultSourceIntervalSeconds = 300

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	Store      StoreConfig      `koanf:"store"`
	Compaction CompactionConfig `koanf:"compaction"`
	Summarizer SummarizerConfig `koanf:"summarizer"`
	Query      QueryConfig      `koanf:"query"`
	Connect    ConnectConfig    `koanf:"connect"`

	// DedupeSize bounds the number of event keys remembered in memory.
	DedupeSize int `koanf:"dedupe_size"`

	// DedupeLookbackHours controls how far back the archive tier is read when
	// seeding the dedupe set at startup.
	DedupeLookbackHours float64 `koanf:"dedupe_lookback_hours"`

	// ShutdownGraceSeconds bounds how long in-flight cycles may run after a
	// shutdown signal.
	ShutdownGraceSeconds int `koanf:"shutdown_grace_seconds"`

	// Sources maps a source type (github, slack, email, spool) to its settings.
	Sources map[string]SourceConfig `koanf:"sources"`

	// UserIdentities lists names and addresses that identify the operator, so
	// summaries can tell their own activity apart from others'.
	UserIdentities []string `koanf:"user_identities"`
}

// StoreConfig selects and configures the observation store.
type StoreConfig struct {
	Backend    string `koanf:"backend"`
	Dir        string `koanf:"dir"`
	SQLitePath string `koanf:"sqlite_path"`
}

// CompactionConfig configures the compaction job.
type CompactionConfig struct {
	IntervalSeconds     int     `koanf:"interval_seconds"`
	InitialDelaySeconds int     `koanf:"initial_delay_seconds"`
	RetentionHours      float64 `koanf:"retention_hours"`
	MaxBatch            int     `koanf:"max_batch"`
	MaxAttempts         int     `koanf:"max_attempts"`
}

// SummarizerConfig selects the summarization backend.
type SummarizerConfig struct {
	Backend   string `koanf:"backend"`
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	MaxTokens int    `koanf:"max_tokens"`

	// SourceWeights scales the importance of events per source type for the
	// extractive backend.
	SourceWeights map[string]float64 `koanf:"source_weights"`
}

// QueryConfig configures the read side.
type QueryConfig struct {
	DefaultHours float64 `koanf:"default_hours"`
	Overlap      string  `koanf:"overlap"`
}

// ConnectConfig bounds connection retries inside a single poll cycle.
type ConnectConfig struct {
	MaxTries         int `koanf:"max_tries"`
	InitialBackoffMS int `koanf:"initial_backoff_ms"`
}

// SourceConfig is the registry entry for one source type.
type SourceConfig struct {
	Enabled         bool     `koanf:"enabled"`
	IntervalSeconds int      `koanf:"interval_seconds"`
	Token           string   `koanf:"token"`
	Channels        []string `koanf:"channels"`
	Repositories    []string `koanf:"repositories"`
	Dir             string   `koanf:"dir"`
	BaseURL         string   `koanf:"base_url"`
}

// Interval returns the poll interval of the source.
func (s SourceConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Addr:      ":9080",
		Store: StoreConfig{
			Backend:    StoreFS,
			Dir:        "./data/summaries",
			SQLitePath: "./data/lookout.db",
		},
		Compaction: CompactionConfig{
			IntervalSeconds:     3600,
			InitialDelaySeconds: 60,
			RetentionHours:      24,
			MaxBatch:            50,
			MaxAttempts:         5,
		},
		Summarizer: SummarizerConfig{
			Backend:   SummarizerExtractive,
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
			SourceWeights: map[string]float64{
				"github": 1.0,
				"email":  0.8,
				"slack":  0.6,
				"spool":  0.5,
			},
		},
		Query: QueryConfig{
			DefaultHours: 24,
			Overlap:      OverlapTouch,
		},
		Connect: ConnectConfig{
			MaxTries:         3,
			InitialBackoffMS: 500,
		},
		DedupeSize:           50_000,
		DedupeLookbackHours:  72,
		ShutdownGraceSeconds: 10,
		Sources: map[string]SourceConfig{
			"github": {IntervalSeconds: defaultSourceIntervalSeconds, BaseURL: "https://api.github.com"},
			"slack":  {IntervalSeconds: defaultSourceIntervalSeconds, BaseURL: "https://slack.com/api"},
			"email":  {IntervalSeconds: defaultSourceIntervalSeconds, BaseURL: "https://gmail.googleapis.com/gmail/v1"},
			"spool":  {IntervalSeconds: 60, Dir: "./data/spool"},
		},
	}
}

// EnabledSources returns the names of enabled sources in sorted order.
func (c *Config) EnabledSources() []string {
	var names []string
	for name, s := range c.Sources {
		if s.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// normalize fills zero values left behind by partial file or env overrides.
// Map entries decode into fresh values, so per-source defaults are restored
// here rather than relied upon from New().
func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Summarizer.Backend = strings.ToLower(strings.TrimSpace(c.Summarizer.Backend))
	c.Query.Overlap = strings.ToLower(strings.TrimSpace(c.Query.Overlap))

	defaults := New().Sources
	for name, s := range c.Sources {
		d := defaults[name]
		if s.IntervalSeconds <= 0 {
			s.IntervalSeconds = d.IntervalSeconds
			if s.IntervalSeconds <= 0 {
				s.IntervalSeconds = defaultSourceIntervalSeconds
			}
		}
		if s.BaseURL == "" {
			s.BaseURL = d.BaseURL
		}
		if s.Dir == "" {
			s.Dir = d.Dir
		}
		c.Sources[name] = s
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case StoreFS:
		if c.Store.Dir == "" {
			return fmt.Errorf("%w: store.dir must not be empty", ErrInvalidConfig)
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: store.sqlite_path must not be empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	switch c.Summarizer.Backend {
	case SummarizerExtractive:
	case SummarizerAnthropic:
		if c.Summarizer.APIKey == "" {
			return fmt.Errorf("%w: summarizer.api_key is required for the anthropic backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown summarizer.backend %q", ErrInvalidConfig, c.Summarizer.Backend)
	}
	if c.Query.Overlap != OverlapTouch && c.Query.Overlap != OverlapContained {
		return fmt.Errorf("%w: query.overlap must be %q or %q", ErrInvalidConfig, OverlapTouch, OverlapContained)
	}
	if c.Query.DefaultHours < 0 {
		return fmt.Errorf("%w: query.default_hours must be non-negative", ErrInvalidConfig)
	}
	if c.Compaction.RetentionHours <= 0 {
		return fmt.Errorf("%w: compaction.retention_hours must be positive", ErrInvalidConfig)
	}
	if c.Compaction.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: compaction.interval_seconds must be positive", ErrInvalidConfig)
	}
	if c.Compaction.MaxBatch <= 0 {
		return fmt.Errorf("%w: compaction.max_batch must be positive", ErrInvalidConfig)
	}
	if c.Compaction.MaxAttempts <= 0 {
		return fmt.Errorf("%w: compaction.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Connect.MaxTries <= 0 {
		return fmt.Errorf("%w: connect.max_tries must be positive", ErrInvalidConfig)
	}
	return nil
}
