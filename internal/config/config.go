// Package config loads the YAML configuration for the bot pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/opml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults applied when a field is left empty.
const (
	DefaultSchedule          = "*/15 * * * *"
	DefaultMaxItemsPerSource = 2
	DefaultMaxPostsPerRun    = 5
	DefaultRetentionDays     = 30
)

// Selection modes for the orchestrator.
const (
	ModePerSource = "per_source"
	ModeCombined  = "combined"
)

// Config is the root configuration document.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Bots         []BotConfig        `yaml:"bots"`

	// baseDir resolves relative opml_file paths.
	baseDir string
	// opmlErrs are reported by Validate with every other problem.
	opmlErrs []error
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// FetchConfig controls the feed fetcher.
type FetchConfig struct {
	Timeout     string `yaml:"timeout"`
	Window      string `yaml:"window"`
	Concurrency int    `yaml:"concurrency"`
	UserAgent   string `yaml:"user_agent"`
}

// SummarizerConfig controls the optional summarization stage.
type SummarizerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	MaxLength    int    `yaml:"max_length"`
	MaxTokens    int    `yaml:"max_tokens"`
	Delay        string `yaml:"delay"`
	MaxRetries   int    `yaml:"max_retries"` // extra attempts for single-item calls
	RetryBackoff string `yaml:"retry_backoff"`
}

// PublisherConfig controls post publishing.
type PublisherConfig struct {
	DryRun      bool   `yaml:"dry_run"`
	Delay       string `yaml:"delay"`
	SourceLabel bool   `yaml:"source_label"`
}

// OrchestratorConfig controls bot runs.
type OrchestratorConfig struct {
	Mode     string `yaml:"mode"`
	BotPause string `yaml:"bot_pause"`
}

// SchedulerConfig controls recurring triggers.
type SchedulerConfig struct {
	Stagger         string `yaml:"stagger"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
	RetentionDays   int    `yaml:"retention_days"`
}

// ServerConfig controls the operational HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// BotConfig is the YAML form of a bot identity.
type BotConfig struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Handle            string   `yaml:"handle"`
	AvatarURL         string   `yaml:"avatar_url"`
	Sources           []string `yaml:"sources"`
	OPMLFile          string   `yaml:"opml_file"`
	Schedule          string   `yaml:"schedule"`
	StylePrompt       string   `yaml:"style_prompt"`
	MaxItemsPerSource int      `yaml:"max_items_per_source"`
	MaxPostsPerRun    int      `yaml:"max_posts_per_run"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "infobots.db",
		},
		Fetch: FetchConfig{
			Timeout:     "15s",
			Window:      "60m",
			Concurrency: 8,
			UserAgent:   "infobots/1.0 (+https://github.com/bryan-buckman/infobots)",
		},
		Summarizer: SummarizerConfig{
			Model:        "gemini-2.5-flash",
			MaxLength:    280,
			MaxTokens:    256,
			Delay:        "2s",
			MaxRetries:   0,
			RetryBackoff: "1s",
		},
		Publisher: PublisherConfig{
			Delay:       "500ms",
			SourceLabel: true,
		},
		Orchestrator: OrchestratorConfig{
			Mode:     ModePerSource,
			BotPause: "5s",
		},
		Scheduler: SchedulerConfig{
			Stagger:         "30s",
			CleanupSchedule: "0 3 * * *",
			RetentionDays:   DefaultRetentionDays,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a .env file if present, then the YAML file at path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.opmlErrs = cfg.expandOPML()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Summarizer.APIKey = key
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = dsn
	}
	if path := os.Getenv("INFOBOTS_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("INFOBOTS_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if v := os.Getenv("INFOBOTS_DRY_RUN"); v != "" {
		if dry, err := strconv.ParseBool(v); err == nil {
			c.Publisher.DryRun = dry
		}
	}
}

// expandOPML appends the feed URLs of each bot's opml_file to its sources and
// returns one error per file it could not read.
func (c *Config) expandOPML() []error {
	var errs []error
	for i := range c.Bots {
		b := &c.Bots[i]
		if b.OPMLFile == "" {
			continue
		}
		path := b.OPMLFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.baseDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("bots[%d]: open opml: %w", i, err))
			continue
		}
		entries, err := opml.Parse(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("bots[%d]: opml %s: %w", i, b.OPMLFile, err))
			continue
		}
		b.Sources = mergeSources(b.Sources, opml.URLs(entries))
	}
	return errs
}

func mergeSources(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, s := range append(append([]string{}, existing...), extra...) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate checks every bot and returns all problems at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.opmlErrs...)

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.Orchestrator.Mode != ModePerSource && c.Orchestrator.Mode != ModeCombined {
		errs = append(errs, fmt.Errorf("orchestrator.mode %q must be %q or %q", c.Orchestrator.Mode, ModePerSource, ModeCombined))
	}
	if c.Summarizer.Enabled && c.Summarizer.APIKey == "" {
		errs = append(errs, errors.New("summarizer.api_key (or GEMINI_API_KEY) is required when the summarizer is enabled"))
	}
	// An empty cleanup schedule disables scheduled cleanup.
	if c.Scheduler.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cleanup_schedule: %w", err))
		}
	}
	durations := []struct{ name, value string }{
		{"fetch.timeout", c.Fetch.Timeout},
		{"fetch.window", c.Fetch.Window},
		{"summarizer.delay", c.Summarizer.Delay},
		{"summarizer.retry_backoff", c.Summarizer.RetryBackoff},
		{"publisher.delay", c.Publisher.Delay},
		{"orchestrator.bot_pause", c.Orchestrator.BotPause},
		{"scheduler.stagger", c.Scheduler.Stagger},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if len(c.Bots) == 0 {
		errs = append(errs, errors.New("no bots configured"))
	}
	ids := make(map[string]int)
	handles := make(map[string]int)
	for i := range c.Bots {
		b := &c.Bots[i]
		label := fmt.Sprintf("bots[%d]", i)
		if b.Name != "" {
			label = fmt.Sprintf("bots[%d] (%s)", i, b.Name)
		}
		if b.Schedule == "" {
			b.Schedule = DefaultSchedule
		}
		if b.MaxItemsPerSource <= 0 {
			b.MaxItemsPerSource = DefaultMaxItemsPerSource
		}
		if b.MaxPostsPerRun <= 0 {
			b.MaxPostsPerRun = DefaultMaxPostsPerRun
		}

		if b.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", label))
		} else if prev, ok := ids[b.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: id %q already used by bots[%d]", label, b.ID, prev))
		} else {
			ids[b.ID] = i
		}
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		}
		if strings.TrimPrefix(b.Handle, "@") == "" {
			errs = append(errs, fmt.Errorf("%s: handle is required", label))
		} else {
			h := strings.ToLower(strings.TrimPrefix(b.Handle, "@"))
			if prev, ok := handles[h]; ok {
				errs = append(errs, fmt.Errorf("%s: handle %q already used by bots[%d]", label, b.Handle, prev))
			} else {
				handles[h] = i
			}
		}
		if len(b.Sources) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one source is required", label))
		}
		if _, err := cron.ParseStandard(b.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: schedule %q: %w", label, b.Schedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n%w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Identities converts the configured bots into model identities.
func (c *Config) Identities() []model.BotIdentity {
	out := make([]model.BotIdentity, 0, len(c.Bots))
	for _, b := range c.Bots {
		out = append(out, model.BotIdentity{
			ID:                b.ID,
			Name:              b.Name,
			Handle:            b.Handle,
			AvatarURL:         b.AvatarURL,
			Sources:           append([]string(nil), b.Sources...),
			Schedule:          b.Schedule,
			StylePrompt:       b.StylePrompt,
			MaxItemsPerSource: b.MaxItemsPerSource,
			MaxPostsPerRun:    b.MaxPostsPerRun,
		})
	}
	return out
}

// FetchTimeout returns the per-source fetch timeout.
func (c *Config) FetchTimeout() time.Duration { return parseDuration(c.Fetch.Timeout, 15*time.Second) }

// FetchWindow returns the trailing window items must fall within.
func (c *Config) FetchWindow() time.Duration { return parseDuration(c.Fetch.Window, 60*time.Minute) }

// SummarizerDelay returns the pause between summarization calls.
func (c *Config) SummarizerDelay() time.Duration {
	return parseDuration(c.Summarizer.Delay, 2*time.Second)
}

// RetryBackoff returns the base backoff for summarization retries.
func (c *Config) RetryBackoff() time.Duration {
	return parseDuration(c.Summarizer.RetryBackoff, time.Second)
}

// PublishDelay returns the pause between published posts.
func (c *Config) PublishDelay() time.Duration {
	return parseDuration(c.Publisher.Delay, 500*time.Millisecond)
}

// BotPause returns the pause between bots in a multi-bot run.
func (c *Config) BotPause() time.Duration {
	return parseDuration(c.Orchestrator.BotPause, 5*time.Second)
}

// Stagger returns the per-bot delay applied when registering triggers.
func (c *Config) Stagger() time.Duration {
	return parseDuration(c.Scheduler.Stagger, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
