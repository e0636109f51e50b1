// Package config loads the application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"leadwatch/internal/model"
)

// Config holds the application configuration.
type Config struct {
	LogLevel     string         `yaml:"log_level"`
	LogFormat    string         `yaml:"log_format"`
	DatabasePath string         `yaml:"database_path"`
	Telegram     TelegramConfig `yaml:"telegram"`
	NATS         NATSConfig     `yaml:"nats"`
	Accounts     []Account      `yaml:"accounts"`
	Worker       WorkerConfig   `yaml:"worker"`
	Cache        CacheConfig    `yaml:"cache"`
	Sources      SourcesConfig  `yaml:"sources"`
	Metrics      MetricsConfig  `yaml:"metrics"`
	Schedule     ScheduleConfig `yaml:"schedule"`
}

// TelegramConfig holds the bot used for notifications and the API
// credentials shared by worker accounts.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	// NotifyRate is the maximum number of notifications per second.
	NotifyRate float64 `yaml:"notify_rate"`
	AppID      int     `yaml:"app_id"`
	AppHash    string  `yaml:"app_hash"`
	SessionDir string  `yaml:"session_dir"`
}

// NATSConfig configures the coordinator.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Prefix        string        `yaml:"prefix"`
	SearchTTL     time.Duration `yaml:"search_ttl"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// Account is one worker account.
type Account struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
	Searcher bool   `yaml:"searcher"`
	// Session overrides the session file path.
	Session string `yaml:"session"`
}

// WorkerConfig tunes every worker.
type WorkerConfig struct {
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	MaxConcurrentMessages int           `yaml:"max_concurrent_messages"`
	JoinAttempts          int           `yaml:"join_attempts"`
	JoinBackoffBase       time.Duration `yaml:"join_backoff_base"`
	JoinBackoffMax        time.Duration `yaml:"join_backoff_max"`
	UnreachableAfter      int           `yaml:"unreachable_after"`
	JoinsPerMinute        float64       `yaml:"joins_per_minute"`
	DedupWindow           time.Duration `yaml:"dedup_window"`
	LeaveReleased         bool          `yaml:"leave_released"`
}

// CacheConfig bounds the staleness of cached rules.
type CacheConfig struct {
	KeywordTTL time.Duration `yaml:"keyword_ttl"`
	SourceTTL  time.Duration `yaml:"source_ttl"`
}

// SourcesConfig controls source lifecycle.
type SourcesConfig struct {
	GCOnLastDetach bool `yaml:"gc_on_last_detach"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ScheduleConfig holds cron specs for maintenance jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	Stats     string `yaml:"stats"`
	Rebalance string `yaml:"rebalance"`
}

const defaultCapacity = 30

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "console",
		DatabasePath: "./data/leadwatch.db",
		Telegram: TelegramConfig{
			NotifyRate: 20,
			SessionDir: "./data/sessions",
		},
		NATS: NATSConfig{
			Prefix:        "leadwatch",
			SearchTTL:     time.Minute,
			SearchTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			ReconcileInterval:     time.Minute,
			MaxConcurrentMessages: 8,
			JoinAttempts:          5,
			JoinBackoffBase:       2 * time.Second,
			JoinBackoffMax:        5 * time.Minute,
			UnreachableAfter:      1,
			JoinsPerMinute:        20,
			DedupWindow:           24 * time.Hour,
		},
		Cache: CacheConfig{
			KeywordTTL: 5 * time.Minute,
			SourceTTL:  time.Minute,
		},
		Sources: SourcesConfig{GCOnLastDetach: true},
		Metrics: MetricsConfig{Listen: ":9090"},
		Schedule: ScheduleConfig{
			Stats: "@every 1m",
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and applies
// environment overrides. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Capacity == 0 {
			cfg.Accounts[i].Capacity = defaultCapacity
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("TELEGRAM_APP_HASH"); v != "" {
		c.Telegram.AppHash = v
	}
	if v := os.Getenv("TELEGRAM_APP_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_APP_ID %q: %w", v, err)
		}
		c.Telegram.AppID = id
	}
	return nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.Name == "" {
			return fmt.Errorf("accounts[%d]: name is required", i)
		}
		if seen[acc.Name] {
			return fmt.Errorf("accounts[%d]: duplicate name %q", i, acc.Name)
		}
		seen[acc.Name] = true
		if acc.Capacity <= 0 {
			return fmt.Errorf("accounts[%d]: capacity must be positive", i)
		}
	}

	if c.NATS.SearchTTL <= 0 || c.NATS.SearchTimeout <= 0 {
		return fmt.Errorf("nats: search_ttl and search_timeout must be positive")
	}
	if c.Worker.ReconcileInterval <= 0 {
		return fmt.Errorf("worker: reconcile_interval must be positive")
	}
	if c.Worker.JoinBackoffBase > c.Worker.JoinBackoffMax {
		return fmt.Errorf("worker: join_backoff_base exceeds join_backoff_max")
	}
	return nil
}

// ValidateMonitor checks what the monitor process needs on top of Validate.
func (c *Config) ValidateMonitor() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	if c.Telegram.AppID == 0 || c.Telegram.AppHash == "" {
		return fmt.Errorf("telegram.app_id and telegram.app_hash are required")
	}
	return nil
}

// ModelAccounts returns the accounts in declaration order. When no account
// is flagged as searcher the first one is.
func (c *Config) ModelAccounts() []model.Account {
	accounts := make([]model.Account, 0, len(c.Accounts))
	anySearcher := false
	for _, acc := range c.Accounts {
		anySearcher = anySearcher || acc.Searcher
		accounts = append(accounts, model.Account{Name: acc.Name, Capacity: acc.Capacity, Searcher: acc.Searcher})
	}
	if !anySearcher && len(accounts) > 0 {
		accounts[0].Searcher = true
	}
	return accounts
}

// SessionPath returns the session file of an account.
func (c *Config) SessionPath(acc Account) string {
	if acc.Session != "" {
		return acc.Session
	}
	return filepath.Join(c.Telegram.SessionDir, acc.Name+".json")
}
