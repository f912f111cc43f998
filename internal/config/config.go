// Package config loads the bot's runtime configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// HERALD_CONFIG_FILE, then environment variables. The result is validated
// before any connection is opened.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied before the file and environment.
const (
	DefaultAPIURL       = "https://api.github.com"
	DefaultWebURL       = "https://github.com"
	DefaultBranch       = "master"
	DefaultDBPath       = "herald.db"
	DefaultHealthAddr   = ":8080"
	DefaultMaxSize      = 10 * 1024 * 1024
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRestartDelay = 5 * time.Second
)

// Config holds herald's runtime configuration.
type Config struct {
	// Ledger backend: "sqlite" or "redis"
	Ledger   string `yaml:"ledger"`
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`
	Instance string `yaml:"instance"`

	// Bot identity, used for mentions, commits and git auth
	BotName     string `yaml:"bot_name"`
	BotEmail    string `yaml:"bot_email"`
	BotPassword string `yaml:"bot_password"`
	AccessToken string `yaml:"access_token"`

	// StoreRepo and IndexRepo are owner/name on the web host, or a full
	// remote URL or local path.
	StoreRepo     string `yaml:"store_repo"`
	StoreCheckout string `yaml:"store_checkout"`
	StoreMaxSize  int64  `yaml:"store_max_size"`
	IndexRepo     string `yaml:"index_repo"`
	IndexCheckout string `yaml:"index_checkout"`
	IndexIssue    string `yaml:"index_issue"`
	Branch        string `yaml:"branch"`

	APIURL string `yaml:"api_url"`
	WebURL string `yaml:"web_url"`

	PollInterval time.Duration `yaml:"poll_interval"`
	RestartDelay time.Duration `yaml:"restart_delay"`

	HealthAddr string `yaml:"health_addr"`
	LogLevel   string `yaml:"log_level"`
	LogPretty  bool   `yaml:"log_pretty"`
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Ledger:        "sqlite",
		DBPath:        DefaultDBPath,
		StoreCheckout: filepath.Join("checkout", "store"),
		StoreMaxSize:  DefaultMaxSize,
		IndexCheckout: filepath.Join("checkout", "index"),
		Branch:        DefaultBranch,
		APIURL:        DefaultAPIURL,
		WebURL:        DefaultWebURL,
		PollInterval:  DefaultPollInterval,
		RestartDelay:  DefaultRestartDelay,
		HealthAddr:    DefaultHealthAddr,
		LogLevel:      "info",
	}
}

// Load builds the configuration from defaults, HERALD_CONFIG_FILE and the
// environment, and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HERALD_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"HERALD_LEDGER":         &c.Ledger,
		"HERALD_DB_PATH":        &c.DBPath,
		"REDIS_URL":             &c.RedisURL,
		"HERALD_INSTANCE":       &c.Instance,
		"HERALD_BOT_NAME":       &c.BotName,
		"HERALD_BOT_EMAIL":      &c.BotEmail,
		"HERALD_BOT_PASSWORD":   &c.BotPassword,
		"HERALD_ACCESS_TOKEN":   &c.AccessToken,
		"HERALD_STORE_REPO":     &c.StoreRepo,
		"HERALD_STORE_CHECKOUT": &c.StoreCheckout,
		"HERALD_INDEX_REPO":     &c.IndexRepo,
		"HERALD_INDEX_CHECKOUT": &c.IndexCheckout,
		"HERALD_INDEX_ISSUE":    &c.IndexIssue,
		"HERALD_BRANCH":         &c.Branch,
		"HERALD_API_URL":        &c.APIURL,
		"HERALD_WEB_URL":        &c.WebURL,
		"HERALD_HEALTH_ADDR":    &c.HealthAddr,
		"HERALD_LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HERALD_POLL_INTERVAL": &c.PollInterval,
		"HERALD_RESTART_DELAY": &c.RestartDelay,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s must be a duration (e.g. 5s): %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("HERALD_STORE_MAX_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HERALD_STORE_MAX_SIZE must be a number of bytes: %w", err)
		}
		c.StoreMaxSize = n
	}

	if v, ok := lookup("HERALD_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HERALD_LOG_PRETTY must be a boolean: %w", err)
		}
		c.LogPretty = b
	}

	return nil
}

// Validate checks required fields and value ranges.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	if c.BotName == "" {
		return fmt.Errorf("HERALD_BOT_NAME environment variable is required")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("HERALD_ACCESS_TOKEN environment variable is required")
	}

	if c.StoreRepo == "" {
		return fmt.Errorf("HERALD_STORE_REPO environment variable is required")
	}

	if c.IndexRepo == "" {
		return fmt.Errorf("HERALD_INDEX_REPO environment variable is required")
	}

	if n, err := strconv.Atoi(c.IndexIssue); err != nil || n <= 0 {
		return fmt.Errorf("HERALD_INDEX_ISSUE must be a positive issue number, got %q", c.IndexIssue)
	}

	switch c.Ledger {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("HERALD_DB_PATH is required for the sqlite ledger")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for the redis ledger")
		}
		if c.Instance == "" {
			return fmt.Errorf("HERALD_INSTANCE environment variable is required for the redis ledger")
		}
	default:
		return fmt.Errorf("HERALD_LEDGER must be 'sqlite' or 'redis', got %q", c.Ledger)
	}

	if c.StoreMaxSize <= 0 {
		return fmt.Errorf("HERALD_STORE_MAX_SIZE must be > 0, got %d", c.StoreMaxSize)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("HERALD_POLL_INTERVAL must be > 0, got %s", c.PollInterval)
	}

	if c.RestartDelay < 0 {
		return fmt.Errorf("HERALD_RESTART_DELAY must be >= 0, got %s", c.RestartDelay)
	}

	return nil
}

// RemoteURL resolves a repository setting to a git remote. owner/name is
// hosted under WebURL; URLs and local paths are used as given.
func (c *Config) RemoteURL(repo string) string {
	if strings.Contains(repo, "://") || filepath.IsAbs(repo) {
		return repo
	}
	return strings.TrimSuffix(c.WebURL, "/") + "/" + repo + ".git"
}

// GitCredentials returns the basic-auth pair used for pushes. The access
// token stands in when no password is configured.
func (c *Config) GitCredentials() (username, password string) {
	password = c.BotPassword
	if password == "" {
		password = c.AccessToken
	}
	return c.BotName, password
}
