// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlindex/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLINDEX_DB_DSN.
const EnvPrefix = "CRAWLINDEX"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Policies PoliciesConfig `mapstructure:"policies"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  logging.Config `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig protects the /v1 API. An empty key disables the check.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// CrawlerConfig governs workers, pacing and fetch limits.
type CrawlerConfig struct {
	Workers        int           `mapstructure:"workers"`
	UserAgent      string        `mapstructure:"user_agent"`
	Delay          time.Duration `mapstructure:"delay"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	MaxFileSize    int64         `mapstructure:"max_file_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CrashRetry     int           `mapstructure:"crash_retry"`
	CrashCooldown  time.Duration `mapstructure:"crash_cooldown"`
	IdlePoll       time.Duration `mapstructure:"idle_poll"`
	IgnoreRobots   bool          `mapstructure:"ignore_robots"`
	SaveRetries    int           `mapstructure:"save_retries"`
	LangMinChars   int           `mapstructure:"lang_min_chars"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ExecPath    string        `mapstructure:"exec_path"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	Settle      time.Duration `mapstructure:"settle"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// PoliciesConfig points at the YAML rule file. Inline holds the same YAML
// document for deployments without a mounted file.
type PoliciesConfig struct {
	Path   string `mapstructure:"path"`
	Inline string `mapstructure:"inline"`
}

// DBConfig selects the document store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where page snapshots go.
type StorageConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the change-event destination. An empty project
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig enables OpenTelemetry spans.
type TracingConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from defaults, the optional file at path and the
// environment, in increasing precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "crawlindex/1.0")
	v.SetDefault("crawler.delay", "5s")
	v.SetDefault("crawler.max_redirects", 10)
	v.SetDefault("crawler.max_file_size", 10*1024*1024)
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.crash_retry", 1)
	v.SetDefault("crawler.crash_cooldown", "2s")
	v.SetDefault("crawler.idle_poll", "5s")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.save_retries", 3)
	v.SetDefault("crawler.lang_min_chars", 20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.settle", "1s")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("policies.path", "")
	v.SetDefault("policies.inline", "")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", false)
	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "documents")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.MaxRedirects <= 0 {
		return fmt.Errorf("crawler.max_redirects must be > 0")
	}
	if c.Crawler.MaxFileSize <= 0 {
		return fmt.Errorf("crawler.max_file_size must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.CrashRetry < 0 {
		return fmt.Errorf("crawler.crash_retry must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Policies.Path != "" && c.Policies.Inline != "" {
		return fmt.Errorf("policies.path and policies.inline are mutually exclusive")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	switch c.Storage.Driver {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local driver")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("storage.driver must be none, memory, local or gcs, got %q", c.Storage.Driver)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required when pubsub.project_id is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Workers reports how many scheduler workers to start. With headless
// fetching enabled the pool is capped at headless.max_parallel, since every
// worker may own a browser.
func (c Config) Workers() int {
	if c.Headless.Enabled && c.Headless.MaxParallel < c.Crawler.Workers {
		return c.Headless.MaxParallel
	}
	return c.Crawler.Workers
}
