// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/procurement-enricher/internal/scrape"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Worker      WorkerConfig       `mapstructure:"worker"`
	AI          AIConfig           `mapstructure:"ai"`
	Credentials []CredentialConfig `mapstructure:"credentials"`
	Operations  OperationsConfig   `mapstructure:"operations"`
	Location    LocationConfig     `mapstructure:"location"`
	Scraper     ScraperConfig      `mapstructure:"scraper"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Archive     ArchiveConfig      `mapstructure:"archive"`
	PubSub      PubSubConfig       `mapstructure:"pubsub"`
	Stream      StreamConfig       `mapstructure:"stream"`
	Progress    ProgressConfig     `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines the optional API key toggle.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the worker pool and the AI call budget.
type WorkerConfig struct {
	PoolSize         int     `mapstructure:"pool_size"`
	QueueDepth       int     `mapstructure:"queue_depth"`
	MaxFailovers     int     `mapstructure:"max_failovers"`
	TransientRetries int     `mapstructure:"transient_retries"`
	AIRPS            float64 `mapstructure:"ai_rps"`
	AIBurst          int     `mapstructure:"ai_burst"`
	DefaultLimit     int     `mapstructure:"default_limit"`
}

// AIConfig configures the Gemini generator.
type AIConfig struct {
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
	QuotaWait   time.Duration `mapstructure:"quota_wait"`
}

// CredentialConfig seeds one pool entry at startup.
type CredentialConfig struct {
	Alias    string `mapstructure:"alias"`
	Provider string `mapstructure:"provider"`
	Secret   string `mapstructure:"secret"`
	Active   *bool  `mapstructure:"active"`
}

// OperationsConfig governs operation history and maintenance.
type OperationsConfig struct {
	LogLimit    int           `mapstructure:"log_limit"`
	Retention   time.Duration `mapstructure:"retention"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	ArchiveCron string        `mapstructure:"archive_cron"`
	ReapCron    string        `mapstructure:"reap_cron"`
}

// LocationConfig tunes location inference.
type LocationConfig struct {
	Pass2AI bool `mapstructure:"pass2_ai"`
}

// ScraperConfig points the scrape job at the notice listings.
type ScraperConfig struct {
	UserAgent      string           `mapstructure:"user_agent"`
	BaseURLs       []string         `mapstructure:"base_urls"`
	TimeoutSeconds int              `mapstructure:"timeout_seconds"`
	RespectRobots  bool             `mapstructure:"respect_robots"`
	MaxPages       int              `mapstructure:"max_pages"`
	Retries        int              `mapstructure:"retries"`
	RetryBackoff   time.Duration    `mapstructure:"retry_backoff"`
	HostRPS        float64          `mapstructure:"host_rps"`
	HostBurst      int              `mapstructure:"host_burst"`
	Selectors      scrape.Selectors `mapstructure:"selectors"`
}

// DatabaseConfig controls access to Postgres. An empty DSN keeps records,
// events and usage in memory.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where archived operation snapshots go.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for terminal-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StreamConfig tunes the websocket push transport.
type StreamConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	TerminalWait   time.Duration `mapstructure:"terminal_wait"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// Load builds a Config from disk/environment. With an empty path it looks
// for config.{yaml,json,toml} in the working directory,
// /etc/procurement-enricher and $HOME/.procurement-enricher; finding none
// is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENRICHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud Run injects PORT.
	if err := v.BindEnv("server.port", "ENRICHER_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/procurement-enricher/")
		v.AddConfigPath("$HOME/.procurement-enricher")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.max_failovers", 3)
	v.SetDefault("worker.transient_retries", 3)
	v.SetDefault("worker.ai_rps", 5.0)
	v.SetDefault("worker.ai_burst", 5)
	v.SetDefault("worker.default_limit", 500)
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.quota_wait", "1m")
	v.SetDefault("operations.log_limit", 100)
	v.SetDefault("operations.retention", "168h")
	v.SetDefault("operations.stale_after", "30m")
	v.SetDefault("operations.archive_cron", "@hourly")
	v.SetDefault("operations.reap_cron", "@every 1m")
	v.SetDefault("location.pass2_ai", true)
	v.SetDefault("scraper.user_agent", "procurement-enricher/0.1")
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("scraper.max_pages", 20)
	v.SetDefault("scraper.retries", 2)
	v.SetDefault("scraper.retry_backoff", "500ms")
	v.SetDefault("scraper.host_rps", 2.0)
	v.SetDefault("scraper.host_burst", 1)
	sel := scrape.DefaultSelectors()
	v.SetDefault("scraper.selectors.item", sel.Item)
	v.SetDefault("scraper.selectors.code", sel.Code)
	v.SetDefault("scraper.selectors.entity", sel.Entity)
	v.SetDefault("scraper.selectors.description", sel.Description)
	v.SetDefault("scraper.selectors.year", sel.Year)
	v.SetDefault("scraper.selectors.amount", sel.Amount)
	v.SetDefault("scraper.selectors.object_type", sel.ObjectType)
	v.SetDefault("scraper.selectors.department", sel.Department)
	v.SetDefault("scraper.selectors.province", sel.Province)
	v.SetDefault("scraper.selectors.district", sel.District)
	v.SetDefault("scraper.selectors.next", sel.Next)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.prefix", "operations")
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.subscriber_buffer", 64)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 32)
	v.SetDefault("progress.max_batch_wait", "200ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("progress.terminal_wait", "5s")
	v.SetDefault("progress.log_enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return errors.New("server.auth.api_key must be set when auth is enabled")
	}
	if c.Worker.PoolSize <= 0 {
		return errors.New("worker.pool_size must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return errors.New("worker.queue_depth must be > 0")
	}
	if c.Worker.MaxFailovers <= 0 {
		return errors.New("worker.max_failovers must be > 0")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return errors.New("scraper.timeout_seconds must be > 0")
	}
	if c.Operations.StaleAfter < 0 {
		return errors.New("operations.stale_after must be >= 0")
	}
	switch c.Archive.Backend {
	case "memory", "local":
	case "gcs":
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q must be one of memory, local, gcs", c.Archive.Backend)
	}
	seen := make(map[string]struct{}, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.Alias == "" || cred.Secret == "" {
			return fmt.Errorf("credentials[%d] needs an alias and a secret", i)
		}
		if _, dup := seen[cred.Alias]; dup {
			return fmt.Errorf("credentials[%d]: duplicate alias %q", i, cred.Alias)
		}
		seen[cred.Alias] = struct{}{}
	}
	return nil
}

// ScrapeTimeout converts the scraper timeout into a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}
