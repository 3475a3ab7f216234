package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Azure     AzureConfig     `yaml:"azure" mapstructure:"azure"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Sessions  SessionsConfig  `yaml:"sessions" mapstructure:"sessions"`
	Poll      PollConfig      `yaml:"poll" mapstructure:"poll"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB         int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// AuthConfig lists admin credentials as "name:token" entries.
type AuthConfig struct {
	AdminTokens []string `yaml:"admin_tokens" mapstructure:"admin_tokens"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EnrichConfig selects and paces the model provider.
type EnrichConfig struct {
	Provider           string `yaml:"provider" mapstructure:"provider"`
	RequestsPerMinute  int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst              int    `yaml:"burst" mapstructure:"burst"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxTokens          int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// AzureConfig holds Azure OpenAI settings.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	Key        string `yaml:"key" mapstructure:"key"`
	APIVersion string `yaml:"api_version" mapstructure:"api_version"`
	Deployment string `yaml:"deployment" mapstructure:"deployment"`
}

// JobsConfig tunes the job processor.
type JobsConfig struct {
	BatchConcurrency      int `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`
	MaxBatchConcurrency   int `yaml:"max_batch_concurrency" mapstructure:"max_batch_concurrency"`
	FailureThreshold      int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	BatchTimeoutSecs      int `yaml:"batch_timeout_secs" mapstructure:"batch_timeout_secs"`
	MaxDurationMins       int `yaml:"max_duration_mins" mapstructure:"max_duration_mins"`
	RetryMaxAttempts      int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetentionHours        int `yaml:"retention_hours" mapstructure:"retention_hours"`
	PruneIntervalMins     int `yaml:"prune_interval_mins" mapstructure:"prune_interval_mins"`
}

// BatchTimeout returns batch_timeout_secs as a duration.
func (j JobsConfig) BatchTimeout() time.Duration {
	return time.Duration(j.BatchTimeoutSecs) * time.Second
}

// MaxDuration returns max_duration_mins as a duration.
func (j JobsConfig) MaxDuration() time.Duration {
	return time.Duration(j.MaxDurationMins) * time.Minute
}

// Retention returns retention_hours as a duration. Zero disables pruning.
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionHours) * time.Hour
}

// SessionsConfig controls how long validation results are kept.
type SessionsConfig struct {
	TTLHours            int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	CleanupIntervalMins int `yaml:"cleanup_interval_mins" mapstructure:"cleanup_interval_mins"`
}

// TTL returns ttl_hours as a duration.
func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// PollConfig configures the CLI's job watcher.
type PollConfig struct {
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	ServerURL    string `yaml:"server_url" mapstructure:"server_url"`
	Token        string `yaml:"token" mapstructure:"token"`
}

// Interval returns interval_secs as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSecs) * time.Second
}

// Load reads configuration from an optional .env file, config.yaml and the
// environment, in increasing order of precedence over defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "qbank.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("auth.admin_tokens", []string{})
	v.SetDefault("enrich.provider", "anthropic")
	v.SetDefault("enrich.requests_per_minute", 50)
	v.SetDefault("enrich.burst", 5)
	v.SetDefault("enrich.request_timeout_secs", 60)
	v.SetDefault("enrich.max_tokens", 1024)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("azure.endpoint", "")
	v.SetDefault("azure.key", "")
	v.SetDefault("azure.api_version", "2024-06-01")
	v.SetDefault("azure.deployment", "")
	v.SetDefault("jobs.batch_concurrency", 5)
	v.SetDefault("jobs.max_batch_concurrency", 20)
	v.SetDefault("jobs.failure_threshold", 3)
	v.SetDefault("jobs.batch_timeout_secs", 120)
	v.SetDefault("jobs.max_duration_mins", 60)
	v.SetDefault("jobs.retry_max_attempts", 3)
	v.SetDefault("jobs.retry_initial_backoff_ms", 500)
	v.SetDefault("jobs.retry_max_backoff_ms", 10000)
	v.SetDefault("jobs.retention_hours", 168)
	v.SetDefault("jobs.prune_interval_mins", 60)
	v.SetDefault("sessions.ttl_hours", 24)
	v.SetDefault("sessions.cleanup_interval_mins", 30)
	v.SetDefault("poll.interval_secs", 3)
	v.SetDefault("poll.server_url", "http://localhost:8080")
	v.SetDefault("poll.token", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "serve",
// "enrich" (offline processing) or "client".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(s string) { problems = append(problems, s) }

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if len(c.Auth.AdminTokens) == 0 {
			add("auth.admin_tokens is required")
		}
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateEnrich()...)
		problems = append(problems, c.validateJobs()...)
	case "enrich":
		problems = append(problems, c.validateEnrich()...)
		problems = append(problems, c.validateJobs()...)
	case "client":
		if c.Poll.ServerURL == "" {
			add("poll.server_url is required")
		}
		if c.Poll.Token == "" {
			add("poll.token is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []string{"store.sqlite_path is required"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	default:
		return []string{`store.driver must be "sqlite" or "postgres"`}
	}
	return nil
}

func (c *Config) validateEnrich() []string {
	var out []string
	switch c.Enrich.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			out = append(out, "anthropic.key is required")
		}
	case "azure":
		if c.Azure.Endpoint == "" {
			out = append(out, "azure.endpoint is required")
		}
		if c.Azure.Key == "" {
			out = append(out, "azure.key is required")
		}
		if c.Azure.Deployment == "" {
			out = append(out, "azure.deployment is required")
		}
	default:
		out = append(out, `enrich.provider must be "anthropic" or "azure"`)
	}
	if c.Enrich.RequestsPerMinute < 0 {
		out = append(out, "enrich.requests_per_minute must be >= 0")
	}
	return out
}

func (c *Config) validateJobs() []string {
	var out []string
	j := c.Jobs
	if j.MaxBatchConcurrency < 1 || j.MaxBatchConcurrency > 100 {
		out = append(out, "jobs.max_batch_concurrency must be between 1 and 100")
	}
	if j.BatchConcurrency < 1 || j.BatchConcurrency > j.MaxBatchConcurrency {
		out = append(out, "jobs.batch_concurrency must be between 1 and jobs.max_batch_concurrency")
	}
	if j.FailureThreshold < 1 {
		out = append(out, "jobs.failure_threshold must be >= 1")
	}
	if j.BatchTimeoutSecs <= 0 {
		out = append(out, "jobs.batch_timeout_secs must be > 0")
	}
	if j.MaxDurationMins <= 0 {
		out = append(out, "jobs.max_duration_mins must be > 0")
	}
	if j.RetryMaxAttempts < 1 {
		out = append(out, "jobs.retry_max_attempts must be >= 1")
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
