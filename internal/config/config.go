// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. JOBINTAKE_LLM_API_KEY.
const EnvPrefix = "JOBINTAKE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LLMConfig selects and tunes the field extraction model.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// FetchConfig configures the three fetch tiers.
type FetchConfig struct {
	UserAgent           string        `mapstructure:"user_agent"`
	DirectTimeout       time.Duration `mapstructure:"direct_timeout"`
	HeadlessEnabled     bool          `mapstructure:"headless_enabled"`
	HeadlessExecPath    string        `mapstructure:"headless_exec_path"`
	HeadlessTimeout     time.Duration `mapstructure:"headless_timeout"`
	HeadlessIdleTimeout time.Duration `mapstructure:"headless_idle_timeout"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	ProxyAPIKey         string        `mapstructure:"proxy_api_key"`
	ProxyEndpoint       string        `mapstructure:"proxy_endpoint"`
	ProxyTimeout        time.Duration `mapstructure:"proxy_timeout"`
	ProxyRPS            float64       `mapstructure:"proxy_rps"`
	MinContent          int           `mapstructure:"min_content"`
}

// PipelineConfig bounds pipeline inputs.
type PipelineConfig struct {
	MaxRawText int `mapstructure:"max_raw_text"`
}

// WorkerConfig governs the task orchestrator.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend            string `mapstructure:"backend"`
	Depth              int    `mapstructure:"depth"`
	RedisURL           string `mapstructure:"redis_url"`
	RedisKey           string `mapstructure:"redis_key"`
	PubSubProject      string `mapstructure:"pubsub_project"`
	PubSubTopic        string `mapstructure:"pubsub_topic"`
	PubSubSubscription string `mapstructure:"pubsub_subscription"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig selects where raw captures are archived.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig selects the zap preset and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding the real environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, an optional file and the environment.
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.max_input_chars", 15000)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetch.direct_timeout", 30*time.Second)
	v.SetDefault("fetch.headless_enabled", true)
	v.SetDefault("fetch.headless_exec_path", "")
	v.SetDefault("fetch.headless_timeout", 45*time.Second)
	v.SetDefault("fetch.headless_idle_timeout", 30*time.Second)
	v.SetDefault("fetch.headless_max_parallel", 2)
	v.SetDefault("fetch.proxy_api_key", "")
	v.SetDefault("fetch.proxy_endpoint", "https://app.scrapingbee.com/api/v1/")
	v.SetDefault("fetch.proxy_timeout", 60*time.Second)
	v.SetDefault("fetch.proxy_rps", 1.0)
	v.SetDefault("fetch.min_content", 500)
	v.SetDefault("pipeline.max_raw_text", 50000)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.backoff_base", 60*time.Second)
	v.SetDefault("worker.backoff_max", 10*time.Minute)
	v.SetDefault("worker.task_timeout", 300*time.Second)
	v.SetDefault("worker.stale_after", 15*time.Minute)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.redis_key", "jobintake:tasks")
	v.SetDefault("queue.pubsub_project", "")
	v.SetDefault("queue.pubsub_topic", "")
	v.SetDefault("queue.pubsub_subscription", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local_dir", "./captures")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("telemetry.service_name", "jobintake")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be > 0")
	}
	if c.Fetch.DirectTimeout <= 0 {
		return fmt.Errorf("fetch.direct_timeout must be > 0")
	}
	if c.Fetch.HeadlessEnabled && c.Fetch.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("fetch.headless_max_parallel must be > 0 when headless is enabled")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("llm.provider must be gemini or openai, got %q", c.LLM.Provider)
	}
	switch c.Queue.Backend {
	case "memory", "redis", "pubsub":
	default:
		return fmt.Errorf("queue.backend must be memory, redis or pubsub, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url must be set for the redis backend")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequireLLM reports an error when no model credentials are configured.
// Processes that run the pipeline call it; migrate does not.
func (c Config) RequireLLM() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set %s_LLM_API_KEY)", EnvPrefix)
	}
	return nil
}
