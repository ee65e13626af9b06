package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-1.5-flash" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.LLM.Timeout != 60*time.Second || cfg.LLM.MaxInputChars != 15000 {
		t.Fatalf("unexpected llm limits: %+v", cfg.LLM)
	}
	if cfg.Worker.TaskTimeout != 300*time.Second || cfg.Worker.StaleAfter != 15*time.Minute {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Fetch.MinContent != 500 || !cfg.Fetch.HeadlessEnabled {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.RedisKey != "jobintake:tasks" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Storage.LocalDir != "./captures" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if err := cfg.RequireLLM(); err == nil {
		t.Fatal("expected RequireLLM to fail without an api key")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
llm:
  provider: openai
  api_key: sk-test
  base_url: http://localhost:11434/v1
  model: llama3
  timeout: 20s
fetch:
  headless_enabled: false
  proxy_api_key: bee
  proxy_rps: 0.5
worker:
  concurrency: 6
  backoff_base: 30s
queue:
  backend: redis
  redis_url: redis://localhost:6379/0
storage:
  backend: gcs
  bucket: captures
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Timeout != 20*time.Second || cfg.LLM.BaseURL == "" {
		t.Fatalf("expected llm overrides to apply: %+v", cfg.LLM)
	}
	if cfg.Fetch.HeadlessEnabled || cfg.Fetch.ProxyRPS != 0.5 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.BackoffBase != 30*time.Second {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Queue.Backend != "redis" || cfg.Storage.Bucket != "captures" || !cfg.Logging.Development {
		t.Fatalf("expected backend overrides to apply: %+v %+v", cfg.Queue, cfg.Storage)
	}
	if err := cfg.RequireLLM(); err != nil {
		t.Fatalf("RequireLLM() error = %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JOBINTAKE_LLM_API_KEY", "from-env")
	t.Setenv("JOBINTAKE_WORKER_CONCURRENCY", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "from-env" || cfg.Worker.Concurrency != 9 {
		t.Fatalf("expected env overrides, got key=%q concurrency=%d", cfg.LLM.APIKey, cfg.Worker.Concurrency)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JOBINTAKE_SERVER_PORT=7070\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("JOBINTAKE_SERVER_PORT") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port from .env, got %d", cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "negative retries", mutate: func(c *Config) { c.Worker.MaxRetries = -1 }, want: "worker.max_retries"},
		{name: "invalid timeout", mutate: func(c *Config) { c.Fetch.DirectTimeout = 0 }, want: "fetch.direct_timeout"},
		{
			name:   "headless missing max parallel",
			mutate: func(c *Config) { c.Fetch.HeadlessMaxParallel = 0 },
			want:   "fetch.headless_max_parallel",
		},
		{name: "bad provider", mutate: func(c *Config) { c.LLM.Provider = "claude" }, want: "llm.provider"},
		{name: "bad temperature", mutate: func(c *Config) { c.LLM.Temperature = 3 }, want: "llm.temperature"},
		{name: "bad queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{name: "redis without url", mutate: func(c *Config) { c.Queue.Backend = "redis" }, want: "queue.redis_url"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "bad storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}
