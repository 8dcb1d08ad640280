// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, env overrides, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  cors_origins: ["https://app.example.com"]

storage:
  backend: sqlite
  path: "./test.db"

auth:
  jwt_secret: "s3cret"

generation:
  provider: gemini
  api_key: "key-123"
  model: "gemini-1.5-pro"

replication:
  enabled: true
  repo_dir: "./memory"
  debounce: "2s"
  timeout: "30s"

events:
  keepalive_interval: "20s"
  max_backlog: 16

worker:
  max_workers: 8
  queue_size: 100

idempotency:
  ttl: "1m"
  max_entries: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.Path != "./test.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Generation.Model != "gemini-1.5-pro" {
		t.Errorf("Generation.Model = %q", cfg.Generation.Model)
	}
	if cfg.Replication.Debounce != 2*time.Second {
		t.Errorf("Replication.Debounce = %v, want %v", cfg.Replication.Debounce, 2*time.Second)
	}
	if cfg.Replication.Timeout != 30*time.Second {
		t.Errorf("Replication.Timeout = %v, want %v", cfg.Replication.Timeout, 30*time.Second)
	}
	if cfg.Events.KeepaliveInterval != 20*time.Second {
		t.Errorf("Events.KeepaliveInterval = %v, want %v", cfg.Events.KeepaliveInterval, 20*time.Second)
	}
	if cfg.Events.MaxBacklog != 16 {
		t.Errorf("Events.MaxBacklog = %d, want 16", cfg.Events.MaxBacklog)
	}
	if cfg.Worker.MaxWorkers != 8 || cfg.Worker.QueueSize != 100 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Idempotency.TTL != time.Minute || cfg.Idempotency.MaxEntries != 50 {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = ":9000"

[storage]
backend = "memory"

[replication]
debounce = "250ms"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":9000")
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendMemory)
	}
	if cfg.Replication.Debounce != 250*time.Millisecond {
		t.Errorf("Replication.Debounce = %v, want 250ms", cfg.Replication.Debounce)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsFillUnsetFields(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server:\n  http_addr: \":4000\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Storage.Dir != def.Storage.Dir {
		t.Errorf("Storage.Dir = %q, want default %q", cfg.Storage.Dir, def.Storage.Dir)
	}
	if cfg.Events.KeepaliveInterval != 15*time.Second {
		t.Errorf("Events.KeepaliveInterval = %v, want 15s", cfg.Events.KeepaliveInterval)
	}
	if cfg.Auth.DefaultUser != "default_user" {
		t.Errorf("Auth.DefaultUser = %q, want default_user", cfg.Auth.DefaultUser)
	}
	if cfg.Replication.CommitMessage != "Auto-update memory" {
		t.Errorf("Replication.CommitMessage = %q", cfg.Replication.CommitMessage)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RECALL_SECRET", "from-env")
	t.Setenv("TEST_RECALL_KEY", "gem-key")

	path := writeConfig(t, "gateway.yaml", `
auth:
  jwt_secret: "${TEST_RECALL_SECRET}"
generation:
  provider: gemini
  api_key: "${TEST_RECALL_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
	if cfg.Generation.APIKey != "gem-key" {
		t.Errorf("Generation.APIKey = %q, want %q", cfg.Generation.APIKey, "gem-key")
	}
}

func TestExpandEnvVars_UnsetBecomesEmpty(t *testing.T) {
	got := expandEnvVars("a=${TEST_RECALL_DEFINITELY_UNSET}!")
	if got != "a=!" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "a=!")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "events:\n  keepalive_interval: \"soon\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for an invalid duration")
	}
	if !strings.Contains(err.Error(), "events.keepalive_interval") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"file backend without dir", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = BackendSQLite
			c.Storage.Path = ""
		}, "storage.path"},
		{"gemini without key", func(c *Config) { c.Generation.Provider = ProviderGemini }, "generation.api_key"},
		{"unknown provider", func(c *Config) { c.Generation.Provider = "gpt" }, "generation.provider"},
		{"replication without repo on sqlite", func(c *Config) {
			c.Replication.Enabled = true
			c.Storage.Backend = BackendSQLite
		}, "replication.repo_dir"},
		{"zero keepalive", func(c *Config) { c.Events.KeepaliveInterval = 0 }, "events.keepalive_interval"},
		{"zero workers", func(c *Config) { c.Worker.MaxWorkers = 0 }, "worker.max_workers"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "4321")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("MODEL_NAME", "gemini-exp")
	t.Setenv("MEMORY_DIR", "/data/users")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":4321" {
		t.Errorf("Server.HTTPAddr = %q, want :4321", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Generation.Provider != ProviderGemini || cfg.Generation.APIKey != "env-key" {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Generation.Model != "gemini-exp" {
		t.Errorf("Generation.Model = %q", cfg.Generation.Model)
	}
	if cfg.Storage.Dir != "/data/users" {
		t.Errorf("Storage.Dir = %q", cfg.Storage.Dir)
	}
}

func TestFromEnv_BadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if _, err := FromEnv(); err == nil {
		t.Fatal("FromEnv() should reject a non-numeric PORT")
	}
}

func TestResolve_FallsBackToEnv(t *testing.T) {
	t.Setenv("PORT", "5555")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":5555" {
		t.Errorf("Server.HTTPAddr = %q, want :5555", cfg.Server.HTTPAddr)
	}
	if cfg.Generation.Provider != ProviderEcho {
		t.Errorf("Generation.Provider = %q, want echo without a key", cfg.Generation.Provider)
	}
}

func TestResolve_PrefersFile(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server:\n  http_addr: \":7000\"\n")

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":7000" {
		t.Errorf("Server.HTTPAddr = %q, want :7000", cfg.Server.HTTPAddr)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("RECALL_CONFIG", "/etc/recall.yaml")
	if got := DefaultPath(); got != "/etc/recall.yaml" {
		t.Errorf("DefaultPath() = %q, want RECALL_CONFIG", got)
	}

	t.Setenv("RECALL_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "recall", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeConfig(t, ".env", "TEST_RECALL_DOTENV=loaded\n")
	t.Setenv("TEST_RECALL_DOTENV", "")
	os.Unsetenv("TEST_RECALL_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("TEST_RECALL_DOTENV"); got != "loaded" {
		t.Errorf("TEST_RECALL_DOTENV = %q, want loaded", got)
	}
}

func TestSampleYAMLParses(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "sample-key")
	path := writeConfig(t, "gateway.yaml", SampleYAML)

	if _, err := Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
}

func TestReplicationDir(t *testing.T) {
	cfg := Default()
	if cfg.ReplicationDir() != cfg.Storage.Dir {
		t.Errorf("ReplicationDir() = %q, want storage dir", cfg.ReplicationDir())
	}
	cfg.Replication.RepoDir = "/repo"
	if cfg.ReplicationDir() != "/repo" {
		t.Errorf("ReplicationDir() = %q, want /repo", cfg.ReplicationDir())
	}
}
