// ABOUTME: Configuration loading and parsing for recall-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion, and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete recall-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Generation  GenerationConfig  `yaml:"generation" toml:"generation"`
	Replication ReplicationConfig `yaml:"replication" toml:"replication"`
	Events      EventsConfig      `yaml:"events" toml:"events"`
	Worker      WorkerConfig      `yaml:"worker" toml:"worker"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service when set
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// Storage backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Dir     string `yaml:"dir" toml:"dir"`   // file backend root
	Path    string `yaml:"path" toml:"path"` // sqlite database file
}

// AuthConfig holds authentication configuration. An empty JWTSecret serves
// every request as DefaultUser.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
	DefaultUser string `yaml:"default_user" toml:"default_user"`
}

// Generation providers
const (
	ProviderGemini = "gemini"
	ProviderEcho   = "echo"
)

// GenerationConfig selects the reply generator
type GenerationConfig struct {
	Provider string `yaml:"provider" toml:"provider"`
	APIKey   string `yaml:"api_key" toml:"api_key"`
	Model    string `yaml:"model" toml:"model"`
}

// ReplicationConfig controls pushing persisted state to a git remote
type ReplicationConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RepoDir       string `yaml:"repo_dir" toml:"repo_dir"`
	Remote        string `yaml:"remote" toml:"remote"`
	Branch        string `yaml:"branch" toml:"branch"`
	CommitMessage string `yaml:"commit_message" toml:"commit_message"`

	Debounce time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DebounceRaw string `yaml:"debounce" toml:"debounce"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// EventsConfig holds live event stream configuration
type EventsConfig struct {
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	MaxBacklog        int           `yaml:"max_backlog" toml:"max_backlog"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// WorkerConfig sizes the background generation pool
type WorkerConfig struct {
	MaxWorkers int `yaml:"max_workers" toml:"max_workers"`
	QueueSize  int `yaml:"queue_size" toml:"queue_size"`
}

// IdempotencyConfig sizes the Idempotency-Key cache
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    ":3000",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			Dir:     filepath.Join("memory", "users"),
			Path:    filepath.Join("memory", "recall.db"),
		},
		Auth: AuthConfig{
			DefaultUser: "default_user",
		},
		Generation: GenerationConfig{
			Provider: ProviderEcho,
			Model:    "gemini-2.0-flash",
		},
		Replication: ReplicationConfig{
			Remote:        "origin",
			Branch:        "main",
			CommitMessage: "Auto-update memory",
			Debounce:      5 * time.Second,
			Timeout:       time.Minute,
		},
		Events: EventsConfig{
			KeepaliveInterval: 15 * time.Second,
			MaxBacklog:        1024,
		},
		Worker: WorkerConfig{
			MaxWorkers: 4,
			QueueSize:  64,
		},
		Idempotency: IdempotencyConfig{
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: $RECALL_CONFIG, otherwise
// $XDG_CONFIG_HOME/recall/gateway.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("RECALL_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "recall", "gateway.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "recall", "gateway.yaml")
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored. With no arguments it loads ./.env.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Resolve loads the file at path if it exists and otherwise builds the
// configuration from Default and the environment.
func Resolve(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}
	return FromEnv()
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns Default with the legacy environment overrides applied:
// PORT, JWT_SECRET, GEMINI_API_KEY, MODEL_NAME and MEMORY_DIR.
func FromEnv() (*Config, error) {
	cfg := Default()

	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("PORT %q is not a number", port)
		}
		cfg.Server.HTTPAddr = ":" + port
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Generation.APIKey = key
		cfg.Generation.Provider = ProviderGemini
	}
	if model := os.Getenv("MODEL_NAME"); model != "" {
		cfg.Generation.Model = model
	}
	if dir := os.Getenv("MEMORY_DIR"); dir != "" {
		cfg.Storage.Dir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q must be one of file, sqlite, memory", c.Storage.Backend)
	}

	switch c.Generation.Provider {
	case ProviderGemini:
		if c.Generation.APIKey == "" {
			return fmt.Errorf("generation.api_key is required for the gemini provider")
		}
	case ProviderEcho:
	default:
		return fmt.Errorf("generation.provider %q must be gemini or echo", c.Generation.Provider)
	}

	if c.Replication.Enabled {
		if c.Replication.RepoDir == "" && c.Storage.Backend != BackendFile {
			return fmt.Errorf("replication.repo_dir is required unless the file backend is used")
		}
		if c.Replication.Debounce <= 0 {
			return fmt.Errorf("replication.debounce must be positive")
		}
	}

	if c.Events.KeepaliveInterval <= 0 {
		return fmt.Errorf("events.keepalive_interval must be positive")
	}
	if c.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("worker.max_workers must be positive")
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.queue_size must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// ReplicationDir is the directory replication commits: repo_dir, or the
// file backend's root.
func (c *Config) ReplicationDir() string {
	if c.Replication.RepoDir != "" {
		return c.Replication.RepoDir
	}
	return c.Storage.Dir
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"replication.debounce", cfg.Replication.DebounceRaw, &cfg.Replication.Debounce},
		{"replication.timeout", cfg.Replication.TimeoutRaw, &cfg.Replication.Timeout},
		{"events.keepalive_interval", cfg.Events.KeepaliveIntervalRaw, &cfg.Events.KeepaliveInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// SampleYAML is written by the init subcommand.
const SampleYAML = `# recall-gateway configuration
server:
  http_addr: ":3000"
  # grpc_addr: ":50051"   # optional gRPC health endpoint
  cors_origins: ["*"]

storage:
  backend: file           # file | sqlite | memory
  dir: ./memory/users
  path: ./memory/recall.db

auth:
  jwt_secret: "${JWT_SECRET}"   # empty disables auth
  default_user: default_user

generation:
  provider: gemini        # gemini | echo
  api_key: "${GEMINI_API_KEY}"
  model: gemini-2.0-flash

replication:
  enabled: false
  debounce: 5s
  remote: origin
  branch: main
  commit_message: Auto-update memory
  timeout: 1m

events:
  keepalive_interval: 15s
  max_backlog: 1024

worker:
  max_workers: 4
  queue_size: 64

idempotency:
  ttl: 10m
  max_entries: 10000

logging:
  level: info
  format: text
`
