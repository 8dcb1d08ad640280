// ABOUTME: Entry point for recall-gateway, a chat server with long-term memory
// ABOUTME: Provides serve, init, health, and token subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/recall-gateway/internal/auth"
	"github.com/2389/recall-gateway/internal/config"
	"github.com/2389/recall-gateway/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
                    _ _
 _ __ ___  ___ __ _| | |
| '__/ _ \/ __/ _' | | |
| | |  __/ (_| (_| | | |
|_|  \___|\___\__,_|_|_|
`

const usage = `Usage: recall-gateway <command> [flags]

Commands:
  serve  [--config PATH]                 Start the gateway server
  init   [--config PATH] [--force]       Write a sample config file
  health [--config PATH]                 Check gateway health
  token  --user ID [--expires 24h]       Mint a development JWT
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway.Version = version

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args, os.Stdout)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads "--name value" and "--name=value" pairs. Names listed in
// boolFlags take no value.
func parseFlags(args []string, boolFlags ...string) (map[string]string, error) {
	isBool := make(map[string]bool, len(boolFlags))
	for _, b := range boolFlags {
		isBool[b] = true
	}

	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name := strings.TrimPrefix(arg, "--")
		if key, val, ok := strings.Cut(name, "="); ok {
			flags[key] = val
			continue
		}
		if isBool[name] {
			flags[name] = "true"
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("--%s requires a value", name)
		}
		flags[name] = args[i+1]
		i++
	}
	return flags, nil
}

// loadConfig loads .env, then the config file named by --config or the
// default location, falling back to defaults plus environment.
func loadConfig(flags map[string]string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	path := flags["config"]
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if _, statErr := os.Stat(configPath); statErr == nil {
		fmt.Printf("Config:      %s\n", configPath)
	} else {
		fmt.Printf("Config:      ")
		gray.Println("(defaults + environment)")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC health: %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Storage:     %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Generation:  %s", cfg.Generation.Provider)
	if cfg.Generation.Provider == config.ProviderEcho {
		yellow.Print(" [offline]")
	}
	fmt.Println()
	if cfg.Replication.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Replication: %s -> %s/%s\n", cfg.ReplicationDir(), cfg.Replication.Remote, cfg.Replication.Branch)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Printf("Auth disabled, all requests act as %s\n", cfg.Auth.DefaultUser)
	}
	fmt.Println()

	logger.Info("starting recall-gateway",
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"backend", cfg.Storage.Backend,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes the sample config to --config or the default path.
func runInit(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "force")
	if err != nil {
		return err
	}

	path := flags["config"]
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil && flags["force"] != "true" {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.SampleYAML), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "Wrote %s\n", path)
	fmt.Fprintln(out, "Set GEMINI_API_KEY and JWT_SECRET (or edit the file), then run: recall-gateway serve")
	return nil
}

// healthURL turns a listen address like ":3000" into a dialable URL.
func healthURL(httpAddr string) string {
	if strings.HasPrefix(httpAddr, ":") {
		httpAddr = "localhost" + httpAddr
	}
	return fmt.Sprintf("http://%s/health", httpAddr)
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg.Server.HTTPAddr), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	if cfg.Server.GRPCAddr != "" {
		if err := gateway.CheckGRPCHealth(ctx, cfg.Server.GRPCAddr); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "healthy")
	return nil
}

// runToken mints a JWT signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	userID := strings.TrimSpace(flags["user"])
	if userID == "" {
		return errors.New("--user flag is required")
	}

	expires := 24 * time.Hour
	if raw := flags["expires"]; raw != "" {
		if expires, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("parsing --expires: %w", err)
		}
	}

	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("no jwt secret configured (set JWT_SECRET or auth.jwt_secret)")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(userID, expires)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(w, level))
}
