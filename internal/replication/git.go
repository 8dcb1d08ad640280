// ABOUTME: Git-backed Replicator that commits and pushes the memory directory
// ABOUTME: Tolerates "nothing to commit" so idle runs are not reported as failures

package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCommitMessage is used when no commit message is configured
const DefaultCommitMessage = "Auto-update memory"

// CommandRunner executes git with args inside dir and returns combined output.
type CommandRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner runs the git binary found on PATH.
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// GitConfig configures a GitReplicator.
type GitConfig struct {
	Dir     string
	Remote  string
	Branch  string
	Message string
	Timeout time.Duration
}

// GitReplicator stages everything under Dir, commits, and pushes.
type GitReplicator struct {
	cfg    GitConfig
	run    CommandRunner
	logger *slog.Logger
}

// NewGitReplicator creates a replicator. A nil runner uses ExecRunner.
func NewGitReplicator(cfg GitConfig, runner CommandRunner, logger *slog.Logger) *GitReplicator {
	if cfg.Message == "" {
		cfg.Message = DefaultCommitMessage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if runner == nil {
		runner = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitReplicator{
		cfg:    cfg,
		run:    runner,
		logger: logger.With("component", "git-replicator"),
	}
}

// EnsureRepo initializes a repository in Dir if there is none.
func (g *GitReplicator) EnsureRepo(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.cfg.Dir, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking repository: %w", err)
	}

	if err := os.MkdirAll(g.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating repository dir: %w", err)
	}
	if out, err := g.run(ctx, g.cfg.Dir, "init"); err != nil {
		return gitError("init", out, err)
	}
	g.logger.Info("initialized repository", "dir", g.cfg.Dir)
	return nil
}

// Replicate runs add, commit and push. An empty commit is not an error.
func (g *GitReplicator) Replicate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if out, err := g.run(ctx, g.cfg.Dir, "add", "-A"); err != nil {
		return gitError("add", out, err)
	}

	out, err := g.run(ctx, g.cfg.Dir, "commit", "-m", g.cfg.Message)
	if err != nil {
		if !nothingToCommit(out) {
			return gitError("commit", out, err)
		}
		g.logger.Debug("nothing to commit")
	}

	if g.cfg.Remote == "" {
		return nil
	}

	args := []string{"push", g.cfg.Remote}
	if g.cfg.Branch != "" {
		args = append(args, g.cfg.Branch)
	}
	if out, err := g.run(ctx, g.cfg.Dir, args...); err != nil {
		return gitError("push", out, err)
	}

	g.logger.Info("memory replicated", "remote", g.cfg.Remote)
	return nil
}

func nothingToCommit(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "nothing to commit") || strings.Contains(s, "nothing added to commit")
}

func gitError(op string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return fmt.Errorf("git %s: %w", op, err)
	}
	return fmt.Errorf("git %s: %w: %s", op, err, msg)
}
