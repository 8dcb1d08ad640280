// ABOUTME: Gateway orchestrator that wires storage, conversation, replication, and servers
// ABOUTME: Manages the HTTP API, the optional gRPC health server, and ordered shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/recall-gateway/internal/auth"
	"github.com/2389/recall-gateway/internal/config"
	"github.com/2389/recall-gateway/internal/conversation"
	"github.com/2389/recall-gateway/internal/dedupe"
	"github.com/2389/recall-gateway/internal/generation"
	"github.com/2389/recall-gateway/internal/replication"
	"github.com/2389/recall-gateway/internal/store"
)

// Version is reported by /status. Overridden at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// flushTimeout bounds the final replication run when replication.timeout is unset.
const flushTimeout = 30 * time.Second

// Gateway owns every long-lived component of the server.
type Gateway struct {
	config     *config.Config
	backend    store.Backend
	chats      *store.ChatStore
	broker     *conversation.EventBroker
	workers    *conversation.WorkerPool
	scheduler  *replication.Scheduler
	generator  generation.Generator
	service    *conversation.Service
	resolver   auth.Resolver
	acks       *dedupe.Cache[*conversation.AskAck]
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	logger     *slog.Logger

	// serving is true between startServers and Shutdown
	serving atomic.Bool
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	backend    store.Backend
	generator  generation.Generator
	replicator replication.Replicator
	clock      replication.Clock
}

// WithBackend uses b instead of the configured storage backend.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithGenerator uses g instead of the configured provider.
func WithGenerator(g generation.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithReplicator uses r instead of git replication.
func WithReplicator(r replication.Replicator) Option {
	return func(o *options) { o.replicator = r }
}

// WithClock drives the replication debounce from c.
func WithClock(c replication.Clock) Option {
	return func(o *options) { o.clock = c }
}

// initBackend opens the storage backend named by config.
func initBackend(cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return store.NewSQLiteBackend(cfg.Storage.Path, logger)
	case config.BackendMemory:
		logger.Warn("memory backend selected, nothing will survive a restart")
		return store.NewMemoryBackend(), nil
	default:
		return store.NewFileBackend(cfg.Storage.Dir, logger)
	}
}

// initGenerator creates the reply generator named by config.
func initGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (generation.Generator, error) {
	if cfg.Generation.Provider == config.ProviderGemini {
		g, err := generation.NewGeminiGenerator(ctx, cfg.Generation.APIKey, cfg.Generation.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("creating gemini generator: %w", err)
		}
		return g, nil
	}
	logger.Warn("echo generator selected, replies will not come from a model")
	return generation.EchoGenerator{}, nil
}

// initReplicator returns the git replicator when replication is enabled.
func initReplicator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (replication.Replicator, error) {
	if !cfg.Replication.Enabled {
		return replication.NoopReplicator{}, nil
	}
	git := replication.NewGitReplicator(replication.GitConfig{
		Dir:     cfg.ReplicationDir(),
		Remote:  cfg.Replication.Remote,
		Branch:  cfg.Replication.Branch,
		Message: cfg.Replication.CommitMessage,
		Timeout: cfg.Replication.Timeout,
	}, nil, logger)
	if err := git.EnsureRepo(ctx); err != nil {
		return nil, fmt.Errorf("preparing replication repo: %w", err)
	}
	logger.Info("git replication enabled",
		"dir", cfg.ReplicationDir(),
		"remote", cfg.Replication.Remote,
		"debounce", cfg.Replication.Debounce)
	return git, nil
}

// initResolver picks JWT auth when a secret is configured.
func initResolver(cfg *config.Config, logger *slog.Logger) auth.Resolver {
	if cfg.Auth.JWTSecret != "" {
		logger.Info("HTTP auth middleware enabled")
		return auth.NewJWTResolver(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
	}
	logger.Warn("auth disabled - no jwt_secret configured", "default_user", cfg.Auth.DefaultUser)
	return auth.StaticResolver{UserID: cfg.Auth.DefaultUser}
}

// newGRPCServer creates the gRPC server exposing the standard health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(keepaliveOptions()...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New builds a gateway from cfg. Components are created bottom-up so the
// store observer is in place before any request is served.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = replication.RealClock{}
	}

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = initBackend(cfg, logger); err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	generator := o.generator
	if generator == nil {
		var err error
		if generator, err = initGenerator(ctx, cfg, logger); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	replicator := o.replicator
	if replicator == nil {
		var err error
		if replicator, err = initReplicator(ctx, cfg, logger); err != nil {
			_ = backend.Close()
			_ = closeGenerator(generator)
			return nil, err
		}
	}

	chats := store.NewChatStore(backend, logger)
	if removed, err := chats.Repair(ctx); err != nil {
		logger.Warn("startup repair failed", "error", err)
	} else if removed > 0 {
		logger.Info("startup repair removed orphaned chats", "count", removed)
	}

	broker := conversation.NewEventBroker(cfg.Events.MaxBacklog, logger)
	workers := conversation.NewWorkerPool(cfg.Worker.MaxWorkers, cfg.Worker.QueueSize, logger)
	scheduler := replication.NewScheduler(replicator, cfg.Replication.Debounce, o.clock, logger)

	service := conversation.New(chats, broker, generator, workers, scheduler, logger)
	chats.SetObserver(service)

	gw := &Gateway{
		config:    cfg,
		backend:   backend,
		chats:     chats,
		broker:    broker,
		workers:   workers,
		scheduler: scheduler,
		generator: generator,
		service:   service,
		resolver:  initResolver(cfg, logger),
		acks:      dedupe.New[*conversation.AskAck](cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries),
		logger:    logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Service exposes the conversation service, mainly for tests and tooling.
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)
	g.serving.Store(true)

	if grpcLn != nil {
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func closeGenerator(g generation.Generator) error {
	if c, ok := g.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// flushReplication closes the scheduler on its own deadline. A slow worker
// drain may have used up ctx, and the final run must still happen.
func (g *Gateway) flushReplication(ctx context.Context) error {
	timeout := g.config.Replication.Timeout
	if timeout <= 0 {
		timeout = flushTimeout
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return g.scheduler.Close(flushCtx)
}

// Shutdown stops the servers, lets queued replies finish, flushes a pending
// replication, and releases storage. Live event streams end first so the
// HTTP server can drain.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.serving.Store(false)

	var errs []error
	g.broker.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "worker drain", g.workers.Close(ctx))
	errs = appendCloseError(errs, "replication flush", g.flushReplication(ctx))
	errs = appendCloseError(errs, "generator close", closeGenerator(g.generator))
	g.acks.Close()
	errs = appendCloseError(errs, "store close", g.backend.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
