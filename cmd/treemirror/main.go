// Command treemirror serves a live mirror of a storage backend's directory
// tree.
//
// Usage:
//
//	treemirror [serve]                run the HTTP server
//	treemirror token <subject> [ttl]  print a signed bearer token
//	treemirror tree                   walk the backend once and print the tree
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treemirror/internal/api"
	"github.com/fruitsalade/treemirror/internal/auth"
	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/backend/factory"
	"github.com/fruitsalade/treemirror/internal/config"
	"github.com/fruitsalade/treemirror/internal/events"
	"github.com/fruitsalade/treemirror/internal/logging"
	"github.com/fruitsalade/treemirror/internal/metrics"
	"github.com/fruitsalade/treemirror/internal/mirror"
	"github.com/fruitsalade/treemirror/internal/retry"
	"github.com/fruitsalade/treemirror/internal/tracing"
	"github.com/fruitsalade/treemirror/pkg/tree"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	switch cmd {
	case "serve":
		serve(cfg)
	case "token":
		if err := printToken(cfg, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "tree":
		if err := printTree(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, token or tree)\n", cmd)
		os.Exit(2)
	}
}

// openBackend builds the configured backend, retrying while the storage
// service is unreachable.
func openBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	raw, err := cfg.BackendConfig()
	if err != nil {
		return nil, err
	}
	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Warn("storage backend not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return retry.Do(ctx, rc, func(ctx context.Context) (backend.Backend, error) {
		return factory.New(ctx, cfg.StorageBackend, raw)
	})
}

func serve(cfg *config.Config) {
	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("treemirror starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.TracingExporter)
	if err != nil {
		logging.Fatal("tracing init failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	store, err := openBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster()
	m := mirror.New(store, mirror.Options{
		Interval: cfg.RefreshInterval(),
		OnError:  broadcaster.PublishError,
	})
	defer m.Close()

	if err := m.Refresh(ctx); err != nil {
		logging.Warn("initial walk failed; serving an empty tree until the next refresh", zap.Error(err))
	} else {
		logging.Info("initial walk complete", zap.Uint64("generation", m.Snapshot().Generation))
	}

	// The broadcaster holds the mirror's subscription, which keeps the
	// refresh timer running for the lifetime of the server.
	detach := broadcaster.Attach(m)
	defer detach()

	guard := auth.New(cfg.JWTSecret)
	if !guard.Enabled() {
		logging.Warn("JWT_SECRET not set; mutation routes are unauthenticated")
	}
	srv := api.NewServer(m, broadcaster, guard, cfg.MutationsPerMinute)

	// Start metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Request contexts derive from ctx so stream handlers end on shutdown.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: treemirror token <subject> [ttl]")
	}
	var ttl time.Duration
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[1], err)
		}
		ttl = d
	}

	token, expires, err := auth.New(cfg.JWTSecret).IssueToken(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "expires:", expires.Format(time.RFC3339))
	return nil
}

func printTree(cfg *config.Config) error {
	if err := logging.Init(logging.Config{Level: "warn", Format: cfg.LogFormat}); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := mirror.NewEngine(store, logging.Named("tree"))
	snap, err := engine.Walk(ctx)
	if err != nil {
		return err
	}
	return tree.Print(os.Stdout, snap.Root)
}
