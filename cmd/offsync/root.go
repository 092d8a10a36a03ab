package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/api"
	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/network"
	"github.com/hyperengineering/offsync/internal/pipeline"
	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/transport"
	"github.com/hyperengineering/offsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "offsync - offline mutation agent",
	Long: "offsync accepts entity mutations over HTTP, forwards them to a GraphQL backend " +
		"while it is reachable, and queues them durably while it is not.",
	SilenceUsage: true,
	RunE:         run,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent (default)",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	kv, err := store.Open(cfg.Storage)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Storage.Driver)

	resolver, err := newResolver(cfg.Conflict, logger)
	if err != nil {
		kv.Close()
		return err
	}

	base := basestate.New(kv, logger)
	q := queue.New(kv, base, queue.Options{Squash: cfg.Queue.Squash, Logger: logger})
	entities := cache.New()
	sender := transport.NewHTTPSender(cfg.Transport.Endpoint, cfg.Transport.AuthToken,
		time.Duration(cfg.Transport.Timeout))
	p := pipeline.New(pipeline.Config{
		Sender:        sender,
		Resolver:      resolver,
		Base:          base,
		Queue:         q,
		Cache:         entities,
		// Offline until the replay coordinator has restored the persisted
		// queue, so new work cannot overtake it.
		InitialOnline: false,
		Logger:        logger,
		Middleware: []pipeline.Middleware{
			pipeline.LoggingMiddleware(logger),
			pipeline.TimeoutMiddleware(time.Duration(cfg.Transport.Timeout)),
		},
	})
	slog.Info("pipeline initialized", "endpoint", cfg.Transport.Endpoint, "squash", cfg.Queue.Squash)

	monitor, monitorRun := newMonitor(cfg, logger)
	slog.Info("network monitor initialized", "mode", cfg.Network.Mode)

	handler := api.NewHandler(p, q, entities, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	if monitorRun != nil {
		startWorker(ctx, &wg, "network-monitor", monitorRun)
	}
	coordinator := worker.NewReplayCoordinator(base, q, p, monitor, time.Duration(cfg.Queue.RetryInterval))
	startWorker(ctx, &wg, "replay-coordinator", coordinator.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error after Shutdown; anything
		// else is a real failure and shuts the agent down.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Workers first, then background drains, so nothing writes to the
	// store after it closes.
	wg.Wait()
	p.Close()

	if err := kv.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete", "queue_length", q.Len())
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newResolver builds the conflict resolver from the configured default and
// per-operation strategies.
func newResolver(cfg config.ConflictConfig, logger *slog.Logger) (*conflict.Resolver, error) {
	def, err := conflict.ByName(strings.ToLower(cfg.Strategy), cfg.NumericFields)
	if err != nil {
		return nil, err
	}
	opts := []conflict.Option{
		conflict.WithStrategy(def),
		conflict.WithIgnoredFields(cfg.IgnoredFields...),
		conflict.WithLogger(logger),
	}
	if cfg.StateField != "" {
		opts = append(opts, conflict.WithState(conflict.VersionedState{Field: cfg.StateField}))
	}
	for op, name := range cfg.Operations {
		s, err := conflict.ByName(strings.ToLower(name), cfg.NumericFields)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op, err)
		}
		opts = append(opts, conflict.WithOperationStrategy(op, s))
	}
	return conflict.New(opts...), nil
}

// newMonitor returns the configured network monitor and, for monitors that
// need one, the loop to run as a worker.
func newMonitor(cfg *config.Config, logger *slog.Logger) (network.Monitor, func(context.Context)) {
	switch cfg.Network.Mode {
	case config.NetworkSocket:
		header := http.Header{}
		if cfg.Transport.AuthToken != "" {
			header.Set("Authorization", "Bearer "+cfg.Transport.AuthToken)
		}
		s := network.NewSocket(cfg.Network.SocketURL, header, network.DefaultSocketSettings(), logger)
		return s, s.Run
	case config.NetworkStatic:
		return network.NewStatic(cfg.Network.InitialOnline), nil
	default:
		check := network.HTTPCheck(cfg.ProbeTarget(), time.Duration(cfg.Network.ProbeTimeout))
		p := network.NewProbe(check, time.Duration(cfg.Network.ProbeInterval), logger)
		return p, p.Run
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
