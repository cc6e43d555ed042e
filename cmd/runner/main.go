// Command runner hosts a demonstration echo actor against a Rivet engine.
// It exercises the full runner surface: tunneled HTTP, hibernatable
// WebSockets with persisted metadata, and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rivet-dev/runner-go/internal/config"
	"github.com/rivet-dev/runner-go/internal/fs"
	"github.com/rivet-dev/runner-go/internal/logging"
	"github.com/rivet-dev/runner-go/pkg/hwsstore"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

var (
	flagEndpoint   string
	flagNamespace  string
	flagRunnerName string
	flagRunnerKey  string
	flagTotalSlots uint32
	flagStore      string
)

var rootCmd = &cobra.Command{
	Use:          "runner",
	Short:        "Run an echo actor host against a Rivet engine",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "engine base URL (overrides ENDPOINT)")
	rootCmd.Flags().StringVar(&flagNamespace, "namespace", "", "engine namespace (overrides NAMESPACE)")
	rootCmd.Flags().StringVar(&flagRunnerName, "runner-name", "", "runner name (overrides RUNNER_NAME)")
	rootCmd.Flags().StringVar(&flagRunnerKey, "runner-key", "", "runner key (overrides RUNNER_KEY)")
	rootCmd.Flags().Uint32Var(&flagTotalSlots, "total-slots", 0, "actor slots (overrides TOTAL_SLOTS)")
	rootCmd.Flags().StringVar(&flagStore, "hws-store", "", "hibernation metadata store: memory, sqlite, redis (overrides HWS_STORE)")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()
	applyFlagOverrides(cfg)

	logging.Setup(cfg.SlogLevel())
	slog.InfoContext(ctx, "runner starting", "version", config.Version, "endpoint", cfg.Endpoint, "namespace", cfg.Namespace)

	if cfg.Endpoint == "" {
		return fmt.Errorf("ENDPOINT is required")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "failed to close metadata store", "error", err)
		}
	}()

	host := newEchoHost(store)
	r, err := runner.NewRunner(runner.Options{
		Endpoint:   cfg.Endpoint,
		Namespace:  cfg.Namespace,
		RunnerName: cfg.RunnerName,
		RunnerKey:  cfg.RunnerKey,
		Token:      cfg.Token,
		Version:    config.Version,
		TotalSlots: cfg.TotalSlots,
	}, host)
	if err != nil {
		return err
	}
	host.setRunner(r)

	startLogLevelReload(ctx, cfg)
	go handleSignals(ctx, r)

	return r.Start(ctx)
}

func applyFlagOverrides(cfg *config.Config) {
	if flagEndpoint != "" {
		cfg.Endpoint = flagEndpoint
	}
	if flagNamespace != "" {
		cfg.Namespace = flagNamespace
	}
	if flagRunnerName != "" {
		cfg.RunnerName = flagRunnerName
	}
	if flagRunnerKey != "" {
		cfg.RunnerKey = flagRunnerKey
	}
	if flagTotalSlots > 0 {
		cfg.TotalSlots = flagTotalSlots
	}
	if flagStore != "" {
		cfg.StoreBackend = flagStore
	}
}

func openStore(ctx context.Context, cfg *config.Config) (hwsstore.Store, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return hwsstore.NewMemoryStore(), nil
	case "sqlite":
		return hwsstore.NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("HWS_REDIS_URL is required for the redis store")
		}
		return hwsstore.NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown HWS_STORE backend: %s", cfg.StoreBackend)
	}
}

// startLogLevelReload watches the dotenv file and re-applies LOG_LEVEL on
// change. Watch failures are non-fatal.
func startLogLevelReload(ctx context.Context, cfg *config.Config) {
	if cfg.EnvFile == "" {
		return
	}
	if _, err := os.Stat(cfg.EnvFile); err != nil {
		return
	}

	watcher, err := fs.NewWatcher(cfg.EnvFile, fs.WatcherOptions{
		OnChange: func(ctx context.Context) {
			values, err := godotenv.Read(cfg.EnvFile)
			if err != nil {
				slog.WarnContext(ctx, "failed to re-read env file", "path", cfg.EnvFile, "error", err)
				return
			}
			level := values["LOG_LEVEL"]
			if level == "" || level == cfg.LogLevel {
				return
			}
			cfg.LogLevel = level
			logging.SetLevel(cfg.SlogLevel())
			slog.InfoContext(ctx, "log level updated", "level", level)
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to create env watcher", "error", err)
		return
	}
	if err := watcher.Start(ctx); err != nil {
		slog.WarnContext(ctx, "failed to start env watcher", "error", err)
	}
}

// handleSignals shuts down gracefully on the first signal and immediately
// on the second.
func handleSignals(ctx context.Context, r *runner.Runner) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	slog.InfoContext(ctx, "received signal, shutting down gracefully (send again to force)")
	go func() {
		<-sigCh
		slog.WarnContext(ctx, "received second signal, shutting down immediately")
		_ = r.Shutdown(ctx, true)
		os.Exit(1)
	}()
	_ = r.Shutdown(ctx, false)
}
