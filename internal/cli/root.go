package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/forgesync/internal/control"
	"github.com/vietddude/forgesync/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "forgesync",
	Short: "Forge sync and enrichment engine",
	Long:  `forgesync keeps a local store of commits and pull requests consistent with a hosted Git forge, from push webhooks and paginated bulk queries.`,
	Run:   runEngine,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync engine and the webhook server",
	Run:   runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// setup loads the configuration and installs the logger.
func setup() (*config.AppConfig, func()) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	closer := control.InitLogging(cfg.Logging, isDebug)
	return cfg, func() { _ = closer.Close() }
}

// newEngine builds an engine or exits.
func newEngine(ctx context.Context, cfg *config.AppConfig) *control.Engine {
	engine, err := control.NewEngine(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}
	return engine
}

func runEngine(cmd *cobra.Command, args []string) {
	cfg, cleanup := setup()
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newEngine(ctx, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	slog.Info("forgesync started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("forgesync stopped gracefully")
}
