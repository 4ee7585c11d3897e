package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/events"
	"github.com/tears-mysthrala/Oroitz/internal/observability"
	"github.com/tears-mysthrala/Oroitz/internal/session"
	"github.com/tears-mysthrala/Oroitz/internal/store"
	"github.com/tears-mysthrala/Oroitz/internal/workflow"
)

// Global flags
var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "oroitz",
	Short: "Oroitz - memory forensics workflow orchestrator",
	Long: `Oroitz orchestrates multi-step forensic analysis workflows against
memory images. It invokes an external analysis tool per step, retries
transient failures with backoff, falls back to deterministic mock data
when the tool is unavailable, validates and normalizes the output, and
caches per-step results keyed by image, arguments, and tool version.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default $HOME/.oroitz/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(cacheCmd)
}

// app bundles the wired components a command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.DefaultEventBus
	registry *workflow.Registry
	db       *store.DB
	dao      *store.SessionDAO
	orch     *session.Orchestrator

	shutdownTracing func(context.Context) error
}

// newApp loads configuration and wires the orchestration core.
func newApp(ctx context.Context, overrides ...config.Override) (*app, error) {
	path := configFile
	if path == "" {
		path = filepath.Join(config.DefaultConfig().Core.HomeDir, "config.yaml")
	}

	loader := config.NewLoader(config.NewValidator())
	cfg, err := loader.LoadWithDefaults(path, overrides...)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := observability.InitLogging(cfg.Logging, os.Stderr)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	registry := workflow.NewRegistry(workflow.WithLogger(logger))
	if err := workflow.Seed(registry); err != nil {
		return nil, err
	}
	// User-defined workflows supplement the seeded catalog.
	if err := workflow.LoadCatalogDir(registry, filepath.Join(cfg.Core.HomeDir, "workflows")); err != nil {
		return nil, err
	}

	db, err := store.Open(filepath.Join(cfg.Core.DataDir, "sessions.db"))
	if err != nil {
		return nil, err
	}
	dao := store.NewSessionDAO(db)

	bus := events.NewEventBus(events.WithErrorHandler(func(err error, evctx map[string]interface{}) {
		logger.Warn("event delivery degraded", "error", err, "context", evctx)
	}))

	orch, err := session.NewOrchestrator(*cfg, registry,
		session.WithEventBus(bus),
		session.WithStore(dao),
		session.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:             cfg,
		logger:          logger,
		bus:             bus,
		registry:        registry,
		db:              db,
		dao:             dao,
		orch:            orch,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Close releases app resources.
func (a *app) Close(ctx context.Context) {
	a.bus.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing session database failed", "error", err)
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(ctx)
	}
}
