// Autodevd is the agent pipeline orchestration daemon.
//
// It drives development runs through the Planner, Coder, Critic, Tester,
// and Summarizer roles, with per-call model routing, retry and budget
// governance, and transcript compaction, exposed over an HTTP API.
//
// Usage:
//
//	# Start the server with defaults
//	autodevd serve
//
//	# Execute one run from the command line and wait for it
//	autodevd run "add retry logic to the fetcher"
//
//	# Configure via file or environment
//	autodevd serve --config ~/.config/autodevd/config.yaml
//	AUTODEVD_SERVER_HTTP_PORT=9090 autodevd serve
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/compaction"
	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/governor"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
	"github.com/fyrsmithlabs/autodevd/internal/model"
	"github.com/fyrsmithlabs/autodevd/internal/pipeline"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/server"
	"github.com/fyrsmithlabs/autodevd/internal/store"
	"github.com/fyrsmithlabs/autodevd/internal/telemetry"
	"github.com/fyrsmithlabs/autodevd/internal/toolgate"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autodevd",
		Short:         "Agent pipeline orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.AddCommand(newServeCmd(), newRunCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute a single run and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runOnce(ctx, args[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("autodevd by Fyrsmith Labs\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
}

func serve(ctx context.Context) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(logging.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := initApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(logger)

	logger.Info(ctx, "starting autodevd",
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.Models.Provider),
		zap.String("store", cfg.Store.Backend),
		zap.String("version", version),
	)

	if err := a.server.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.controller.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "active runs did not stop before timeout", zap.Error(err))
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// runOnce drives a single run without the HTTP layer and prints the
// terminal state as JSON.
func runOnce(ctx context.Context, goal string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(logging.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := initApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(logger)

	handle, err := a.controller.StartRun(ctx, goal)
	if err != nil {
		return err
	}
	select {
	case <-handle.Done:
	case <-ctx.Done():
		_ = a.controller.Cancel(handle.RunID)
		<-handle.Done
	}

	run, budget, err := a.controller.GetRun(handle.RunID)
	if err != nil {
		return err
	}
	summary, _ := a.controller.Summary(handle.RunID)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(server.RunDetail{Run: run, Budget: budget, Summary: summary}); err != nil {
		return err
	}
	if run.Status != pipeline.RunSucceeded {
		return fmt.Errorf("run %s: %s", run.Status, run.FailureReason)
	}
	return nil
}

// app holds the wired process dependencies.
type app struct {
	telemetry  *telemetry.Telemetry
	natsConn   *nats.Conn
	store      store.Store
	bus        *events.Bus
	controller *pipeline.Controller
	server     *server.Server
}

// initApp wires the full dependency graph: telemetry, store, event bus
// (with optional NATS mirror), model client, router, governor,
// compaction, tool gateway, controller, and HTTP server.
func initApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	tel, err := telemetry.New(ctx, telemetryConfig(cfg), logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a := &app{telemetry: tel, store: st}

	busOpts := []events.Option{events.WithLogger(logger.Underlying())}
	if cfg.Events.NATSURL != "" {
		conn, nerr := nats.Connect(cfg.Events.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if nerr != nil {
			logger.Warn(ctx, "nats unavailable, events stay in-process", zap.Error(nerr))
		} else {
			a.natsConn = conn
			pub, perr := events.NewNATSPublisher(conn, cfg.Events.SubjectPrefix)
			if perr != nil {
				return nil, fmt.Errorf("nats publisher: %w", perr)
			}
			busOpts = append(busOpts, events.WithSink(pub))
		}
	}
	a.bus = events.NewBus(busOpts...)

	completer, err := model.NewCompleter(model.Config{
		Provider: cfg.Models.Provider,
		APIKey:   cfg.Models.APIKey,
		BaseURL:  cfg.Models.BaseURL,
		Timeout:  cfg.Governor.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}

	roles := make(map[string]router.RoleModels, len(cfg.Models.Roles))
	for role, rm := range cfg.Models.Roles {
		roles[role] = router.RoleModels{Primary: rm.Primary, Fallback: rm.Fallback}
	}
	rt, err := router.New(router.Config{
		WindowSize:         cfg.Router.WindowSize,
		ErrorRateThreshold: cfg.Router.ErrorRateThreshold,
		LatencyCeiling:     cfg.Router.LatencyCeiling,
		CostShareThreshold: cfg.Router.CostShareThreshold,
		Cooldown:           cfg.Router.Cooldown,
	}, roles, router.WithLogger(logger.Underlying()))
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	gov, err := governor.New(governor.Config{
		CallTimeout: cfg.Governor.CallTimeout,
		MaxAttempts: cfg.Governor.MaxAttempts,
		BackoffBase: cfg.Governor.BackoffBase,
		BackoffCap:  cfg.Governor.BackoffCap,
	}, completer, rt, st, a.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}

	compactor, err := compaction.NewService(cfg.Compaction.CapBytes, compaction.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("compaction: %w", err)
	}

	gw, err := toolgate.NewGateway(toolgate.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("toolgate: %w", err)
	}

	ctrl, err := pipeline.NewController(pipeline.Config{
		MaxRevisions:               cfg.Pipeline.MaxRevisions,
		MaxConsecutiveStepFailures: cfg.Pipeline.MaxConsecutiveStepFailures,
		ContinueOnStepFailure:      cfg.Pipeline.ContinueOnStepFailure,
		HistoryLimit:               cfg.Pipeline.HistoryLimit,
		DisableCritic:              cfg.Pipeline.DisableCritic,
		DisableTester:              cfg.Pipeline.DisableTester,
		DisableSummarizer:          cfg.Pipeline.DisableSummarizer,
		MaxTokens:                  cfg.Models.MaxTokens,
		Temperature:                cfg.Models.Temperature,
		Budget: governor.Ceilings{
			MaxCost:      cfg.Budget.MaxCost,
			MaxWallClock: cfg.Budget.MaxWallClock,
			MaxCalls:     cfg.Budget.MaxCalls,
		},
	}, gov, compactor, st, a.bus,
		pipeline.WithLogger(logger),
		pipeline.WithGateway(gw),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	a.controller = ctrl

	srv, err := server.NewServer(cfg, ctrl, st,
		server.WithLogger(logger),
		server.WithBus(a.bus),
		server.WithDegraded(tel.Degraded),
	)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	a.server = srv
	return a, nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.Endpoint = cfg.Observability.Endpoint
	tc.Protocol = cfg.Observability.Protocol
	tc.Insecure = cfg.Observability.Insecure
	return tc
}

// Close releases process-level resources; best effort on shutdown.
func (a *app) Close(logger *logging.Logger) {
	ctx := context.Background()
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn(ctx, "store close failed", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
}
