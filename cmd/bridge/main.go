package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentwire/bridge/internal/audit"
	"github.com/agentwire/bridge/internal/cliagent"
	"github.com/agentwire/bridge/internal/config"
	"github.com/agentwire/bridge/internal/outbox"
	"github.com/agentwire/bridge/internal/policy"
	"github.com/agentwire/bridge/internal/retention"
	"github.com/agentwire/bridge/internal/server"
	"github.com/agentwire/bridge/internal/session"
	"github.com/agentwire/bridge/internal/storage/sqlite"
	"github.com/agentwire/bridge/internal/telemetry"
	"github.com/agentwire/bridge/internal/workflow"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:          "bridge",
		Short:        "Mediation bridge between local agent processes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default bridge.yaml)")
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bridge " + server.Version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer("agent-bridge", logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policies := policy.NewProvider(cfg.Policy.Path, logger)
	policies.Load() // missing or malformed file keeps the restrictive defaults
	if err := policies.Watch(ctx); err != nil {
		logger.Warn("policy hot reload unavailable", slog.String("error", err.Error()))
	}
	defer policies.Close()

	gate := policy.NewGate(policies)
	tracker := session.NewTracker(store, logger)
	ledger := audit.NewLedger(store, policies, logger)

	events := outbox.New(store, policies, cfg.Workflow.BaseURL, logger)
	worker := outbox.NewWorker(store,
		time.Duration(cfg.Outbox.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Outbox.RequestTimeoutSeconds)*time.Second,
		cfg.Outbox.BatchSize,
		cfg.Outbox.MaxAttempts,
		logger)
	go worker.Run(ctx)

	engine := workflow.NewClient(cfg.Workflow.BaseURL,
		time.Duration(cfg.Workflow.TriggerTimeoutSeconds)*time.Second)

	assistant := cliagent.NewInvoker(cfg.CLI.AssistantBin,
		time.Duration(cfg.CLI.AssistantTimeoutSeconds)*time.Second, logger)
	agents := cliagent.NewInvoker(cfg.CLI.AgentBin,
		time.Duration(cfg.CLI.AgentTimeoutSeconds)*time.Second, logger)

	job := retention.New(store, logger)
	if err := job.Start(cfg.Retention.PurgeDeliveredCron); err != nil {
		return err
	}
	defer job.Stop()

	// The request budget must outlive the longest CLI invocation.
	slack := 30
	requestTimeout := time.Duration(
		max(cfg.CLI.AssistantTimeoutSeconds, cfg.CLI.AgentTimeoutSeconds)+slack) * time.Second

	srv := server.New(cfg.Server.Port, requestTimeout, logger)
	handlers := server.NewHandlers(store, policies, gate, tracker, ledger,
		events, engine, assistant, agents, logger)
	handlers.Mount(srv.Router)

	logger.Info("bridge starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Path),
		slog.String("policy", cfg.Policy.Path),
		slog.String("engine", cfg.Workflow.BaseURL),
		slog.String("assistant_cli", cfg.CLI.AssistantBin),
		slog.String("agent_cli", cfg.CLI.AgentBin))

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ctx)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		if err := <-errc; err != nil {
			return err
		}
	}

	logger.Info("bridge stopped")
	return nil
}
