package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikaelliljedahl/prfactory/agent"
	"github.com/mikaelliljedahl/prfactory/config"
	"github.com/mikaelliljedahl/prfactory/internal/metrics"
	"github.com/mikaelliljedahl/prfactory/internal/server"
	"github.com/mikaelliljedahl/prfactory/internal/telemetry"
	"github.com/mikaelliljedahl/prfactory/persistence"
	"github.com/mikaelliljedahl/prfactory/workflow"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting prfactory",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	stores, err := persistence.NewStores(cfg.StorageConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer stores.Close()

	registry := agent.NewRegistry(logger)
	if err := registerScriptedAgents(registry); err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}

	pipeline, err := workflow.TicketPipeline(registry)
	if err != nil {
		return fmt.Errorf("failed to build ticket pipeline: %w", err)
	}

	collector := metrics.NewCollector("prfactory")
	orch := workflow.NewOrchestrator(
		cfg.OrchestratorSettings(),
		registry,
		stores.Queue,
		stores.Checkpoints,
		stores.Tickets,
		workflow.PipelineValidator(),
		logger,
		collector,
	)
	orch.RegisterGraph(pipeline.Name(), pipeline)

	// Metrics and health endpoints.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		_ = orch.Run(ctx)
	}()

	metricsServer.WaitForShutdown()

	cancel()
	<-orchDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}

	logger.Info("prfactory stopped")
	return nil
}
