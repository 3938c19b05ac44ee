// Execore server — exposes the submission HTTP API, runs the queue worker
// pool and streams execution events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/runforge/execore/pkg/adapters"
	"github.com/runforge/execore/pkg/api"
	"github.com/runforge/execore/pkg/assets"
	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/cleanup"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/engine"
	"github.com/runforge/execore/pkg/events"
	"github.com/runforge/execore/pkg/locks"
	"github.com/runforge/execore/pkg/masking"
	"github.com/runforge/execore/pkg/monitoring"
	"github.com/runforge/execore/pkg/queue"
	"github.com/runforge/execore/pkg/rbac"
	"github.com/runforge/execore/pkg/secrets"
	"github.com/runforge/execore/pkg/services"
	"github.com/runforge/execore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// lockManagerAdapter narrows the lease-lock manager to the engine's
// interface.
type lockManagerAdapter struct {
	m *locks.Manager
}

func (a lockManagerAdapter) Acquire(ctx context.Context, tenantID, executionID string, assetIDs []string, onLost func(assetID string)) (engine.Lease, error) {
	lease, err := a.m.Acquire(ctx, tenantID, executionID, assetIDs, onLost)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting execore",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Masking service and masked logging: everything logged from here on
	// passes the secret patterns.
	maskSvc := masking.NewService(*cfg.Masking)
	slog.SetDefault(slog.New(masking.NewLogHandler(
		slog.NewJSONHandler(os.Stdout, nil), maskSvc)))

	// 3. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Event infrastructure: transactional publisher, WebSocket hub and
	// the dedicated LISTEN connection.
	publisher := events.NewPublisher(dbClient.DB())
	hub := events.NewHub(dbClient, 10*time.Second)
	listener := events.NewListener(dbConfig.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	hub.SetListener(listener)
	slog.Info("Event streaming initialized")

	// 5. Domain infrastructure: secrets, RBAC, assets, locks, adapters.
	secretResolver, err := secrets.NewResolver(cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secret resolver", "error", err)
		os.Exit(1)
	}
	walker := secrets.NewWalker(secretResolver, publisher)
	authorizer := rbac.NewValidator(cfg.RBAC)
	assetClient := assets.NewClient(cfg.Assets)
	lockMgr := locks.NewManager(dbClient, cfg.Locks, podID)

	registry := adapters.NewRegistry(
		adapters.NewSSHAdapter(),
		adapters.NewWinRMAdapter(),
		adapters.NewHTTPAdapter(),
		adapters.NewAssetQueryAdapter(assetClient),
		adapters.NewLocalCommandAdapter(),
		adapters.NewValidationAdapter(),
		adapters.NewFileOpAdapter(),
	)

	// 6. Execution engine and worker pool.
	runner := engine.New(dbClient, registry, lockManagerAdapter{lockMgr},
		walker, authorizer, assetClient, maskSvc, publisher, cfg.Engine)
	cancels := cancel.NewManager()
	metrics := monitoring.NewMetrics()

	pool := queue.NewWorkerPool(podID, dbClient, cfg.Queue, runner, cancels, publisher, metrics, lockMgr)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Service layer and HTTP server.
	enqueuer := queue.NewManager(dbClient, cfg.Queue)
	executionService := services.NewExecutionService(dbClient, enqueuer, runner, cancels, publisher, cfg)
	approvalService := services.NewApprovalService(dbClient, enqueuer, publisher, cfg)
	dlqService := services.NewDeadLetterService(dbClient, publisher)

	retention := cleanup.NewService(cfg.Retention, dbClient)
	retention.Start(ctx)
	defer retention.Stop()

	httpServer := api.NewServer(cfg, dbClient, executionService, approvalService, dlqService, hub, pool, metrics)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Execore started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 8. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: drain workers first so running executions can
	// settle, then stop the HTTP surface.
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout())
	defer cancelShutdown()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, unfinished executions will be lease-reclaimed")
	}

	httpShutdownCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
