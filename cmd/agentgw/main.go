// Coding-agent gateway server — durable event hub, credential rotation,
// git-sync scheduling and destructive-command guarding behind one HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/agentgw/pkg/api"
	"github.com/codeready-toolchain/agentgw/pkg/audit"
	"github.com/codeready-toolchain/agentgw/pkg/caam"
	"github.com/codeready-toolchain/agentgw/pkg/cleanup"
	"github.com/codeready-toolchain/agentgw/pkg/cliexec"
	"github.com/codeready-toolchain/agentgw/pkg/config"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/dcg"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/gitsync"
	"github.com/codeready-toolchain/agentgw/pkg/hub"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
	"github.com/codeready-toolchain/agentgw/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting gateway",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open database
	dbClient, err := database.NewClient(ctx, database.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to SQLite database")

	// 3. Event log and hub
	retention := make([]eventlog.Rule, 0, len(cfg.Hub.Retention))
	for _, r := range cfg.Hub.Retention {
		retention = append(retention, eventlog.Rule{
			ChannelPattern: r.ChannelPattern,
			MaxEvents:      r.MaxEvents,
			MaxAge:         r.MaxAge,
		})
	}
	eventLog, err := eventlog.NewLog(dbClient, retention)
	if err != nil {
		slog.Error("Failed to build event log", "error", err)
		os.Exit(1)
	}
	h := hub.New(eventLog, slog.Default())
	policy := hub.NewPolicy(nil)
	slog.Info("Hub initialized", "retention_rules", len(retention))

	// 4. Audit sink (shares the guard's redaction rules)
	auditSink := audit.NewSink(dbClient, dcg.NewRedactor(), slog.Default())

	// 5. Destructive-command guard
	packs, err := dcg.LoadPacksDir(cfg.DCG.PacksDir)
	if err != nil {
		slog.Error("Failed to load rule packs", "dir", cfg.DCG.PacksDir, "error", err)
		os.Exit(1)
	}
	guard, err := dcg.NewService(ctx, dbClient, packs, dcg.Options{
		RingSize:     cfg.DCG.RecentRingSize,
		ExceptionTTL: cfg.DCG.ExceptionTTL,
	}, h, auditSink)
	if err != nil {
		slog.Error("Failed to initialize command guard", "error", err)
		os.Exit(1)
	}
	slog.Info("Command guard initialized", "packs", len(packs))

	// 6. Credential-pool rotator
	cooldowns := make(map[caam.Provider]int, len(cfg.CAAM.CooldownMinutes))
	for provider, minutes := range cfg.CAAM.CooldownMinutes {
		cooldowns[caam.Provider(provider)] = minutes
	}
	rotator := caam.NewService(dbClient, cooldowns, h, auditSink)

	// 7. Sub-binary clients and git-sync scheduler
	cliClients := cliexec.NewClients(cliexec.NewLocalRunner(),
		getEnv("GW_BIN_DIR", ""), cfg.CLI.Timeout)
	reposDir := getEnv("REPOS_DIR", ".")

	var scheduler *gitsync.Scheduler
	executor := func(op *gitsync.Operation) {
		opCtx := context.Background()
		outcome, err := cliClients.BR.Sync(opCtx, string(op.Operation),
			filepath.Join(reposDir, op.RepositoryID), op.Branch)
		switch {
		case err != nil:
			if _, failErr := scheduler.Fail(opCtx, op.ID, err.Error()); failErr != nil {
				slog.Error("Failed to record sync failure", "op", op.ID, "error", failErr)
			}
		case !outcome.Success:
			if _, failErr := scheduler.Fail(opCtx, op.ID, outcome.Detail); failErr != nil {
				slog.Error("Failed to record sync failure", "op", op.ID, "error", failErr)
			}
		default:
			result, _ := json.Marshal(outcome)
			if _, compErr := scheduler.Complete(opCtx, op.ID, result); compErr != nil {
				slog.Error("Failed to record sync completion", "op", op.ID, "error", compErr)
			}
		}
	}
	scheduler = gitsync.NewScheduler(dbClient, gitsync.Options{
		MaxConcurrentOps:     cfg.GitSync.MaxConcurrentOps,
		MaxAttempts:          cfg.GitSync.MaxAttempts,
		BaseRetryDelay:       cfg.GitSync.BaseRetryDelay,
		MaxRetryDelay:        cfg.GitSync.MaxRetryDelay,
		RateLimitDelayFactor: cfg.GitSync.RateLimitDelayFactor,
		HistoryRingSize:      cfg.GitSync.HistoryRingSize,
	}, h, executor, slog.Default())

	// 8. WebSocket connection manager
	connManager := hub.NewConnectionManager(h, policy, auditSink, hub.ManagerOptions{
		WriteTimeout:      cfg.Hub.WriteTimeout,
		SendQueueSize:     cfg.Hub.SendQueueSize,
		ReplayConcurrency: cfg.Hub.ReplayConcurrency,
		ReplayPerMinute:   cfg.Hub.ReplayPerMinute,
	}, slog.Default())

	// 9. Retention sweeps
	sweeper := cleanup.NewService(cfg.Cleanup, eventLog, guard, scheduler)
	if err := sweeper.Start(ctx); err != nil {
		slog.Error("Failed to start cleanup service", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	// 10. Metrics and HTTP server
	m := metrics.New()
	h.SetMetrics(m)
	connManager.SetMetrics(m)
	guard.SetMetrics(m)
	rotator.SetMetrics(m)
	scheduler.SetMetrics(m)
	httpServer := api.NewServer(cfg, dbClient, h, connManager, policy,
		guard, rotator, scheduler, auditSink, m)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Gateway started successfully", "port", cfg.Server.Port)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
