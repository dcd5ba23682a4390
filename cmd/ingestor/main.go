package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arenaops/contest-ledger/internal/admin"
	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/config"
	"github.com/arenaops/contest-ledger/internal/gateway"
	"github.com/arenaops/contest-ledger/internal/health"
	"github.com/arenaops/contest-ledger/internal/ingest"
	"github.com/arenaops/contest-ledger/internal/jobs"
	"github.com/arenaops/contest-ledger/internal/lifecycle"
	"github.com/arenaops/contest-ledger/internal/registry"
	"github.com/arenaops/contest-ledger/internal/rpc"
	"github.com/arenaops/contest-ledger/internal/store/postgres"
	"github.com/arenaops/contest-ledger/internal/store/redisq"
	"github.com/arenaops/contest-ledger/internal/tracing"
)

const serviceName = "contest-ledger"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting contest-ledger",
		"server_addr", cfg.Server.Addr,
		"registry_source", cfg.Registry.Source,
		"poll_interval", cfg.Ingest.PollInterval.String(),
		"job_workers", cfg.Jobs.Workers,
		"lifecycle_enabled", cfg.Lifecycle.Enabled,
	)

	shutdownTracing, err := tracing.Init(context.Background(), serviceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations("migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	transport, err := redisq.NewStream(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
		os.Exit(1)
	}
	defer transport.Close()

	// Repositories
	eventRepo := postgres.NewEventRepo(db)
	cursorRepo := postgres.NewCursorRepo(db)
	milestoneRepo := postgres.NewMilestoneRepo(db)
	reportRepo := postgres.NewReportRepo(db)
	streamRepo := postgres.NewStreamRepo(db)

	// RPC failover manager
	endpoints, rpcDefaults, err := config.LoadEndpoints(cfg.RPC.EndpointsFile)
	if err != nil {
		logger.Error("failed to load rpc endpoints", "error", err, "file", cfg.RPC.EndpointsFile)
		os.Exit(1)
	}
	manager := rpc.NewManager(rpcDefaults, logger)
	for chainID, eps := range endpoints {
		manager.SetEndpoints(chainID, eps)
	}

	adapter := gateway.NewAdapter(gateway.Config{
		RequestTimeout: cfg.RPC.RequestTimeout,
		CallsPerSecond: cfg.RPC.CallsPerSecond,
		CallBurst:      cfg.RPC.CallBurst,
	}, manager, logger)

	// Stream registry
	var regSource registry.Source
	if cfg.Registry.Source == "file" {
		regSource = registry.NewFileSource(cfg.Registry.Path)
	} else {
		regSource = registry.NewDBSource(streamRepo)
	}
	reg := registry.New(regSource, logger)
	if err := reg.Reload(context.Background()); err != nil {
		logger.Error("failed to load stream registry", "error", err)
		os.Exit(1)
	}

	// Alerting
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		channels = append(channels, &alert.NoopAlerter{})
	}
	alerter := alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)

	tracker := health.NewTracker()
	monitor := health.NewMonitor(tracker, alerter, time.Minute, logger)

	// Job processing
	executor := jobs.NewMilestoneExecutor(milestoneRepo,
		jobs.DefaultActions(cfg.Jobs.MilestoneWebhookURL, logger),
		alerter, cfg.Jobs.MaxAttempts, logger)
	reconciler := jobs.NewReconcileWorker(reportRepo, alerter, logger)
	dispatcher := jobs.NewDispatcher(jobs.Config{Workers: cfg.Jobs.Workers},
		transport, executor, reconciler, logger)

	// Ingestion
	handlers := ingest.DefaultHandlers(dispatcher, reg, logger)
	writer := ingest.NewWriter(db, eventRepo, cursorRepo, handlers, logger)
	live := ingest.NewLivePipeline(ingest.LiveConfig{
		PollInterval: cfg.Ingest.PollInterval,
		BatchLimit:   cfg.Ingest.BatchLimit,
	}, adapter, writer, cursorRepo, reg, tracker, logger)
	replayer := ingest.NewReplayer(adapter, writer, eventRepo, tracker, dispatcher,
		cfg.Ingest.BatchLimit, logger)

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// HTTP surface
	adminServer := admin.NewServer(gCtx, reg, replayer, tracker, milestoneRepo, reportRepo, logger)
	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           rateLimiter.Wrap(admin.AuditMiddleware(logger, adminServer.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", "error", err)
		}
		adminServer.Wait()
		return nil
	})

	// Run loops
	g.Go(func() error { return live.Run(gCtx) })
	g.Go(func() error { return dispatcher.Run(gCtx) })
	g.Go(func() error { return monitor.Run(gCtx) })

	if cfg.Lifecycle.Enabled {
		orchestrator := lifecycle.NewOrchestrator(lifecycle.Config{
			PollInterval: cfg.Lifecycle.PollInterval,
		}, adapter, reg, eventRepo, alerter, logger)
		g.Go(func() error { return orchestrator.Run(gCtx) })
	}

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("contest-ledger exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("contest-ledger shut down gracefully")
}
