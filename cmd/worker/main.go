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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/baseline-engine/internal/app"
	"github.com/odyssey-erp/baseline-engine/internal/audit"
	jobmetrics "github.com/odyssey-erp/baseline-engine/internal/jobs"
	"github.com/odyssey-erp/baseline-engine/internal/observability"
	"github.com/odyssey-erp/baseline-engine/internal/platform/cache"
	"github.com/odyssey-erp/baseline-engine/internal/platform/db"
	"github.com/odyssey-erp/baseline-engine/internal/recalc"
	"github.com/odyssey-erp/baseline-engine/internal/recalc/calcclient"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/views"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: int32(cfg.WorkerConcurrency) + 2})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	metrics.MarkComponent("worker")
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	auditRepo := audit.NewRepository(pool)
	recorder := audit.NewRecorder(auditRepo, logger, jobMetrics, cfg.AuditRetries, cfg.AuditBackoff)
	resultRepo := recalc.NewRepository(pool)
	vigencyService := vigency.NewService(vigency.NewRepository(pool), resultRepo, recorder, logger)

	orchestrator := recalc.NewOrchestrator(recalc.Dependencies{
		Locker:         shared.NewClientLocker(redisClient, cfg.RecalcLockTTL, cfg.RecalcLockWait),
		Calculator:     calcclient.NewClient(cfg.CalculatorURL, cfg.CalculatorTimeout),
		Baselines:      vigencyService,
		Results:        resultRepo,
		Auditor:        recorder,
		Invalidator:    views.NewCache(redisClient, cfg.ViewCacheTTL),
		Metrics:        jobMetrics,
		Logger:         logger,
		DefaultTimeout: cfg.RecalcTimeout,
	})
	recalcJob := recalc.NewJob(orchestrator, logger)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyTTL)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:       asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:          logger,
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: cfg.RecalcTimeout,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecalculatePeriods, Handler: recalcJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(shared.NewIdempotencyStore(pool), logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting metrics server", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
