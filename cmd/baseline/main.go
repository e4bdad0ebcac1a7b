package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/internal/app"
	"github.com/odyssey-erp/baseline-engine/internal/audit"
	audithttp "github.com/odyssey-erp/baseline-engine/internal/audit/http"
	"github.com/odyssey-erp/baseline-engine/internal/baseline"
	baselinehttp "github.com/odyssey-erp/baseline-engine/internal/baseline/http"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	metrics.MarkComponent("api")
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	auditRepo := audit.NewRepository(dbpool)
	auditService := audit.NewService(auditRepo)
	recorder := audit.NewRecorder(auditRepo, logger, jobMetrics, cfg.AuditRetries, cfg.AuditBackoff)

	resultRepo := recalc.NewRepository(dbpool)
	vigencyService := vigency.NewService(vigency.NewRepository(dbpool), resultRepo, recorder, logger)
	viewCache := views.NewCache(redisClient, cfg.ViewCacheTTL)

	calculator := calcclient.NewClient(cfg.CalculatorURL, cfg.CalculatorTimeout)
	if err := calculator.Ping(ctx); err != nil {
		logger.Warn("calculator ping", slog.Any("error", err))
	}

	orchestrator := recalc.NewOrchestrator(recalc.Dependencies{
		Locker:         shared.NewClientLocker(redisClient, cfg.RecalcLockTTL, cfg.RecalcLockWait),
		Calculator:     calculator,
		Baselines:      vigencyService,
		Results:        resultRepo,
		Auditor:        recorder,
		Invalidator:    viewCache,
		Metrics:        jobMetrics,
		Logger:         logger,
		DefaultTimeout: cfg.RecalcTimeout,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	queue := recalc.NewQueueDispatcher(jobClient, cfg.RecalcTimeout, logger)

	var followUp recalc.Dispatcher = recalc.NewInlineDispatcher(orchestrator)
	if cfg.RecalcAsync {
		followUp = queue
	}

	engine := baseline.NewEngine(baseline.Config{
		Vigencies:    vigencyService,
		Audit:        auditService,
		Recalculator: orchestrator,
		Results:      resultRepo,
		Views:        viewCache,
		FollowUp:     followUp,
		Queue:        queue,
		Logger:       logger,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		BaselineHandler: baselinehttp.NewHandler(logger, engine, shared.NewIdempotencyStore(dbpool)),
		AuditHandler:    audithttp.NewHandler(logger, auditService),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
		Readiness: map[string]app.ReadinessCheck{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
