package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/archive"
	"payroll-batch-processor/internal/availability"
	"payroll-batch-processor/internal/config"
	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/queue"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/store"
	"payroll-batch-processor/internal/telemetry"
	workerproc "payroll-batch-processor/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	broker := availability.New(logger)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	rdb.AddHook(broker.Hook())
	go broker.Watch(ctx, rdb, cfg.BrokerProbeInterval)

	reg, err := registry.New(cfg.RegistryCapacity,
		registry.WithMirror(registry.NewRedisMirror(rdb, cfg.RedisKeyPrefix, cfg.StatusTTL), broker),
		registry.WithLookupTimeout(cfg.StatusLookupTimeout),
		registry.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("init job registry", zap.Error(err))
	}

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init archive", zap.Error(err))
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	runner := payroll.NewWorker(st, st, st,
		payroll.WithParallelism(cfg.EmployeeParallelism),
		payroll.WithProgressEvery(cfg.ProgressEvery),
		payroll.WithLogger(logger),
	)
	processor := workerproc.NewProcessor(cfg,
		queue.NewRedisQueue(rdb, cfg.RedisKeyPrefix, cfg.VisibilityTimeout),
		reg, runner,
		workerproc.WithArchiver(archiver),
		workerproc.WithLogger(logger.With(zap.String("worker_id", workerID))),
		workerproc.WithWorkerID(workerID),
	)

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() { _ = metrics.Close() }()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
