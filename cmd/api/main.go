package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "payroll-batch-processor/internal/api"
	"payroll-batch-processor/internal/archive"
	"payroll-batch-processor/internal/availability"
	"payroll-batch-processor/internal/config"
	"payroll-batch-processor/internal/gateway"
	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/queue"
	"payroll-batch-processor/internal/ratelimit"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/stats"
	"payroll-batch-processor/internal/store"
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

	// The API keeps serving in synchronous mode if Redis is down at boot.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 2*time.Second)
	broker.Probe(probeCtx, rdb)
	cancelProbe()
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

	q := queue.NewRedisQueue(rdb, cfg.RedisKeyPrefix, cfg.VisibilityTimeout)
	runner := payroll.NewWorker(st, st, st,
		payroll.WithParallelism(cfg.EmployeeParallelism),
		payroll.WithProgressEvery(cfg.ProgressEvery),
		payroll.WithLogger(logger),
	)
	gw := gateway.New(q, broker, reg, runner,
		gateway.WithArchiver(archiver),
		gateway.WithLogger(logger),
	)
	reporter := stats.NewReporter(broker, q, reg, cfg.StatusLookupTimeout*4, logger)
	limiter := ratelimit.NewTenantLimiter(
		ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		broker, cfg.RedisKeyPrefix, logger,
	)

	server := api.New(gw, reporter, limiter, logger, api.HealthCheck{Name: "postgres", Check: st.Ping})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.Bool("broker_usable", broker.Usable()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
