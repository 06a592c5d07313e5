package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"schedula/backend/internal/clock"
	"schedula/backend/internal/config"
	"schedula/backend/internal/metrics"
	"schedula/backend/internal/notify"
	"schedula/backend/internal/reconcile"
	"schedula/backend/internal/service/ledger"
	"schedula/backend/internal/service/scheduling"
	"schedula/backend/internal/store"
	"schedula/backend/internal/store/cache"
	"schedula/backend/internal/store/mongostore"
	"schedula/backend/internal/store/postgres"
)

const (
	serviceName      = "schedula-worker"
	healthService    = "schedula.worker"
	dependencyPeriod = 15 * time.Second
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := postgres.Migrate(db, cfg.MigrationsPath); err != nil {
			log.Error("migrations failed", slog.Any("err", err), slog.String("path", cfg.MigrationsPath))
			os.Exit(1)
		}
		log.Info("migrations applied", slog.String("path", cfg.MigrationsPath))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, closeLedger, err := openLedgerStore(ctx, cfg, db, log)
	if err != nil {
		log.Error("ledger store init failed", slog.Any("err", err), slog.String("backend", cfg.LedgerBackend))
		os.Exit(1)
	}
	defer closeLedger()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer func() { _ = queueClient.Close() }()

	cal := clock.NewCalendar(clock.System{}, cfg.Timezone)
	opts := []scheduling.Option{
		scheduling.WithCalendar(cal),
		scheduling.WithLogger(log),
		scheduling.WithRefundRetrier(reconcile.NewEnqueuer(queueClient, log)),
		scheduling.WithRefundConcurrency(cfg.RefundConcurrency),
	}
	if cfg.AMQPURL != "" {
		publisher, err := notify.Dial(cfg.AMQPURL, log)
		if err != nil {
			log.Error("rabbitmq connection failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() { _ = publisher.Close() }()
		opts = append(opts, scheduling.WithNotifier(publisher))
	}

	engine := scheduling.NewEngine(
		postgres.NewAvailabilityRepo(db, cfg.Timezone),
		cache.NewBookingStore(postgres.NewBookingRepo(db, clock.System{}), rdb, cfg.BookedSlotsTTL, log),
		ledger.NewService(ledgerStore, clock.System{}, log),
		opts...,
	)

	worker := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{"default": 1},
	})
	if err := worker.Start(reconcile.NewHandlers(engine, cfg.RefundSweepLimit, log).Mux()); err != nil {
		log.Error("refund worker start failed", slog.Any("err", err))
		os.Exit(1)
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: cfg.Timezone})
	entryID, err := reconcile.RegisterSweep(scheduler, cfg.RefundSweepInterval)
	if err != nil {
		log.Error("refund sweep registration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		log.Error("scheduler start failed", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("refund sweep scheduled", slog.String("entry_id", entryID), slog.Duration("interval", cfg.RefundSweepInterval))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.HealthRequestTimeout)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		log.Error("health listen failed", slog.Any("err", err), slog.String("health_addr", cfg.HealthAddr))
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go watchDependencies(ctx, log, healthServer, db, rdb)

	log.Info("worker started",
		slog.String("health_addr", cfg.HealthAddr),
		slog.String("metrics_addr", cfg.MetricsAddr),
		slog.String("ledger_backend", cfg.LedgerBackend),
		slog.String("log_level", cfg.LogLevel),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
		}
	}

	healthServer.Shutdown()
	scheduler.Shutdown()
	worker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", slog.Any("err", err))
	}
	shutdown(log, grpcServer, cfg.ShutdownTimeout)
}

func openLedgerStore(ctx context.Context, cfg config.Config, db *bun.DB, log *slog.Logger) (store.LedgerStore, func(), error) {
	if cfg.LedgerBackend != config.LedgerBackendMongo {
		return postgres.NewLedgerRepo(db), func() {}, nil
	}

	client, err := mongostore.Connect(ctx, cfg.MongoURL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.Warn("mongo disconnect failed", slog.Any("err", err))
		}
	}

	l := mongostore.NewLedger(client, cfg.MongoDatabase)
	if err := l.EnsureIndexes(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, closeFn, nil
}

// watchDependencies flips the health status when Postgres or Redis stop
// answering.
func watchDependencies(ctx context.Context, log *slog.Logger, hs *health.Server, db *bun.DB, rdb *redis.Client) {
	ticker := time.NewTicker(dependencyPeriod)
	defer ticker.Stop()

	status := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := db.PingContext(pingCtx)
		if err == nil {
			err = rdb.Ping(pingCtx).Err()
		}
		cancel()

		next := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != status {
			log.Warn("dependency health changed", slog.String("status", next.String()), slog.Any("err", err))
			hs.SetServingStatus(healthService, next)
			status = next
		}
	}
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down health server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("health server stopped")
	case <-timer.C:
		log.Warn("graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
