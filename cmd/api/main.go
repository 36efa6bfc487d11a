package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"example.com/signup/internal/api"
	"example.com/signup/internal/config"
	"example.com/signup/internal/domain"
	"example.com/signup/internal/logging"
	"example.com/signup/internal/outbox"
	"example.com/signup/internal/persistence"
	"example.com/signup/internal/ratelimit"
	"example.com/signup/internal/telemetry"
	httptransport "example.com/signup/internal/transport/http"
	"example.com/signup/internal/web"
)

const serviceName = "signup-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	store, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open activity store", zap.Error(err))
	}
	defer store.Close()

	service := domain.NewService(store, logger)
	if cfg.SeedOnStartup {
		if _, err := service.Seed(ctx, domain.DefaultSeed()); err != nil {
			logger.Fatal("failed to seed activity store", zap.Error(err))
		}
	}

	limiter, stats, closeLimiter := newRateLimiter(ctx, cfg.RateLimit, logger)
	defer closeLimiter()

	routes := api.Routes{
		Limit:   limiter,
		Static:  web.Static(),
		Metrics: promhttp.Handler(),
	}
	if stats != nil {
		routes.RateLimitStats = ratelimit.StatsHandler(stats, logger)
	}

	var dispatcher *outbox.Dispatcher
	if cfg.EventsEnabled() {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, cfg.EventsTopic, cfg.EventsPartitions); err != nil {
			logger.Warn("could not ensure events topic", zap.String("topic", cfg.EventsTopic), zap.Error(err))
		}
		dispatcher = outbox.NewDispatcher(store, producer, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts)
		go dispatcher.Start(ctx)
		routes.Audit = store
	}

	router := chi.NewRouter()
	router.Use(httptransport.RequestID, httptransport.Logging(logger))
	api.NewHandler(service, logger).RegisterRoutes(router, routes)

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	if cfg.OTelEndpoint != "" {
		serverCfg.ServiceName = serviceName
	}
	server := httptransport.NewServer(serverCfg, router)

	go func() {
		logger.Info("signup service listening", zap.String("address", cfg.HTTPAddress), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	logger.Info("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}

// newRateLimiter builds the middleware for the mutating routes from cfg along
// with the stats reader, nil when stats are off. The returned func releases the
// Redis client when one was opened.
func newRateLimiter(ctx context.Context, cfg config.RateLimit, logger *zap.Logger) (func(http.Handler) http.Handler, ratelimit.StatsReader, func()) {
	var (
		store   ratelimit.Store
		rdb     *redis.Client
		closeFn = func() {}
	)

	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closeFn = func() { _ = rdb.Close() }
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("rate limit redis unreachable, requests will be admitted until it recovers", zap.Error(err))
		}
		store = ratelimit.NewRedisStore(rdb, cfg.Requests, cfg.Window)
		logger.Info("rate limiter using redis", zap.String("address", cfg.RedisAddr))
	} else {
		mem := ratelimit.NewMemoryStore(cfg.Requests, cfg.Window)
		mem.StartJanitor(ctx)
		store = mem
	}

	opts := ratelimit.Options{
		Store:               store,
		KeyHeader:           cfg.KeyHeader,
		TrustXForwardedFor:  cfg.TrustXFF,
		AddRateLimitHeaders: cfg.Headers,
		Logger:              logger,
	}
	var reader ratelimit.StatsReader
	switch cfg.Stats {
	case config.StatsMemory:
		stats := ratelimit.NewMemoryStats()
		opts.Stats, reader = stats, stats
	case config.StatsRedis:
		// Validate guarantees an address, so rdb is set.
		stats := ratelimit.NewRedisStats(rdb, "ratelimit:stats", 24*time.Hour)
		opts.Stats, reader = stats, stats
	}

	return ratelimit.Middleware(opts), reader, closeFn
}
