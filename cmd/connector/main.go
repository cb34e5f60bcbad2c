package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saassync/internal/aggregator"
	"saassync/internal/api"
	"saassync/internal/config"
	"saassync/internal/database"
	"saassync/internal/domain"
	"saassync/internal/events"
	"saassync/internal/logging"
	"saassync/internal/metrics"
	"saassync/internal/repository"
	"saassync/internal/saas"
	"saassync/internal/service"
	"saassync/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	tenants, pool, err := initTenantStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	eventBus := events.NewEventBus()
	subscribeRunEvents(eventBus, logger)

	bus := worker.NewBus(db, redisClient, eventBus, worker.Options{
		Workers:      cfg.Scheduler.Workers,
		PollInterval: cfg.Scheduler.PollInterval,
		LeaseTimeout: cfg.Scheduler.LeaseTimeout,
		Retry: worker.RetryPolicy{
			InitialDelay:  cfg.Scheduler.Retry.InitialDelay,
			MaxDelay:      cfg.Scheduler.Retry.MaxDelay,
			BackoffFactor: cfg.Scheduler.Retry.BackoffFactor,
		},
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logging.Component(logger, "bus"))

	authClient := saas.NewAuthClient(cfg.SaaS, nil)
	orchestrator := service.NewOrchestrator(service.Dependencies{
		Tenants:    tenants,
		Auth:       authClient,
		Directory:  saas.NewDirectoryClient(cfg.SaaS, nil),
		Aggregator: aggregator.NewFactory(cfg.Aggregator, nil),
		Limiter:    initRateLimiter(cfg, redisClient, logger),
		RateLimit:  cfg.SaaS.RateLimit,
		Publisher:  eventBus,
	}, logger)
	if err := orchestrator.Register(bus, cfg); err != nil {
		return fmt.Errorf("register functions: %w", err)
	}

	httpServer := api.NewHTTPServer(cfg, api.Dependencies{
		Installer: orchestrator,
		Consent:   authClient,
		Sender:    bus,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Start(gctx) })
	g.Go(func() error { return httpServer.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		g.Go(func() error { return serveMetrics(gctx, cfg.Monitoring.PrometheusPort, db, logger) })
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("connector started")
	err = g.Wait()
	logger.Info().Msg("connector stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

// initTenantStore keeps tenants in sqlite next to the queue unless a Postgres
// URL is configured.
func initTenantStore(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) (domain.TenantRepository, *pgxpool.Pool, error) {
	if cfg.Database.Postgres.URL == "" {
		return db, nil, nil
	}

	pool, err := repository.NewPostgresPool(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := repository.NewPostgresTenantRepository(pool, logger)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres schema: %w", err)
	}
	logger.Info().Msg("tenant store: postgres")
	return repo, pool, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initRateLimiter(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.RateLimiter {
	memory := repository.NewMemoryRateLimiter()
	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverRateLimiter(
		repository.NewRedisRateLimiter(redisClient, cfg.Redis.KeyPrefix),
		memory,
		logging.Component(logger, "rate_limiter"),
	)
}

func subscribeRunEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventRunFailed, func(ev *events.Event) error {
		var p events.RunPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logger.Error().
			Str("function", p.Function).
			Str("event_id", p.EventID).
			Str("organisation_id", p.TenantID).
			Int("attempt", p.Attempt).
			Str("error", p.Error).
			Msg("function run failed permanently")
		return nil
	})
	bus.Subscribe(events.EventTenantInstalled, func(ev *events.Event) error {
		var p events.TenantPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logger.Info().Str("organisation_id", p.TenantID).Str("region", p.Region).Msg("tenant installed")
		return nil
	})
}

// serveMetrics runs the internal monitoring listener: Prometheus metrics and
// the dead-letter inspection route.
func serveMetrics(ctx context.Context, port int, failed api.FailedEventLister, logger *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/", api.AdminHandler(failed, logger))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
