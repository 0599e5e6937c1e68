package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

const version = "0.4.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("api-server", "dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("api-server", cfg.Env, cfg.LogLevel)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("timezone", cfg.ClinicLocation.String()).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector("clinic")
	exec := retry.NewExecutor(log, retry.WithRetryCounter(m.RetriesTotal))

	var checks []api.Check

	repo, pgPool, err := openRepository(rootCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres setup error")
	}
	if pgPool != nil {
		defer pgPool.Close()
		checks = append(checks, api.Check{
			Name:     "postgres",
			Critical: true,
			Ping:     func(ctx context.Context) error { return db.Ping(ctx, pgPool) },
		})
	}

	bus := notify.NewBroadcaster(log, notify.WithCounters(m.NotifierPublished, m.NotifierDropped))
	var changes notify.Notifier = bus

	reads := retry.ReadPolicyWith(cfg.ReadRetryCount, cfg.ReadRetryDelay)
	resolverOpts := []appointment.ResolverOption{
		appointment.WithResolverMetrics(m),
		appointment.WithReadPolicy(reads("availability.load")),
	}
	serviceOpts := []appointment.ServiceOption{
		appointment.WithMetrics(m),
		appointment.WithMutationTimeout(cfg.MutationTimeout),
		appointment.WithServiceReadPolicy(reads),
	}

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	switch {
	case err == nil:
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

		remote, err := notify.NewRedisNotifier(rootCtx, rdb, bus, log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis notifier error")
		}
		defer remote.Close()
		changes = remote

		cache := redisclient.NewAvailabilityCache(rdb, cfg.AvailabilityCacheTTL)
		resolverOpts = append(resolverOpts, appointment.WithCache(cache))
		serviceOpts = append(serviceOpts,
			appointment.WithCacheInvalidation(cache),
			appointment.WithIdempotency(redisclient.NewIdempotencyStore(rdb, cfg.IdempotencyTTL)),
		)
		checks = append(checks, api.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	case cfg.Env == "dev":
		log.Warn().Err(err).Msg("redis unavailable, running without shared cache, idempotency or cross-instance notifications")
	default:
		log.Fatal().Err(err).Msg("redis connection error")
	}

	serviceOpts = append(serviceOpts, appointment.WithNotifier(changes))

	resolver := appointment.NewResolver(repo, exec, cfg.ClinicLocation, log, resolverOpts...)
	svc := appointment.NewService(repo, resolver, exec, log, serviceOpts...)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Resolver: resolver,
		Changes:  changes,
		Auth:     api.NewAuthenticator(cfg.JWTSecret, cfg.PublicAPIKey),
		Metrics:  m,
		Health:   api.NewHealthHandler(cfg.Env, version, checks...),
		Logger:   log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WriteTimeout stays unset: availability streams are long-lived.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("api-server stopped")
}

// openRepository connects to Postgres and applies migrations. Without a DSN
// in dev it falls back to an in-memory repository filled with demo data.
func openRepository(ctx context.Context, cfg config.Config, log zerolog.Logger) (appointment.Repository, *pgxpool.Pool, error) {
	if cfg.PostgresDSN == "" {
		if cfg.Env != "dev" {
			return nil, nil, cfg.RequirePostgres()
		}
		log.Warn().Msg("POSTGRES_DSN not set, using in-memory repository with demo data")
		repo := appointment.NewMemoryRepository()
		seedDemo(repo, cfg.ClinicLocation)
		return repo, nil, nil
	}

	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	defer cancelPg()

	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("connected to Postgres")

	applied, err := db.NewMigrator(pool, db.Migrations(), log).Up(pgCtx)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	return appointment.NewPgRepository(pool), pool, nil
}
