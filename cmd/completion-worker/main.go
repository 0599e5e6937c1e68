package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("completion-worker", "dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New("completion-worker", cfg.Env, cfg.LogLevel)
	if err := cfg.RequirePostgres(); err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("completion worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	exec := retry.NewExecutor(log)
	repo := appointment.NewPgRepository(pgPool)
	reads := retry.ReadPolicyWith(cfg.ReadRetryCount, cfg.ReadRetryDelay)
	opts := []appointment.ServiceOption{appointment.WithServiceReadPolicy(reads)}

	// Completions are announced to API instances over Redis when it is reachable.
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, completions will not be broadcast")
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		remote, err := notify.NewRedisNotifier(rootCtx, rdb, notify.NewBroadcaster(log), log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis notifier error")
		}
		defer remote.Close()
		opts = append(opts,
			appointment.WithNotifier(remote),
			appointment.WithCacheInvalidation(redisclient.NewAvailabilityCache(rdb, cfg.AvailabilityCacheTTL)),
		)
	}

	resolver := appointment.NewResolver(repo, exec, cfg.ClinicLocation, log, appointment.WithReadPolicy(reads("availability.load")))
	svc := appointment.NewService(repo, resolver, exec, log, opts...)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping completion worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	completed, err := svc.CompleteEnded(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("completion run error")
		return
	}
	log.Info().Int("completed", completed).Dur("took", time.Since(start)).Msg("completion run complete")
}
