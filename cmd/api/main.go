package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/donationops/internal/api"
	"github.com/punchamoorthee/donationops/internal/config"
	"github.com/punchamoorthee/donationops/internal/idempotency"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/lock"
	"github.com/punchamoorthee/donationops/internal/logging"
	"github.com/punchamoorthee/donationops/internal/reconciler"
	"github.com/punchamoorthee/donationops/internal/runner"
	"github.com/punchamoorthee/donationops/internal/scheduler"
	"github.com/punchamoorthee/donationops/internal/service"
	"github.com/punchamoorthee/donationops/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const reapInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.DBSource); err != nil {
		return err
	}
	db, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer db.Close()

	keys, err := ledger.ParseKeyring(cfg.LedgerKeyring)
	if err != nil {
		return err
	}
	client := ledger.NewBreaker(
		ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout, logger),
		ledger.BreakerConfig{Name: "ledger"},
		logger,
	)

	schedOpts := []scheduler.Option{scheduler.WithConfig(schedulerConfig(cfg))}
	reconOpts := []reconciler.Option{reconciler.WithConfig(reconciler.Config{
		Interval: cfg.ReconcileInterval,
		Limit:    cfg.ReconcileLimit,
		Accounts: cfg.ReconcileAccounts,
	})}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		schedOpts = append(schedOpts, scheduler.WithClaims(lock.NewRedisClaims(rdb, "donationops:claim:")))
		reconOpts = append(reconOpts, reconciler.WithLocker(
			lock.NewRedisMutex(rdb, "donationops:reconcile", lock.DefaultMutexExpiry, logger)))
		logger.Info("redis coordination enabled", zap.String("addr", cfg.RedisAddr))
	}

	guard := idempotency.New(db, logger.Named("idempotency"),
		idempotency.WithRetention(cfg.IdempotencyRetention),
		idempotency.WithLease(cfg.IdempotencyLease))

	sched := scheduler.New(db, client, keys, logger, schedOpts...)
	recon := reconciler.New(db, client, logger, reconOpts...)

	sched.Start(ctx)
	defer sched.Stop()
	recon.Start(ctx)
	defer recon.Stop()

	reaper := runner.Every(ctx, reapInterval, func(ctx context.Context) {
		if _, err := guard.Reap(ctx); err != nil {
			logger.Error("idempotency reap failed", zap.Error(err))
		}
	})
	defer reaper.Stop()

	handler := api.NewHandler(api.Dependencies{
		Donations:             service.NewDonationService(db, client, keys, guard, logger),
		Schedules:             service.NewScheduleService(db, logger),
		Balances:              service.NewBalanceService(client),
		Scheduler:             sched,
		Reconciler:            recon,
		Store:                 db,
		RequireIdempotencyKey: cfg.IdempotencyRequireKey,
	}, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.CheckInterval = cfg.SchedulerInterval
	sc.PauseOnPermanentFailure = cfg.SchedulerPauseOnPermanent
	return sc
}
