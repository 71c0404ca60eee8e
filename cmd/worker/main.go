// Command worker runs retry sweeps and store maintenance against a shared
// PostgreSQL database, without the HTTP API or event bus. Run it next to
// webhookd instances to add retry capacity; claims keep sweeps from
// overlapping.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/BetterDB-inc/monitor-sub000/internal/analytics"
	"github.com/BetterDB-inc/monitor-sub000/internal/circuitbreaker"
	"github.com/BetterDB-inc/monitor-sub000/internal/config"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/leaderelection"
	"github.com/BetterDB-inc/monitor-sub000/internal/logging"
	"github.com/BetterDB-inc/monitor-sub000/internal/pruner"
	"github.com/BetterDB-inc/monitor-sub000/internal/reconciler"
	"github.com/BetterDB-inc/monitor-sub000/internal/scheduler"
	"github.com/BetterDB-inc/monitor-sub000/internal/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat).With("process", "worker")

	if cfg.StoreDriver != config.StoreDriverPostgres {
		logger.Error("worker requires STORE_DRIVER=postgres", "store_driver", cfg.StoreDriver)
		return 2
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	store := postgres.New(db, cfg.DBOpTimeout)
	if err := store.PingContext(context.Background()); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	sender := dispatcher.NewHTTPSender().WithLogger(logger)
	if cfg.CircuitBreakerThreshold > 0 {
		sender = sender.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	disp := dispatcher.New(store, sender).
		WithLogger(logger).
		WithMaxResponseBody(cfg.WebhookMaxResponseBody)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, domain.AnalyticsConfig{
			Enabled:   true,
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}).WithLogger(logger))
	} else {
		logger.Info("REDIS_ADDR not set: retry outcomes are not counted in analytics")
	}

	retries := scheduler.New(scheduler.Config{
		Interval:   cfg.RetryInterval,
		BatchSize:  cfg.RetryBatchSize,
		ClaimLease: cfg.RetryClaimLease,
	}, store, disp).WithLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := retries.Run(ctx); err != nil {
			logger.Error("retry scheduler stopped", "error", err)
		}
	}()

	var maintenance []func(context.Context)
	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store).WithLogger(logger)
		maintenance = append(maintenance, recon.Run)
	}

	if cfg.PruneEnabled {
		p, err := pruner.New(pruner.Config{
			Schedule:  cfg.PruneSchedule,
			Timezone:  "UTC",
			Retention: cfg.PruneRetention,
		}, store)
		if err != nil {
			logger.Error("invalid prune schedule", "error", err)
			cancel()
			wg.Wait()
			return 2
		}
		maintenance = append(maintenance, p.WithLogger(logger).Run)
	}

	if duties := leaderelection.NewDuties(maintenance...); duties.Len() > 0 {
		wg.Add(1)
		if cfg.LeaderElection {
			elector := leaderelection.New(leaderelection.DefaultConfig(), leaderelection.PostgresSessions{DB: db},
				duties.Start, duties.Wait).WithLogger(logger)
			go func() {
				defer wg.Done()
				elector.Run(ctx)
			}()
		} else {
			duties.Start(ctx)
			go func() {
				defer wg.Done()
				duties.Wait()
			}()
		}
	}

	logger.Info("started",
		"retry_interval", cfg.RetryInterval,
		"reconcile", cfg.ReconcileEnabled,
		"prune", cfg.PruneEnabled,
		"leader_election", cfg.LeaderElection,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info("shutting down", "signal", received.String())
	cancel()
	wg.Wait()
	logger.Info("stopped")
	return 0
}
