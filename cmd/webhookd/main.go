package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/analytics"
	"github.com/BetterDB-inc/monitor-sub000/internal/api"
	"github.com/BetterDB-inc/monitor-sub000/internal/circuitbreaker"
	"github.com/BetterDB-inc/monitor-sub000/internal/config"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/leaderelection"
	"github.com/BetterDB-inc/monitor-sub000/internal/logging"
	"github.com/BetterDB-inc/monitor-sub000/internal/metrics"
	"github.com/BetterDB-inc/monitor-sub000/internal/pruner"
	"github.com/BetterDB-inc/monitor-sub000/internal/reconciler"
	"github.com/BetterDB-inc/monitor-sub000/internal/scheduler"
	"github.com/BetterDB-inc/monitor-sub000/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`webhookd - webhook delivery and alerting engine

Usage:
  webhookd <command>

Commands:
  serve      Start the API, dispatcher and retry scheduler
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_DRIVER              "postgres" or "memory" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  REDIS_ADDR                Redis address for delivery analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")
  EVENTBUS_BUFFER_SIZE      Event bus capacity (default: "100")

  RETRY_INTERVAL            Retry sweep interval (default: "10s")
  RETRY_BATCH_SIZE          Deliveries claimed per sweep (default: "10")
  RETRY_CLAIM_LEASE         How long a claimed delivery is held (default: "2m")

  RECONCILE_ENABLED         Requeue deliveries stuck in pending (default: "false")
  RECONCILE_INTERVAL        How often to scan for stuck deliveries (default: "5m")
  RECONCILE_THRESHOLD       Age before a pending delivery is requeued (default: "10m")
  RECONCILE_BATCH_SIZE      Max deliveries requeued per cycle (default: "100")

  LEADER_ELECTION_ENABLED   Run reconciler and pruner on one instance only (default: "false")

  PRUNE_ENABLED             Delete old terminal deliveries (default: "false")
  PRUNE_SCHEDULE            Cron expression for pruning (default: "0 3 * * *")
  PRUNE_RETENTION           Age of deliveries to prune (default: "720h")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a URL is paused, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Pause before probing a failing URL again (default: "2m")
  WEBHOOK_MAX_RESPONSE_BODY Default stored response body cap in bytes (default: "10000")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  ANALYTICS_WINDOW          Analytics bucket size: 1m, 5m or 1h (default: "1h")
  ANALYTICS_RETENTION       Analytics key TTL (default: "168h")

  LOG_LEVEL                 debug, info, warn or error (default: "info")
  LOG_FORMAT                json or text (default: "json")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logConfigWarnings(logger, cfg)

	st, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		return exitRuntimeError
	}
	defer st.Close()

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsServer = startMetricsServer(logger, cfg)
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	sender := dispatcher.NewHTTPSender().WithLogger(logger)
	if cfg.CircuitBreakerThreshold > 0 {
		sender = sender.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	disp := dispatcher.New(st, sender).
		WithLogger(logger).
		WithDrainTimeout(cfg.DispatcherDrainTimeout).
		WithMaxResponseBody(cfg.WebhookMaxResponseBody)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	var redisClient *redis.Client
	var analyticsSink *analytics.RedisSink
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		analyticsSink = analytics.NewRedisSink(redisClient, domain.AnalyticsConfig{
			Enabled:   true,
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}).WithLogger(logger)
		disp = disp.WithAnalytics(analyticsSink)
		logger.Info("analytics enabled", "redis", cfg.RedisAddr, "window", cfg.AnalyticsWindow)
	}

	alerter := alerts.NewController(st, disp).WithLogger(logger)
	if metricsSink != nil {
		alerter = alerter.WithMetrics(metricsSink)
	}

	retries := scheduler.New(scheduler.Config{
		Interval:   cfg.RetryInterval,
		BatchSize:  cfg.RetryBatchSize,
		ClaimLease: cfg.RetryClaimLease,
	}, st, disp).WithLogger(logger)
	if metricsSink != nil {
		retries = retries.WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(st, disp).
		WithRetrier(retries).
		WithEvents(bus).
		WithAlerter(alerter).
		WithLogger(logger)
	if analyticsSink != nil {
		apiHandler = apiHandler.WithAnalytics(analyticsSink)
	}
	if st.health != nil {
		apiHandler = apiHandler.WithHealthChecker(st.health)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	// Separate contexts per component enable ordered shutdown.
	retriesCtx, cancelRetries := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	maintenanceCtx, cancelMaintenance := context.WithCancel(context.Background())

	var retriesWg, dispatcherWg, maintenanceWg sync.WaitGroup

	retriesWg.Add(1)
	go func() {
		defer retriesWg.Done()
		if err := retries.Run(retriesCtx); err != nil {
			logger.Error("retry scheduler stopped", "error", err)
		}
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	if err := startMaintenance(maintenanceCtx, &maintenanceWg, logger, cfg, st, metricsSink); err != nil {
		logger.Error("failed to start maintenance jobs", "error", err)
		cancelRetries()
		cancelDispatcher()
		cancelMaintenance()
		return exitRuntimeError
	}

	logger.Info("started",
		"version", version,
		"store", cfg.StoreDriver,
		"http", cfg.HTTPAddr,
		"retry_interval", cfg.RetryInterval,
		"leader_election", cfg.LeaderElection,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info("shutting down", "signal", received.String())

	// Phase 1: Stop HTTP server (no new events, alerts or manual retries)
	logger.Info("stopping http server")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Phase 2: Stop retry scheduler (waits for an in-flight sweep)
	logger.Info("stopping retry scheduler")
	cancelRetries()
	retriesWg.Wait()

	// Phase 3: Stop reconciler and pruner, releasing the maintenance lock if held
	cancelMaintenance()
	maintenanceWg.Wait()

	// Phase 4: Stop dispatcher (drains buffered events before returning)
	logger.Info("stopping dispatcher (draining events)")
	cancelDispatcher()
	dispatcherWg.Wait()

	// Phase 5: Stop metrics server if running
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	logger.Info("stopped")
	return exitSuccess
}

func startMetricsServer(logger *slog.Logger, cfg config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	srv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: mux,
	}
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort, "path", cfg.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// startMaintenance launches the reconciler and pruner when enabled. With
// leader election they run only while this instance holds the lock.
func startMaintenance(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, cfg config.Config, st *store, sink *metrics.PrometheusSink) error {
	var fns []func(context.Context)

	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, st).WithLogger(logger)
		if sink != nil {
			recon = recon.WithMetrics(sink)
		}
		fns = append(fns, recon.Run)
		logger.Info("reconciler enabled",
			"interval", cfg.ReconcileInterval,
			"threshold", cfg.ReconcileThreshold,
			"batch", cfg.ReconcileBatchSize,
		)
	}

	if cfg.PruneEnabled {
		p, err := pruner.New(pruner.Config{
			Schedule:  cfg.PruneSchedule,
			Timezone:  "UTC",
			Retention: cfg.PruneRetention,
		}, st)
		if err != nil {
			return err
		}
		p = p.WithLogger(logger)
		if sink != nil {
			p = p.WithMetrics(sink)
		}
		fns = append(fns, p.Run)
		logger.Info("pruner enabled", "schedule", cfg.PruneSchedule, "retention", cfg.PruneRetention)
	}

	duties := leaderelection.NewDuties(fns...)
	if duties.Len() == 0 {
		return nil
	}

	if !cfg.LeaderElection || st.db == nil {
		duties.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			duties.Wait()
		}()
		return nil
	}

	logger.Info("leader election enabled", "duties", duties.Len())
	elector := leaderelection.New(leaderelection.DefaultConfig(), leaderelection.PostgresSessions{DB: st.db},
		duties.Start, duties.Wait).WithLogger(logger)
	if sink != nil {
		elector = elector.WithMetrics(sink)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		elector.Run(ctx)
	}()
	return nil
}

// logConfigWarnings flags configurations that run but lose data or
// visibility.
func logConfigWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("STORE_DRIVER=memory: webhooks and deliveries are lost on restart")
	}
	if !cfg.ReconcileEnabled {
		logger.Warn("RECONCILE_ENABLED=false: deliveries left pending by a crash are never retried")
	}
	if !cfg.MetricsEnabled {
		logger.Info("METRICS_ENABLED=false: delivery and retry metrics are not exported")
	}
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set: delivery analytics disabled")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		logger.Info("CIRCUIT_BREAKER_THRESHOLD=0: failing endpoints are retried without pause")
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("webhookd version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
