// Command orchestrator runs the stream-assignment orchestrator's HTTP
// API and background task runner (spec.md §2, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/streamforge/orchestrator/internal/api"
	"github.com/streamforge/orchestrator/internal/api/handlers"
	"github.com/streamforge/orchestrator/internal/api/middleware"
	"github.com/streamforge/orchestrator/internal/assignment"
	"github.com/streamforge/orchestrator/internal/balancer"
	"github.com/streamforge/orchestrator/internal/catalog"
	"github.com/streamforge/orchestrator/internal/config"
	"github.com/streamforge/orchestrator/internal/consistency"
	"github.com/streamforge/orchestrator/internal/detector"
	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/idempotency"
	"github.com/streamforge/orchestrator/internal/registry"
	"github.com/streamforge/orchestrator/internal/store"
	"github.com/streamforge/orchestrator/internal/tasks"
	"github.com/streamforge/orchestrator/pkg/logger"
	"github.com/streamforge/orchestrator/pkg/metrics"
)

const (
	serviceName    = "stream-orchestrator"
	serviceVersion = "1.0.0"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help information")
		configPath  = flag.String("config", "", "Path to a YAML config file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}
	if *showHelp {
		fmt.Printf("Stream-assignment orchestrator control plane\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n")
		fmt.Printf("  -config     Path to a YAML config file\n\n")
		fmt.Printf("All settings are also overridable via ORCHESTRATOR_* environment variables.\n")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	sanitized := config.NewDefaultConfigSanitizer().Sanitize(cfg)
	log.Info("starting orchestrator", "service", serviceName, "version", serviceVersion, "config", sanitized)

	metricsRegistry := metrics.DefaultRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gk, err := gatekeeper.New(ctx, gatekeeperConfig(cfg), log, metricsRegistry.Gatekeeper())
	if err != nil {
		log.Error("failed to start gatekeeper", "error", err)
		os.Exit(1)
	}
	defer gk.Close()

	instanceStore := store.NewInstanceStore(gk, log)
	assignmentStore := store.NewAssignmentStore(gk, log)
	eventStore := store.NewRebalanceEventStore(gk, log)

	reg, err := registry.New(instanceStore, registry.Config{
		WarnThreshold:      cfg.Orchestrator.WarnThreshold(),
		InactiveThreshold:  cfg.Orchestrator.InactiveThreshold(),
		RemovalTimeout:     cfg.Orchestrator.RemovalTimeout(),
		RecoveryKThreshold: cfg.Orchestrator.RecoveryKThreshold,
		PerformanceAlpha:   cfg.Orchestrator.PerformanceScoreAlpha,
		CacheSize:          1024,
	}, log, metricsRegistry.Registry())
	if err != nil {
		log.Error("failed to start instance registry", "error", err)
		os.Exit(1)
	}

	assignments := assignment.New(assignmentStore, assignment.Config{
		MigrationTimeout: cfg.Orchestrator.MigrationTimeout(),
	}, log, metricsRegistry.Assignment())

	redisClient := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	defer redisClient.Close()

	catalogSource := catalog.NewPostgresSource(gk, log)
	catalogMirror := catalog.NewMirror(catalogSource, redisClient, catalog.Config{
		RefreshInterval: cfg.Orchestrator.CatalogRefreshInterval(),
	}, log, metricsRegistry.Catalog())

	idemStore := idempotency.New(redisClient, cfg.Orchestrator.IdempotencyKeyTTL(), log, metricsRegistry.Idempotency())

	// Runner, Checker, and Detector have a three-way dependency: the
	// Runner is the RebalanceTrigger both the Checker and Detector need,
	// but the Runner's own constructor takes the Checker and Detector as
	// arguments. Wire the Runner first with both left nil, build the
	// Checker and Detector against it, then attach them.
	runner := tasks.New(reg, assignments, catalogMirror, nil, nil, eventStore, tasks.Config{
		RebalanceTick:     cfg.Orchestrator.RebalanceTick(),
		RebalanceCooldown: cfg.Orchestrator.RebalanceCooldown(),
		MigrationBatch:    cfg.Orchestrator.MigrationBatch,
		MigrationStep:     cfg.Orchestrator.MigrationStep(),
		Balancer: balancer.Config{
			ImbalanceThreshold:  cfg.Orchestrator.ImbalanceThreshold,
			MaxStreamDifference: cfg.Orchestrator.MaxStreamDifference,
		},
	}, log, metricsRegistry.Balancer(), metricsRegistry.Tasks())

	checker := consistency.New(reg, assignments, catalogMirror, runner, consistency.Config{
		CheckInterval: cfg.Orchestrator.ConsistencyCheckInterval(),
	}, log, metricsRegistry.Consistency())
	runner.SetConsistencyChecker(checker)

	det := detector.New(reg, assignments, runner, checker, eventStore, detector.Config{
		ScanInterval:           cfg.Orchestrator.HeartbeatScanInterval(),
		WarnThreshold:          cfg.Orchestrator.WarnThreshold(),
		InactiveThreshold:      cfg.Orchestrator.InactiveThreshold(),
		RemovalTimeout:         cfg.Orchestrator.RemovalTimeout(),
		EmergencyThreshold:     cfg.Orchestrator.EmergencyThreshold(),
		RedistributionDeadline: cfg.Orchestrator.RedistributionDeadline(),
	}, log, metricsRegistry.Detector())
	runner.SetDetector(det)

	runner.Start(ctx)
	defer runner.Stop()

	h := handlers.New(log)
	h.Registry = reg
	h.Assignments = assignments
	h.Checker = checker
	h.Rebalancer = runner
	h.Recoverer = det
	h.Catalog = catalogMirror
	h.Gatekeeper = gk
	h.Idempotency = idemStore
	h.Ready = runner.Ready
	h.HeartbeatIntervalS = int(cfg.Orchestrator.HeartbeatInterval().Seconds())

	router := api.NewRouter(api.RouterConfig{
		EnableCORS:         cfg.Server.EnableCORS,
		EnableCompression:  cfg.Server.EnableCompression,
		EnableRateLimit:    cfg.Server.EnableRateLimit,
		EnableMetrics:      cfg.Metrics.Enabled,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		EnableOperatorAuth: cfg.Server.EnableOperatorAuth,
		AuthConfig: middleware.AuthConfig{
			APIKeys:      map[string]*middleware.User{cfg.Server.OperatorAPIKey: {ID: "operator", Role: middleware.RoleOperator}},
			EnableAPIKey: cfg.Server.EnableOperatorAuth,
		},
		CORSConfig: middleware.DefaultCORSConfig(),
		Logger:     log,
		Handlers:   h,
	})

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, metrics.NewMetricsManager(metrics.Config{
			Enabled:   true,
			Namespace: metricsRegistry.Namespace(),
			Subsystem: "http",
		}).Handler())
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down orchestrator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shut down", "error", err)
	}

	log.Info("orchestrator exited")
}

func gatekeeperConfig(cfg *config.Config) gatekeeper.Config {
	return gatekeeper.Config{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.Username,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          cfg.Database.MaxConnections,
		MinConns:          cfg.Database.MinConnections,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		PoolWait:          cfg.Database.PoolWait,
		TxnMaxDuration:    cfg.Database.TxnMaxDuration,
		MaxRetries:        cfg.Database.MaxRetries,
		BaseDelay:         cfg.Database.BaseDelay,
		MaxDelay:          cfg.Database.MaxDelay,
		FailureThreshold:  cfg.Database.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.Database.BreakerRecoveryTimeout,
		SuccessThreshold:  cfg.Database.BreakerSuccessThreshold,
	}
}
