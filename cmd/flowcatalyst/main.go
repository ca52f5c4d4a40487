// Command flowcatalyst runs the Dispatch Scheduler and Message Router
// together as a single process: the scheduler drains PENDING dispatch jobs
// onto the configured broker, and the router consumes them and mediates
// delivery to each target. Deploy it this way for a single-instance or
// embedded-broker setup; run cmd/router separately when the router needs to
// scale independently of the scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	fcmongo "go.flowcatalyst.tech/internal/common/mongo"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/queue/wiring"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/warning"
	"go.flowcatalyst.tech/internal/scheduler"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const (
	secretKeyDispatchAuth   = "dispatch-auth-key"
	secretKeyWebhookSigning = "webhook-signing-secret"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting FlowCatalyst dispatch pipeline",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	mongoClient, err := fcmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			slog.Error("Error disconnecting from MongoDB", "error", err)
		}
	}()

	if err := fcmongo.NewIndexInitializer(mongoClient).Initialize(ctx); err != nil {
		slog.Error("Failed to initialize MongoDB indexes", "error", err)
		os.Exit(1)
	}

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoClient.Ping(ctx)
	}))

	db := mongoClient.Database()

	backend, err := openQueue(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("Failed to open queue backend", "error", err, "type", cfg.Queue.Type)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("Error closing queue backend", "error", err)
		}
	}()

	jobRepo := dispatchjob.NewRepository(db)

	// Signing keys come from the configured secrets backend; a missing key
	// falls back to the matching environment variable.
	secretsProvider, err := secrets.NewProvider(&cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	appKey := lookupSecret(ctx, secretsProvider, secretKeyDispatchAuth, "DISPATCH_AUTH_KEY")
	signingSecret := lookupSecret(ctx, secretsProvider, secretKeyWebhookSigning, "WEBHOOK_SIGNING_SECRET")

	// Dispatch Scheduler: drains PENDING jobs onto the broker.
	schedulerCfg := scheduler.DefaultSchedulerConfig()
	schedulerCfg.PollInterval = cfg.Scheduler.PollInterval
	schedulerCfg.BatchSize = cfg.Scheduler.BatchSize
	schedulerCfg.MaxConcurrentGroups = cfg.Scheduler.MaxConcurrentGroups
	schedulerCfg.StaleThreshold = cfg.Scheduler.StaleQueuedThreshold
	schedulerCfg.StaleCheckInterval = cfg.Scheduler.StaleQueuedPollInterval
	schedulerCfg.DefaultDispatchPoolCode = cfg.Scheduler.DefaultDispatchPoolCode
	schedulerCfg.AppKey = appKey
	schedulerCfg.LeaderElection = scheduler.LeaderElectionConfig{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	dispatchScheduler := scheduler.NewScheduler(db, backend.Publisher, schedulerCfg)
	dispatchScheduler.Start()
	defer dispatchScheduler.Stop()

	healthChecker.AddLivenessCheck(health.SchedulerCheck(dispatchScheduler.IsRunning, dispatchScheduler.IsPrimary))

	// Message Router: consumes queued jobs and mediates delivery.
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	mediatorCfg.SigningSecret = signingSecret
	messageRouter := manager.NewRouter(backend.Consumer, mediatorCfg)
	messageRouter.Manager().
		WithConfigSync(db, manager.DefaultConfigSyncConfig()).
		WithJobStore(jobRepo).
		WithWarningService(warning.NewInMemoryService())
	messageRouter.Start()
	defer messageRouter.Stop()

	healthChecker.AddLivenessCheck(health.RouterCheck(messageRouter.Manager().IsRunning, messageRouter.Manager().GetPipelineSize))

	// Pools declared in the config file deploy immediately; the store sync
	// reconciles on top of them.
	if pools := poolConfigsFrom(cfg); len(pools) > 0 {
		messageRouter.Manager().ApplyPoolConfigs(pools)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}

	slog.Info("FlowCatalyst stopped")
}

// lookupSecret reads key from the provider, falling back to envKey.
func lookupSecret(ctx context.Context, provider secrets.Provider, key, envKey string) string {
	value, err := provider.Get(ctx, key)
	if err == nil && value != "" {
		return value
	}
	if err != nil && err != secrets.ErrSecretNotFound {
		slog.Warn("Failed to read secret, falling back to environment", "key", key, "error", err)
	}
	return os.Getenv(envKey)
}

// poolConfigsFrom converts file-configured pools to the router's form.
func poolConfigsFrom(cfg *config.Config) []manager.PoolConfig {
	pools := make([]manager.PoolConfig, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pc := manager.PoolConfig{
			Code:          p.Code,
			Concurrency:   p.Concurrency,
			QueueCapacity: p.QueueCapacity,
		}
		if p.RateLimitPerMinute > 0 {
			rate := p.RateLimitPerMinute
			pc.RateLimitPerMinute = &rate
		}
		pools = append(pools, pc)
	}
	return pools
}

// openQueue builds the configured queue backend via the shared wiring
// factory and registers a matching readiness check.
func openQueue(ctx context.Context, cfg *config.Config, healthChecker *health.Checker) (*queue.Backend, error) {
	queueCfg := queue.Config{
		Type:    cfg.Queue.Type,
		DataDir: cfg.DataDir,
		NATS: queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		},
		SQS: queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		},
		Embedded: queue.EmbeddedConfig{DBPath: cfg.Queue.Embedded.DBPath},
		ActiveMQ: queue.ActiveMQConfig{
			Addr:      cfg.Queue.ActiveMQ.Addr,
			Login:     cfg.Queue.ActiveMQ.Login,
			Passcode:  cfg.Queue.ActiveMQ.Passcode,
			QueueName: cfg.Queue.ActiveMQ.QueueName,
		},
	}

	factory := wiring.NewFactory("dispatch.>")
	backend, err := factory.Open(ctx, queueCfg)
	if err != nil {
		return nil, err
	}

	slog.Info("Queue backend ready", "type", cfg.Queue.Type)

	if backend.Metrics != nil {
		healthChecker.AddReadinessCheck(func() health.Check {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := backend.Metrics.QueryMetrics(checkCtx); err != nil {
				return health.Check{Status: health.StatusDown, Data: map[string]interface{}{"error": err.Error()}}
			}
			return health.Check{Status: health.StatusUp}
		})
	}

	return backend, nil
}
