// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments. Consumes
// messages from the configured queue backend (embedded SQLite, NATS, SQS,
// or ActiveMQ) and delivers via HTTP mediation.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/queue/wiring"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const routerQueueID = "dispatch"

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// Router doesn't need MongoDB, just config.
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: false,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	backend, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Per-pool and per-queue statistics backing the health surface.
	poolMetrics := routermetrics.NewInMemoryPoolMetricsService()
	queueMetrics := routermetrics.NewInMemoryQueueMetricsService()

	// Warning service, shared by the pipeline and the HTTP surface.
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	// Message router.
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(backend.Consumer, mediatorCfg)
	messageRouter.Manager().
		WithPoolMetrics(poolMetrics).
		WithWarningService(warningService)
	routerService := manager.NewRouterService(messageRouter)

	// Standby service for leader election.
	standbyService := setupStandbyService(app.Config, routerService)

	// Health surface: infrastructure (pool activity), broker reachability,
	// and the aggregated status document.
	infraHealth := routerhealth.NewInfrastructureHealthService(true,
		routerhealth.NewPoolMetricsAdapter(poolMetrics))
	brokerHealth := routerhealth.NewBrokerHealthService(true,
		routerhealth.QueueType(app.Config.Queue.Type),
		newBrokerChecker(backend))
	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth,
		routerhealth.NewPoolMetricsAdapter(poolMetrics))
	healthStatus.SetQueueStatsGetter(routerhealth.NewQueueMetricsAdapter(queueMetrics))

	// Feed broker-side queue depth into the stats service and keep the
	// broker reachability check fresh.
	if backend.Metrics != nil {
		go pollQueueDepth(ctx, backend.Metrics, queueMetrics)
	}
	go pollBrokerHealth(ctx, brokerHealth)

	httpRouter := setupHTTPRouter(healthChecker, standbyService, warningHandler, healthStatus, infraHealth)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var services []lifecycle.Service

	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is
	// enabled; otherwise the router runs directly.
	if app.Config.Leader.Enabled {
		services = append(services, newStandbyServiceWrapper(standbyService))
	} else {
		services = append(services, routerService)
	}

	// Pools declared in the config file deploy as soon as the router runs.
	if pools := poolConfigsFrom(app.Config); len(pools) > 0 {
		go func() {
			time.Sleep(time.Second)
			messageRouter.Manager().ApplyPoolConfigs(pools)
		}()
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled)

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
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

// pollQueueDepth periodically copies broker-reported depth into the queue
// stats service backing the health surface.
func pollQueueDepth(ctx context.Context, provider queue.MetricsProvider, stats routermetrics.QueueMetricsService) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			m, err := provider.QueryMetrics(checkCtx)
			cancel()
			if err != nil {
				slog.Warn("Failed to query queue metrics", "error", err)
				continue
			}
			stats.RecordQueueMetrics(routerQueueID, m.Pending, m.Invisible)
			stats.RecordQueueDepth(routerQueueID, m.Pending+m.Invisible)
		}
	}
}

// pollBrokerHealth re-runs the broker connectivity check on a fixed
// cadence so the health document reflects current reachability.
func pollBrokerHealth(ctx context.Context, brokerHealth *routerhealth.BrokerHealthService) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	brokerHealth.CheckBrokerConnectivity()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			brokerHealth.CheckBrokerConnectivity()
		}
	}
}

// brokerChecker adapts the backend's metrics endpoint to the broker
// connectivity check.
type brokerChecker struct {
	backend *queue.Backend
}

func newBrokerChecker(backend *queue.Backend) *brokerChecker {
	return &brokerChecker{backend: backend}
}

func (c *brokerChecker) CheckConnectivity(ctx context.Context) error {
	if c.backend.Metrics == nil {
		return nil
	}
	_, err := c.backend.Metrics.QueryMetrics(ctx)
	return err
}

func (c *brokerChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.CheckConnectivity(ctx)
}

// setupQueue opens the configured backend through the shared wiring
// factory (embedded/nats/sqs/activemq); the router binary never publishes,
// it only drains what the scheduler (or an external producer) already
// queued.
func setupQueue(ctx context.Context, app *lifecycle.App) (*queue.Backend, health.CheckFunc, error) {
	cfg := app.Config

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
		return nil, nil, fmt.Errorf("open queue backend: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Closing queue backend")
		return backend.Close()
	})

	var healthCheck health.CheckFunc
	if backend.Metrics != nil {
		healthCheck = func() health.Check {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := backend.Metrics.QueryMetrics(checkCtx); err != nil {
				return health.Check{Status: health.StatusDown, Data: map[string]interface{}{"error": err.Error()}}
			}
			return health.Check{Status: health.StatusUp}
		}
	} else {
		healthCheck = func() health.Check {
			return health.Check{Status: health.StatusUp}
		}
	}

	slog.Info("Queue backend ready", "type", cfg.Queue.Type)
	return backend, healthCheck, nil
}

// setupStandbyService configures leader election.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService) *standby.Service {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
		},
	}

	return standby.NewService(standbyCfg, callbacks)
}

// setupHTTPRouter creates the HTTP router with the health and metrics
// surface.
func setupHTTPRouter(
	healthChecker *health.Checker,
	standbyService *standby.Service,
	warningHandler *warning.Handler,
	healthStatus *routerhealth.HealthStatusService,
	infraHealth *routerhealth.InfrastructureHealthService,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Aggregated health document and infrastructure detail.
	r.Get("/router/health-status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthStatus.GetHealthStatus())
	})
	r.Get("/router/infrastructure", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(infraHealth.CheckHealth())
	})

	// Standby status endpoint.
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":%q,"instanceId":%q,"standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	warningHandler.RegisterRoutes(r)

	return r
}

// standbyServiceWrapper wraps standby.Service to implement
// lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
