package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	"github.com/ManuelReschke/PixelForge/app/repository"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
	"github.com/ManuelReschke/PixelForge/internal/pkg/async"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/cache"
	"github.com/ManuelReschke/PixelForge/internal/pkg/config"
	"github.com/ManuelReschke/PixelForge/internal/pkg/constants"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
	"github.com/ManuelReschke/PixelForge/internal/pkg/fulfillment"
	"github.com/ManuelReschke/PixelForge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
	"github.com/ManuelReschke/PixelForge/internal/pkg/recovery"
	"github.com/ManuelReschke/PixelForge/internal/pkg/router"
	"github.com/ManuelReschke/PixelForge/internal/pkg/s3archive"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("[Startup] %v", err)
	}

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.HTTP.Host, cfg.HTTP.Port)); err != nil {
			log.Fatalf("[HTTP] %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Shutdown] Stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.Shutdown(ctx)
}

// Application owns the HTTP server and every long lived resource behind it.
type Application struct {
	*fiber.App

	db      *gorm.DB
	redis   *goredis.Client
	limiter *redis.Storage
	manager *jobqueue.Manager
}

func NewApplication(cfg *config.Config) (*Application, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.IsDev() || cfg.Database.Driver == "sqlite" {
		if err := database.Migrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	redisClient := cache.NewClient(cfg.Cache)
	limiterStorage := cache.NewLimiterStorage(cfg.Cache)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	repos := repository.NewRepositories(db)
	credits := ledger.New(db)
	billingRepo := billing.NewRepository(db)
	dispatcher := async.SafeGo{Timeout: cfg.Fulfillment.AuditTimeout}

	var biller billing.OverageBiller = billing.DisabledBiller{}
	if cfg.Stripe.SecretKey != "" {
		biller = billing.NewStripeBiller(cfg.Stripe.SecretKey)
	} else {
		log.Warn("[Billing] STRIPE_SECRET_KEY not set, overage billing disabled")
	}

	billingSvc, err := newBillingService(cfg, billingRepo, credits, m, dispatcher)
	if err != nil {
		return nil, err
	}

	queue := jobqueue.NewQueue(redisClient)
	orchestrator := fulfillment.NewOrchestrator(fulfillment.Deps{
		Ledger:     credits,
		Profiles:   billing.NewProfileResolver(billingRepo),
		Biller:     biller,
		Sessions:   repos.Session,
		Audit:      billingRepo,
		Publisher:  queue,
		Dispatcher: dispatcher,
		Metrics:    m,
	}, fulfillment.Settings{
		ChargeTimeout: cfg.Fulfillment.ChargeTimeout,
		QueueTimeout:  cfg.Fulfillment.QueueTimeout,
		TaskVersion:   cfg.Fulfillment.TaskVersion,
	})

	sweeper := recovery.NewSweeper(repos.Session, credits, biller, m, cfg.Recovery.StuckAfter, cfg.Recovery.BatchSize)
	manager := jobqueue.NewManager()
	if err := manager.Schedule(jobqueue.ScheduledTask{
		Name:     "recovery sweep",
		Schedule: cfg.Recovery.Schedule,
		Run:      sweeper.Run,
	}); err != nil {
		return nil, err
	}
	manager.Start()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "PixelForge",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if specPath, ok := findOpenAPISpec(); ok {
		app.Use(swagger.New(swagger.Config{
			BasePath: constants.DocsBasePath,
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[Startup] openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Accounts: repos.Account,
		APIServer: apiv1.NewAPIServer(
			controllers.NewFulfillmentController(orchestrator),
			controllers.NewCreditController(credits),
		),
		Webhooks: controllers.NewWebhookController(billingSvc),
		Admin:    controllers.NewAdminController(queue, sweeper),
		Health: controllers.NewHealthController(map[string]controllers.HealthCheck{
			"database": sqlDB.PingContext,
			"queue":    queue.Ping,
		}),
		Metrics:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		LimiterStorage:  limiterStorage,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		MonitorUser:     cfg.HTTP.MonitorUser,
		MonitorPassword: cfg.HTTP.MonitorPassword,
	})

	return &Application{
		App:     app,
		db:      db,
		redis:   redisClient,
		limiter: limiterStorage,
		manager: manager,
	}, nil
}

func newBillingService(cfg *config.Config, repo billing.Repository, l ledger.Ledger, m *metrics.Metrics, dispatcher async.Dispatcher) (*billing.Service, error) {
	var verifiers []billing.Verifier
	if cfg.Webhook.SigningSecret != "" {
		verifiers = append(verifiers, billing.NewSignedVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.Tolerance))
	}
	if cfg.Stripe.WebhookSecret != "" {
		verifiers = append(verifiers, billing.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Webhook.Tolerance))
	}
	if len(verifiers) == 0 {
		log.Warn("[Billing] No webhook secret configured, all webhook deliveries will be rejected")
	}

	opts := []billing.Option{billing.WithDispatcher(dispatcher)}
	if cfg.Webhook.ArchiveRaw {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		archive, err := s3archive.NewClient(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("webhook archive: %w", err)
		}
		opts = append(opts, billing.WithArchiver(archive))
	}
	return billing.NewService(repo, l, m, verifiers, opts...), nil
}

// Shutdown drains HTTP first so no request publishes after the queue closes.
func (a *Application) Shutdown(ctx context.Context) {
	if err := a.App.ShutdownWithContext(ctx); err != nil {
		log.Errorf("[Shutdown] HTTP: %v", err)
	}
	a.manager.Stop()
	if err := a.limiter.Close(); err != nil {
		log.Warnf("[Shutdown] Limiter storage: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		log.Warnf("[Shutdown] Redis: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func findOpenAPISpec() (string, bool) {
	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/pixelforge to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		candidate := path + constants.OpenAPIFile
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
