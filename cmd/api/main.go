// Command pousada-api serves the public surface: provider webhooks,
// the staff dashboard API and the payment return pages. Durable work
// is enqueued for the worker process rather than executed in-request.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/config"
	"pousada/holds"
	"pousada/middleware"
	"pousada/models"
	"pousada/observability/logging"
	"pousada/observability/otel"
	"pousada/payments"
	"pousada/pii"
	"pousada/reservations"
	"pousada/server"
	"pousada/tasks"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.LoadDotEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupWriter("pousada-api", cfg.Env, logging.FileWriter(cfg.LogFile))
	} else {
		logger = logging.Setup("pousada-api", cfg.Env)
	}

	shutdownTelemetry, err := otel.Init(context.Background(), otel.Config{
		ServiceName: "pousada-api",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	vault, err := pii.NewVault(cfg.ContactRefsKey, cfg.VaultKeyID, cfg.ContactRefsTTL)
	if err != nil {
		log.Fatalf("build contact vault: %v", err)
	}
	hasher := pii.NewHasher(cfg.ContactHashSecret)

	dispatcher, err := buildDispatcher(cfg.Tasks)
	if err != nil {
		log.Fatalf("build task dispatcher: %v", err)
	}

	holdEngine := holds.NewEngine(db, dispatcher).WithDefaultTTL(cfg.HoldTTL)
	resEngine := reservations.NewEngine(db, vault)
	provider := payments.NewStripeClient(cfg.Stripe.APIKey, payments.WithStripeBaseURL(cfg.Stripe.BaseURL))
	broker := payments.NewBroker(db, provider, resEngine, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL)

	staff, err := auth.NewStaffVerifier(cfg.StaffAuth)
	if err != nil {
		log.Fatalf("build staff verifier: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, redisClient)

	srv := server.New(server.Config{
		DB:           db,
		Staff:        staff,
		Holds:        holdEngine,
		Reservations: resEngine,
		Payments:     broker,
		Vault:        vault,
		Hasher:       hasher,
		Dispatcher:   dispatcher,
		Limiter:      limiter,
		WhatsApp:     cfg.WhatsApp,
		Stripe:       cfg.Stripe,
		LocalDev:     cfg.Env != "production",
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.Port, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err.Error())
	}
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err.Error())
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("redis close failed", "error", err.Error())
		}
	}
}

// buildDispatcher selects the task backend from configuration. The
// http backend authenticates with the shared secret only when the
// audience opts into local development; everywhere else it mints OIDC
// identity tokens.
func buildDispatcher(cfg config.TasksConfig) (tasks.Dispatcher, error) {
	switch cfg.Backend {
	case config.TasksBackendInline:
		return tasks.NewInlineDispatcher(), nil
	case config.TasksBackendHTTP:
		if cfg.LocalDev() {
			return tasks.NewHTTPDispatcher(cfg.WorkerBaseURL, nil, cfg.InternalSecret)
		}
		source, err := tasks.NewIdentityTokenSource(cfg.OIDCAudience)
		if err != nil {
			return nil, err
		}
		return tasks.NewHTTPDispatcher(cfg.WorkerBaseURL, source, "")
	case config.TasksBackendCloudTasks:
		return tasks.NewCloudTasksDispatcher(
			cfg.CloudProject, cfg.CloudLocation, cfg.CloudQueue,
			cfg.WorkerBaseURL, cfg.OIDCAudience, cfg.OIDCServiceAccount,
			tasks.NewAccessTokenSource(""),
		)
	default:
		return nil, fmt.Errorf("unknown tasks backend %q", cfg.Backend)
	}
}
