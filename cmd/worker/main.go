// Command pousada-worker consumes queued tasks: hold expiration,
// payment events, inbound conversation turns, outbound sends and
// vault cleanup. Every handler is idempotent so the queue may deliver
// more than once.
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

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/config"
	"pousada/conversation"
	"pousada/holds"
	"pousada/messaging"
	"pousada/models"
	"pousada/observability/logging"
	"pousada/observability/otel"
	"pousada/payments"
	"pousada/pii"
	"pousada/reservations"
	"pousada/tasks"
	"pousada/worker"
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
		logger = logging.SetupWriter("pousada-worker", cfg.Env, logging.FileWriter(cfg.LogFile))
	} else {
		logger = logging.Setup("pousada-worker", cfg.Env)
	}

	shutdownTelemetry, err := otel.Init(context.Background(), otel.Config{
		ServiceName: "pousada-worker",
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

	dispatcher, err := buildDispatcher(cfg.Tasks)
	if err != nil {
		log.Fatalf("build task dispatcher: %v", err)
	}

	verifier, err := auth.NewWorkerVerifier(cfg.Tasks)
	if err != nil {
		log.Fatalf("build worker verifier: %v", err)
	}

	holdEngine := holds.NewEngine(db, dispatcher).WithDefaultTTL(cfg.HoldTTL)
	resEngine := reservations.NewEngine(db, vault)
	provider := payments.NewStripeClient(cfg.Stripe.APIKey, payments.WithStripeBaseURL(cfg.Stripe.BaseURL))
	broker := payments.NewBroker(db, provider, resEngine, cfg.Stripe.SuccessURL, cfg.Stripe.CancelURL)
	machine := conversation.NewMachine(db, vault, dispatcher)

	evolution := messaging.NewEvolutionClient(cfg.WhatsApp.EvolutionBaseURL, cfg.WhatsApp.EvolutionAPIKey)
	meta := messaging.NewMetaClient(cfg.WhatsApp.MetaGraphBaseURL, cfg.WhatsApp.MetaAccessToken)
	sender := messaging.NewRouter(evolution, meta)

	catalog, err := messaging.LoadCatalog(cfg.TemplatesFile)
	if err != nil {
		log.Fatalf("load message templates: %v", err)
	}

	wk := worker.New(worker.Config{
		DB:            db,
		Verifier:      verifier,
		Holds:         holdEngine,
		Payments:      broker,
		Conversations: machine,
		Vault:         vault,
		Sender:        sender,
		Templates:     catalog,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           wk.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("worker listening", "port", cfg.Port, "env", cfg.Env)
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
}

// buildDispatcher mirrors the api binary: the worker enqueues tasks of
// its own (outbound sends, rescheduled expirations), so it needs the
// same backend selection.
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
