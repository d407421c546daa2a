// Package worker exposes the task process's HTTP surface. Every route
// under /tasks authenticates the queue's identity, decodes the
// canonical envelope and runs the matching engine. Response codes
// steer redelivery: a 2xx consumes the task, a 5xx asks the queue to
// try again, a 4xx flags a broken producer.
package worker

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/conversation"
	"pousada/holds"
	"pousada/messaging"
	"pousada/middleware"
	"pousada/payments"
	"pousada/pii"
	"pousada/tasks"
)

// Config collects the dependencies for New. Logger defaults when unset.
type Config struct {
	DB            *gorm.DB
	Verifier      *auth.WorkerVerifier
	Holds         *holds.Engine
	Payments      *payments.Broker
	Conversations *conversation.Machine
	Vault         *pii.Vault
	Sender        messaging.TextSender
	Templates     *messaging.Catalog
	Logger        *slog.Logger
}

// Worker owns the task router and the handler dependencies.
type Worker struct {
	db            *gorm.DB
	verifier      *auth.WorkerVerifier
	holds         *holds.Engine
	payments      *payments.Broker
	conversations *conversation.Machine
	vault         *pii.Vault
	sender        messaging.TextSender
	templates     *messaging.Catalog
	logger        *slog.Logger
	router        http.Handler
}

// New wires the worker and builds its router.
func New(cfg Config) *Worker {
	wk := &Worker{
		db:            cfg.DB,
		verifier:      cfg.Verifier,
		holds:         cfg.Holds,
		payments:      cfg.Payments,
		conversations: cfg.Conversations,
		vault:         cfg.Vault,
		sender:        cfg.Sender,
		templates:     cfg.Templates,
		logger:        cfg.Logger,
	}
	if wk.logger == nil {
		wk.logger = slog.Default()
	}
	wk.router = wk.buildRouter()
	return wk
}

// Handler returns the root handler for http.Server.
func (wk *Worker) Handler() http.Handler {
	return wk.router
}

func (wk *Worker) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Correlation(wk.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", wk.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/tasks", func(tr chi.Router) {
		tr.Use(wk.verifier.Middleware)
		tr.With(middleware.Observe(tasks.Route(tasks.TaskExpireHold))).
			Post("/holds/expire", wk.handleExpireHold)
		tr.With(middleware.Observe(tasks.Route(tasks.TaskStripeEvent))).
			Post("/stripe/handle-event", wk.handleStripeEvent)
		tr.With(middleware.Observe(tasks.Route(tasks.TaskHandleMessage))).
			Post("/whatsapp/handle-message", wk.handleInboundMessage)
		tr.With(middleware.Observe(tasks.Route(tasks.TaskSendMessage))).
			Post("/whatsapp/send", wk.handleSendMessage)
		tr.With(middleware.Observe(tasks.Route(tasks.TaskVaultCleanup))).
			Post("/vault/cleanup", wk.handleVaultCleanup)
	})

	return r
}

func (wk *Worker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if wk.db != nil {
		sqlDB, err := wk.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
