// Package server exposes the api process's HTTP surface: provider
// webhooks, the staff dashboard endpoints and the operational routes.
// Handlers translate between JSON and the domain engines; business
// rules live in the engine packages.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/config"
	"pousada/holds"
	"pousada/middleware"
	"pousada/payments"
	"pousada/pii"
	"pousada/reservations"
	"pousada/tasks"
)

// Config collects the dependencies for New. Logger and Now default
// when unset; Limiter may be nil to disable webhook rate limiting.
type Config struct {
	DB           *gorm.DB
	Staff        *auth.StaffVerifier
	Holds        *holds.Engine
	Reservations *reservations.Engine
	Payments     *payments.Broker
	Vault        *pii.Vault
	Hasher       *pii.Hasher
	Dispatcher   tasks.Dispatcher
	Limiter      *middleware.RateLimiter
	WhatsApp     config.WhatsAppConfig
	Stripe       config.StripeConfig
	LocalDev     bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Server owns the router and the handler dependencies.
type Server struct {
	db           *gorm.DB
	staff        *auth.StaffVerifier
	holds        *holds.Engine
	reservations *reservations.Engine
	payments     *payments.Broker
	vault        *pii.Vault
	hasher       *pii.Hasher
	dispatcher   tasks.Dispatcher
	limiter      *middleware.RateLimiter
	whatsapp     config.WhatsAppConfig
	stripe       config.StripeConfig
	localDev     bool
	logger       *slog.Logger
	now          func() time.Time
	router       http.Handler
}

// New wires the server and builds its router.
func New(cfg Config) *Server {
	s := &Server{
		db:           cfg.DB,
		staff:        cfg.Staff,
		holds:        cfg.Holds,
		reservations: cfg.Reservations,
		payments:     cfg.Payments,
		vault:        cfg.Vault,
		hasher:       cfg.Hasher,
		dispatcher:   cfg.Dispatcher,
		limiter:      cfg.Limiter,
		whatsapp:     cfg.WhatsApp,
		stripe:       cfg.Stripe,
		localDev:     cfg.LocalDev,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Correlation(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhooks", func(hooks chi.Router) {
		hooks.With(middleware.Observe("/webhooks/whatsapp/evolution"), s.limiter.Middleware("evolution")).
			Post("/whatsapp/evolution", s.handleEvolutionWebhook)
		hooks.With(middleware.Observe("/webhooks/whatsapp/meta")).
			Get("/whatsapp/meta", s.handleMetaSubscription)
		hooks.With(middleware.Observe("/webhooks/whatsapp/meta"), s.limiter.Middleware("meta")).
			Post("/whatsapp/meta", s.handleMetaWebhook)
		hooks.With(middleware.Observe("/webhooks/stripe"), s.limiter.Middleware("stripe")).
			Post("/stripe", s.handleStripeWebhook)
	})

	r.Group(func(api chi.Router) {
		api.Use(s.staff.Middleware)
		api.Use(middleware.Idempotency(s.db))

		viewer := auth.RequireRole(auth.RoleViewer)
		staff := auth.RequireRole(auth.RoleStaff)
		manager := auth.RequireRole(auth.RoleManager)

		api.With(middleware.Observe("/rates"), viewer).Get("/rates", s.handleListRates)
		api.With(middleware.Observe("/rates"), staff).Put("/rates", s.handleUpsertRates)
		api.With(middleware.Observe("/child-policies"), viewer).Get("/child-policies", s.handleGetChildPolicies)
		api.With(middleware.Observe("/child-policies"), staff).Put("/child-policies", s.handlePutChildPolicies)
		api.With(middleware.Observe("/cancellation-policy"), viewer).Get("/cancellation-policy", s.handleGetCancellationPolicy)
		api.With(middleware.Observe("/cancellation-policy"), staff).Put("/cancellation-policy", s.handlePutCancellationPolicy)

		api.With(middleware.Observe("/holds"), staff).Post("/holds", s.handleCreateHold)
		api.With(middleware.Observe("/holds/{holdID}"), viewer).Get("/holds/{holdID}", s.handleGetHold)
		api.With(middleware.Observe("/holds/{holdID}/release"), staff).Post("/holds/{holdID}/release", s.handleReleaseHold)
		api.With(middleware.Observe("/payments/holds/{holdID}/checkout"), staff).
			Post("/payments/holds/{holdID}/checkout", s.handleCheckout)

		api.With(middleware.Observe("/reservations"), staff).Post("/reservations", s.handleCreateReservation)
		api.With(middleware.Observe("/reservations/{reservationID}/payments"), staff).
			Post("/reservations/{reservationID}/payments", s.handleAddFolioPayment)
		api.With(middleware.Observe("/reservations/{reservationID}/extras"), staff).
			Post("/reservations/{reservationID}/extras", s.handleAddExtra)
		api.With(middleware.Observe("/reservations/{reservationID}/folio"), viewer).
			Get("/reservations/{reservationID}/folio", s.handleFolio)
		api.With(middleware.Observe("/reservations/{reservationID}/cancel"), manager).
			Post("/reservations/{reservationID}/cancel", s.handleCancelReservation)
		api.With(middleware.Observe("/reservations/{reservationID}/assign-room"), staff).
			Post("/reservations/{reservationID}/assign-room", s.handleAssignRoom)
		api.With(middleware.Observe("/reservations/{reservationID}/change-dates"), staff).
			Post("/reservations/{reservationID}/change-dates", s.handleChangeDates)
		api.With(middleware.Observe("/reservations/{reservationID}/check-in"), staff).
			Post("/reservations/{reservationID}/check-in", s.handleCheckIn)
		api.With(middleware.Observe("/reservations/{reservationID}/check-out"), staff).
			Post("/reservations/{reservationID}/check-out", s.handleCheckOut)

		api.With(middleware.Observe("/exports/reservations"), viewer).
			Get("/exports/reservations", s.handleExportReservations)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
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
