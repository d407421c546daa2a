package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pousada/auth"
	"pousada/holds"
	"pousada/middleware"
	"pousada/models"
)

type holdView struct {
	ID           uuid.UUID         `json:"id"`
	Status       models.HoldStatus `json:"status"`
	RoomTypeID   *uuid.UUID        `json:"room_type_id,omitempty"`
	Checkin      string            `json:"checkin"`
	Checkout     string            `json:"checkout"`
	Nights       int               `json:"nights"`
	Adults       int               `json:"adults"`
	ChildrenAges []int             `json:"children_ages,omitempty"`
	TotalCents   int64             `json:"total_cents"`
	Currency     string            `json:"currency"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

func newHoldView(hold *models.Hold) holdView {
	return holdView{
		ID:           hold.ID,
		Status:       hold.Status,
		RoomTypeID:   hold.RoomTypeID,
		Checkin:      models.FormatDate(hold.Checkin),
		Checkout:     models.FormatDate(hold.Checkout),
		Nights:       models.NightsBetween(hold.Checkin, hold.Checkout),
		Adults:       hold.Adults,
		ChildrenAges: hold.ChildrenAges,
		TotalCents:   hold.TotalCents,
		Currency:     hold.Currency,
		ExpiresAt:    hold.ExpiresAt.UTC(),
	}
}

// handleCreateHold places a hold. The creation key comes from the body
// or falls back to the Idempotency-Key header, so one client key drives
// both the HTTP replay and the domain-level idempotent insert. Replays
// answer 200 where a fresh hold answers 201.
func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		CreationKey   string     `json:"creation_key"`
		QuoteOptionID *uuid.UUID `json:"quote_option_id"`
		RoomTypeID    uuid.UUID  `json:"room_type_id"`
		Checkin       string     `json:"checkin"`
		Checkout      string     `json:"checkout"`
		Adults        int        `json:"adults"`
		ChildrenAges  []int      `json:"children_ages"`
		GuestName     *string    `json:"guest_name"`
		GuestEmail    *string    `json:"guest_email"`
		GuestPhone    *string    `json:"guest_phone"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	key := strings.TrimSpace(req.CreationKey)
	if key == "" {
		key = middleware.IdempotencyKeyFromContext(r.Context())
	}
	if len(key) > 160 {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_creation_key", "creation_key exceeds 160 characters")
		return
	}

	create := holds.CreateRequest{
		PropertyID:    propertyID,
		CreationKey:   key,
		QuoteOptionID: req.QuoteOptionID,
		RoomTypeID:    req.RoomTypeID,
		Adults:        req.Adults,
		ChildrenAges:  req.ChildrenAges,
		GuestName:     req.GuestName,
		GuestEmail:    req.GuestEmail,
		GuestPhone:    req.GuestPhone,
	}
	if req.QuoteOptionID == nil {
		checkin, ok := s.requireDateField(w, r, req.Checkin, "checkin")
		if !ok {
			return
		}
		checkout, ok := s.requireDateField(w, r, req.Checkout, "checkout")
		if !ok {
			return
		}
		create.Checkin = checkin
		create.Checkout = checkout
	}

	hold, created, err := s.holds.Create(r.Context(), create)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newHoldView(hold))
}

func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	holdID, ok := pathUUID(w, r, "holdID")
	if !ok {
		return
	}
	hold, err := s.holds.Get(r.Context(), propertyID, holdID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldView(hold))
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	holdID, ok := pathUUID(w, r, "holdID")
	if !ok {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	hold, err := s.holds.Release(r.Context(), propertyID, holdID, claims.Subject)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldView(hold))
}

type paymentView struct {
	PaymentID   uuid.UUID            `json:"payment_id"`
	SessionID   string               `json:"session_id"`
	CheckoutURL string               `json:"checkout_url"`
	Status      models.PaymentStatus `json:"status"`
	AmountCents int64                `json:"amount_cents"`
	Currency    string               `json:"currency"`
}

// handleCheckout opens a provider checkout session for an active hold.
// The broker replays an existing open session for the same hold, so a
// double-click is harmless.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	holdID, ok := pathUUID(w, r, "holdID")
	if !ok {
		return
	}
	payment, err := s.payments.CreateCheckoutSession(r.Context(), propertyID, holdID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentView{
		PaymentID:   payment.ID,
		SessionID:   payment.ProviderObjectID,
		CheckoutURL: payment.CheckoutURL,
		Status:      payment.Status,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
	})
}

// requireDateField parses a calendar date from a JSON body field,
// writing the 422 itself when the field is missing or malformed.
func (s *Server) requireDateField(w http.ResponseWriter, r *http.Request, raw, name string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "missing_field", name+" is required")
		return time.Time{}, false
	}
	date, err := models.ParseDate(raw)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_field", name+" must be formatted 2006-01-02")
		return time.Time{}, false
	}
	return date, true
}
