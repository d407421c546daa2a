// Package holds implements the inventory contract: transactional hold
// placement with per-night guarded updates, staff release and scheduled
// expiration. The guarded conditional UPDATE is the only thing standing
// between concurrent bookings and an oversold night, so every inventory
// mutation in this package goes through it.
package holds

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/dedupe"
	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/outbox"
	"pousada/pricing"
	"pousada/tasks"
)

const defaultTTLMinutes = 30

// Engine coordinates hold placement against the inventory calendar.
type Engine struct {
	db         *gorm.DB
	dispatcher tasks.Dispatcher
	now        func() time.Time
	defaultTTL time.Duration
}

func NewEngine(db *gorm.DB, dispatcher tasks.Dispatcher) *Engine {
	return &Engine{
		db:         db,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: defaultTTLMinutes * time.Minute,
	}
}

// WithNow pins the clock, used by tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithDefaultTTL overrides the fallback hold lifetime applied when a
// property does not configure its own.
func (e *Engine) WithDefaultTTL(ttl time.Duration) *Engine {
	if ttl > 0 {
		e.defaultTTL = ttl
	}
	return e
}

// CreateRequest describes a hold to place. Either QuoteOptionID points
// at an immutable priced quote, or the stay parameters are given
// explicitly and priced here. An empty CreationKey gets a random one,
// which keeps the insert path uniform at the cost of idempotency.
type CreateRequest struct {
	PropertyID    uuid.UUID
	CreationKey   string
	QuoteOptionID *uuid.UUID
	RoomTypeID    uuid.UUID
	Checkin       time.Time
	Checkout      time.Time
	Adults        int
	ChildrenAges  []int
	GuestName     *string
	GuestEmail    *string
	GuestPhone    *string
}

type resolvedStay struct {
	roomTypeID     uuid.UUID
	conversationID *uuid.UUID
	checkin        time.Time
	checkout       time.Time
	nights         int
	totalCents     int64
	currency       string
	adults         int
	childrenAges   []int
}

// Create places a hold. The second return reports whether this call
// created the hold or replayed an earlier one with the same creation
// key. The expiration task is always scheduled after commit, replays
// included; the dispatcher deduplicates by task id.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Hold, bool, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)

	key := req.CreationKey
	if key == "" {
		key = uuid.NewString()
	}

	var (
		hold    models.Hold
		created bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var property models.Property
		if err := tx.First(&property, "id = ?", req.PropertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faults.Newf(faults.KindNotFound, "property_not_found", "property %s not found", req.PropertyID)
			}
			return err
		}

		// Replay fast-path before pricing, so a calendar that sold out
		// after the first call cannot fail an idempotent retry.
		var existing models.Hold
		err := tx.Preload("Nights").
			First(&existing, "property_id = ? AND creation_key = ?", req.PropertyID, key).Error
		if err == nil {
			hold = existing
			created = false
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		stay, err := e.resolveStay(tx, &property, req)
		if err != nil {
			return err
		}

		ttl := time.Duration(property.HoldTTLMinutes) * time.Minute
		if ttl <= 0 {
			ttl = e.defaultTTL
		}

		roomTypeID := stay.roomTypeID
		row := models.Hold{
			ID:             uuid.New(),
			PropertyID:     req.PropertyID,
			CreationKey:    key,
			RoomTypeID:     &roomTypeID,
			ConversationID: stay.conversationID,
			QuoteOptionID:  req.QuoteOptionID,
			Checkin:        stay.checkin,
			Checkout:       stay.checkout,
			ExpiresAt:      e.now().Add(ttl),
			TotalCents:     stay.totalCents,
			Currency:       stay.currency,
			Status:         models.HoldActive,
			Adults:         stay.adults,
			ChildrenAges:   stay.childrenAges,
			GuestName:      req.GuestName,
			GuestEmail:     req.GuestEmail,
			GuestPhone:     req.GuestPhone,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "property_id"}, {Name: "creation_key"}},
			DoNothing: true,
		}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.Preload("Nights").
				First(&hold, "property_id = ? AND creation_key = ?", req.PropertyID, key).Error; err != nil {
				return err
			}
			created = false
			return nil
		}

		for _, date := range models.DatesBetween(stay.checkin, stay.checkout) {
			updated := tx.Model(&models.ARIDay{}).
				Where("property_id = ? AND room_type_id = ? AND date = ? AND inv_total >= inv_booked + inv_held + 1",
					req.PropertyID, stay.roomTypeID, date).
				UpdateColumn("inv_held", gorm.Expr("inv_held + 1"))
			if updated.Error != nil {
				return updated.Error
			}
			if updated.RowsAffected == 0 {
				return faults.Newf(faults.KindUnavailable, "unavailable",
					"no availability for %s", models.FormatDate(date))
			}
			night := models.HoldNight{
				ID:         uuid.New(),
				PropertyID: req.PropertyID,
				HoldID:     row.ID,
				RoomTypeID: stay.roomTypeID,
				Date:       date,
				Qty:        1,
			}
			if err := tx.Create(&night).Error; err != nil {
				return err
			}
			row.Nights = append(row.Nights, night)
		}

		if err := outbox.Emit(tx, req.PropertyID, correlationID, outbox.HoldCreated{
			HoldID:     row.ID,
			RoomTypeID: stay.roomTypeID,
			Checkin:    stay.checkin,
			Checkout:   stay.checkout,
			Nights:     stay.nights,
			TotalCents: stay.totalCents,
			Currency:   stay.currency,
		}); err != nil {
			return err
		}

		hold = row
		created = true
		return nil
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindUnavailable {
			observability.Holds().RecordCreated("unavailable", 0)
		}
		return nil, false, err
	}

	outcome := "replayed"
	if created {
		outcome = "created"
	}
	observability.Holds().RecordCreated(outcome, models.NightsBetween(hold.Checkin, hold.Checkout))

	// Scheduling failures after commit surface to the caller: a retried
	// create lands on the replay branch and schedules again.
	if err := e.dispatcher.Enqueue(ctx, tasks.Request{
		Name: tasks.TaskExpireHold,
		ID:   tasks.ExpireHoldID(hold.PropertyID, hold.ID),
		Payload: tasks.ExpireHoldPayload{
			PropertyID: hold.PropertyID,
			HoldID:     hold.ID,
		},
		RunAt: hold.ExpiresAt,
	}); err != nil {
		return nil, false, faults.Wrapf(faults.KindProviderTransient, "expire_schedule", err,
			"hold %s placed but expiration scheduling failed", hold.ID)
	}
	return &hold, created, nil
}

// resolveStay prices the request, either by dereferencing an immutable
// quote option or by quoting the explicit stay parameters in the same
// transaction.
func (e *Engine) resolveStay(tx *gorm.DB, property *models.Property, req CreateRequest) (*resolvedStay, error) {
	adults := req.Adults
	if adults == 0 {
		adults = 2
	}

	if req.QuoteOptionID != nil {
		var option models.QuoteOption
		err := tx.First(&option, "id = ? AND property_id = ?", *req.QuoteOptionID, req.PropertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, faults.Newf(faults.KindNotFound, "quote_option_not_found", "quote option %s not found", *req.QuoteOptionID)
		}
		if err != nil {
			return nil, err
		}
		conversationID := option.ConversationID
		return &resolvedStay{
			roomTypeID:     option.RoomTypeID,
			conversationID: &conversationID,
			checkin:        option.Checkin,
			checkout:       option.Checkout,
			nights:         option.Nights,
			totalCents:     option.TotalCents,
			currency:       option.Currency,
			adults:         adults,
			childrenAges:   req.ChildrenAges,
		}, nil
	}

	if req.RoomTypeID == uuid.Nil {
		return nil, faults.New(faults.KindValidation, "missing_room_type", "room_type_id or quote_option_id is required")
	}
	quote, err := pricing.QuoteStayTx(tx, pricing.Request{
		PropertyID:   req.PropertyID,
		RoomTypeID:   req.RoomTypeID,
		Checkin:      req.Checkin,
		Checkout:     req.Checkout,
		Adults:       adults,
		ChildrenAges: req.ChildrenAges,
	})
	if err != nil {
		return nil, err
	}
	return &resolvedStay{
		roomTypeID:   req.RoomTypeID,
		checkin:      quote.Checkin,
		checkout:     quote.Checkout,
		nights:       quote.Nights,
		totalCents:   quote.TotalCents,
		currency:     quote.Currency,
		adults:       adults,
		childrenAges: req.ChildrenAges,
	}, nil
}

// Get loads a hold with its nights.
func (e *Engine) Get(ctx context.Context, propertyID, holdID uuid.UUID) (*models.Hold, error) {
	var hold models.Hold
	err := e.db.WithContext(ctx).Preload("Nights").
		First(&hold, "id = ? AND property_id = ?", holdID, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "hold_not_found", "hold %s not found", holdID)
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// Release cancels an active hold on staff request, returning its nights
// to the pool.
func (e *Engine) Release(ctx context.Context, propertyID, holdID uuid.UUID, actor string) (*models.Hold, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	var hold models.Hold
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&hold, "id = ? AND property_id = ?", holdID, propertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.Newf(faults.KindNotFound, "hold_not_found", "hold %s not found", holdID)
		}
		if err != nil {
			return err
		}
		if hold.Status != models.HoldActive {
			return faults.Newf(faults.KindConflictBusiness, "hold_not_active", "hold %s is %s", holdID, hold.Status)
		}

		if err := e.returnNights(tx, &hold); err != nil {
			return err
		}

		hold.Status = models.HoldCancelled
		if err := tx.Save(&hold).Error; err != nil {
			return err
		}
		return outbox.Emit(tx, propertyID, correlationID, outbox.HoldReleased{
			HoldID: hold.ID,
			Actor:  actor,
		})
	})
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// ExpireResult names the outcome of one expiration task run.
type ExpireResult string

const (
	ExpireNoop      ExpireResult = "noop"
	ExpireNotYet    ExpireResult = "not_expired_yet"
	ExpireDuplicate ExpireResult = "duplicate"
	ExpireExpired   ExpireResult = "expired"
)

// Expire runs the scheduled expiration. Missing or non-active holds and
// premature deliveries return without a ledger write, so redelivery
// keeps working until the hold actually is a candidate.
func (e *Engine) Expire(ctx context.Context, propertyID, holdID uuid.UUID) (ExpireResult, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	result := ExpireNoop
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hold models.Hold
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&hold, "id = ? AND property_id = ?", holdID, propertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = ExpireNoop
			return nil
		}
		if err != nil {
			return err
		}
		if hold.Status != models.HoldActive {
			result = ExpireNoop
			return nil
		}
		if e.now().Before(hold.ExpiresAt) {
			result = ExpireNotYet
			return nil
		}

		fresh, err := dedupe.Mark(tx, propertyID, dedupe.SourceHoldExpire, holdID.String())
		if err != nil {
			return err
		}
		if !fresh {
			result = ExpireDuplicate
			return nil
		}

		if err := e.returnNights(tx, &hold); err != nil {
			return err
		}

		hold.Status = models.HoldExpired
		if err := tx.Save(&hold).Error; err != nil {
			return err
		}

		roomTypeID := uuid.Nil
		if hold.RoomTypeID != nil {
			roomTypeID = *hold.RoomTypeID
		}
		result = ExpireExpired
		return outbox.Emit(tx, propertyID, correlationID, outbox.HoldExpired{
			HoldID:     hold.ID,
			RoomTypeID: roomTypeID,
			Nights:     models.NightsBetween(hold.Checkin, hold.Checkout),
		})
	})
	if err != nil {
		return result, err
	}
	observability.Holds().RecordExpiration(string(result))
	return result, nil
}

// returnNights gives hold nights back to the calendar. The guard keeps
// inv_held from going negative; a zero-row update means the books are
// off and the transaction must not commit.
func (e *Engine) returnNights(tx *gorm.DB, hold *models.Hold) error {
	var nights []models.HoldNight
	if err := tx.Where("hold_id = ?", hold.ID).Order("date asc").Find(&nights).Error; err != nil {
		return err
	}
	for _, night := range nights {
		updated := tx.Model(&models.ARIDay{}).
			Where("property_id = ? AND room_type_id = ? AND date = ? AND inv_held >= ?",
				night.PropertyID, night.RoomTypeID, night.Date, night.Qty).
			UpdateColumn("inv_held", gorm.Expr("inv_held - ?", night.Qty))
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected == 0 {
			return faults.Newf(faults.KindInventoryConsistency, "inventory_underflow",
				"inv_held underflow on %s for hold %s", models.FormatDate(night.Date), hold.ID)
		}
	}
	return nil
}
