package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/pricing"
)

// CreateRequest describes a staff-created booking. Dates are priced
// against the calendar; contact fields feed guest identity resolution.
type CreateRequest struct {
	PropertyID   uuid.UUID
	RoomTypeID   uuid.UUID
	RoomID       *uuid.UUID
	Checkin      time.Time
	Checkout     time.Time
	Adults       int
	ChildrenAges []int
	Notes        string
	GuestName    *string
	GuestEmail   *string
	GuestPhone   *string
}

// Create books a stay directly, bypassing the hold flow. Inventory is
// taken on inv_booked night by night with the guarded update, so two
// staff members racing for the last unit cannot both win. The booking
// is confirmed immediately; payment tracking happens on the folio.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	adults := req.Adults
	if adults == 0 {
		adults = 2
	}
	if err := pricing.ValidateGuests(adults, req.ChildrenAges); err != nil {
		return nil, err
	}
	if err := pricing.ValidateStay(req.Checkin, req.Checkout); err != nil {
		return nil, err
	}
	if req.RoomTypeID == uuid.Nil {
		return nil, faults.New(faults.KindValidation, "missing_room_type", "room_type_id is required")
	}

	var reservation models.Reservation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadProperty(tx, req.PropertyID); err != nil {
			return err
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
			return err
		}

		guestID, err := resolveGuest(tx, req.PropertyID, req.GuestName, req.GuestEmail, req.GuestPhone)
		if err != nil {
			return err
		}

		reservation = models.Reservation{
			ID:           uuid.New(),
			PropertyID:   req.PropertyID,
			RoomTypeID:   req.RoomTypeID,
			GuestID:      guestID,
			Status:       models.ReservationConfirmed,
			Checkin:      quote.Checkin,
			Checkout:     quote.Checkout,
			TotalCents:   quote.TotalCents,
			Currency:     quote.Currency,
			Adults:       adults,
			ChildrenAges: req.ChildrenAges,
			Notes:        req.Notes,
		}

		if req.RoomID != nil {
			room, err := loadRoom(tx, req.PropertyID, *req.RoomID)
			if err != nil {
				return err
			}
			if err := checkRoomOverlap(tx, req.PropertyID, room.ID, quote.Checkin, quote.Checkout, reservation.ID); err != nil {
				return err
			}
			roomID := room.ID
			reservation.RoomID = &roomID
		}

		if err := bookNights(tx, req.PropertyID, req.RoomTypeID, quote.Checkin, quote.Checkout); err != nil {
			return err
		}

		if err := tx.Create(&reservation).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Reservations().RecordStayEvent("created")
	return &reservation, nil
}

// AssignRoom binds a reservation to a physical room after the overlap
// check. Re-assigning an in-house stay is allowed; cancelled and
// checked-out stays are not assignable.
func (e *Engine) AssignRoom(ctx context.Context, propertyID, reservationID, roomID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockReservation(tx, propertyID, reservationID, &reservation); err != nil {
			return err
		}
		switch reservation.Status {
		case models.ReservationCancelled, models.ReservationCheckedOut:
			return faults.Newf(faults.KindConflictBusiness, "not_assignable",
				"reservation %s is %s and cannot change rooms", reservation.ID, reservation.Status)
		}

		room, err := loadRoom(tx, propertyID, roomID)
		if err != nil {
			return err
		}
		if err := checkRoomOverlap(tx, propertyID, room.ID, reservation.Checkin, reservation.Checkout, reservation.ID); err != nil {
			return err
		}

		reservation.RoomID = &room.ID
		if err := tx.Save(&reservation).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// ChangeDatesRequest moves a stay to new dates.
type ChangeDatesRequest struct {
	PropertyID    uuid.UUID
	ReservationID uuid.UUID
	Checkin       time.Time
	Checkout      time.Time
}

// ChangeDates re-dates a stay before check-in: the old nights go back
// to the calendar, the new nights are priced and taken under the same
// guard, and the price delta accumulates on the adjustment column. The
// first change snapshots the original dates.
func (e *Engine) ChangeDates(ctx context.Context, req ChangeDatesRequest) (*models.Reservation, error) {
	if err := pricing.ValidateStay(req.Checkin, req.Checkout); err != nil {
		return nil, err
	}
	var reservation models.Reservation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockReservation(tx, req.PropertyID, req.ReservationID, &reservation); err != nil {
			return err
		}
		switch reservation.Status {
		case models.ReservationPending, models.ReservationPendingPayment, models.ReservationConfirmed:
		default:
			return faults.Newf(faults.KindConflictBusiness, "not_editable",
				"reservation %s is %s and cannot change dates", reservation.ID, reservation.Status)
		}

		if reservation.RoomID != nil {
			if err := checkRoomOverlap(tx, req.PropertyID, *reservation.RoomID, req.Checkin, req.Checkout, reservation.ID); err != nil {
				return err
			}
		}

		if err := releaseNights(tx, req.PropertyID, reservation.RoomTypeID, reservation.Checkin, reservation.Checkout); err != nil {
			return err
		}
		quote, err := pricing.QuoteStayTx(tx, pricing.Request{
			PropertyID:   req.PropertyID,
			RoomTypeID:   reservation.RoomTypeID,
			Checkin:      req.Checkin,
			Checkout:     req.Checkout,
			Adults:       reservation.Adults,
			ChildrenAges: reservation.ChildrenAges,
		})
		if err != nil {
			return err
		}
		if err := bookNights(tx, req.PropertyID, reservation.RoomTypeID, quote.Checkin, quote.Checkout); err != nil {
			return err
		}

		if reservation.OriginalCheckin == nil {
			original := reservation.Checkin
			reservation.OriginalCheckin = &original
		}
		if reservation.OriginalCheckout == nil {
			original := reservation.Checkout
			reservation.OriginalCheckout = &original
		}
		reservation.AdjustmentCents += quote.TotalCents - reservation.TotalCents
		reservation.TotalCents = quote.TotalCents
		reservation.Checkin = quote.Checkin
		reservation.Checkout = quote.Checkout
		if err := tx.Save(&reservation).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Reservations().RecordStayEvent("dates_changed")
	return &reservation, nil
}

// CheckIn moves a confirmed stay in house. The assigned room must be
// clean; the room's housekeeping state only changes again at checkout.
func (e *Engine) CheckIn(ctx context.Context, propertyID, reservationID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockReservation(tx, propertyID, reservationID, &reservation); err != nil {
			return err
		}
		if !reservation.Status.CanTransitionTo(models.ReservationInHouse) {
			return faults.Newf(faults.KindConflictBusiness, "cannot_check_in",
				"reservation %s is %s", reservation.ID, reservation.Status)
		}
		if reservation.RoomID == nil {
			return faults.New(faults.KindConflictBusiness, "room_not_assigned",
				"check-in requires an assigned room")
		}
		room, err := loadRoom(tx, propertyID, *reservation.RoomID)
		if err != nil {
			return err
		}
		if room.Housekeeping != models.RoomClean {
			return faults.Newf(faults.KindConflictBusiness, "room_not_clean",
				"room %s is %s", room.Name, room.Housekeeping)
		}

		checkedInAt := e.now()
		reservation.Status = models.ReservationInHouse
		reservation.CheckedInAt = &checkedInAt
		if err := tx.Save(&reservation).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Reservations().RecordStayEvent("check_in")
	return &reservation, nil
}

// CheckOut ends an in-house stay and marks the room dirty for
// housekeeping.
func (e *Engine) CheckOut(ctx context.Context, propertyID, reservationID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.lockReservation(tx, propertyID, reservationID, &reservation); err != nil {
			return err
		}
		if !reservation.Status.CanTransitionTo(models.ReservationCheckedOut) {
			return faults.Newf(faults.KindConflictBusiness, "cannot_check_out",
				"reservation %s is %s", reservation.ID, reservation.Status)
		}

		checkedOutAt := e.now()
		reservation.Status = models.ReservationCheckedOut
		reservation.CheckedOutAt = &checkedOutAt
		if err := tx.Save(&reservation).Error; err != nil {
			return faults.Classify(err)
		}

		if reservation.RoomID != nil {
			err := tx.Model(&models.Room{}).
				Where("id = ? AND property_id = ?", *reservation.RoomID, propertyID).
				UpdateColumn("housekeeping", models.RoomDirty).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Reservations().RecordStayEvent("check_out")
	return &reservation, nil
}

func (e *Engine) lockReservation(tx *gorm.DB, propertyID, reservationID uuid.UUID, out *models.Reservation) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(out, "id = ? AND property_id = ?", reservationID, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return faults.Newf(faults.KindNotFound, "reservation_not_found", "reservation %s not found", reservationID)
	}
	return err
}

func loadRoom(tx *gorm.DB, propertyID, roomID uuid.UUID) (*models.Room, error) {
	var room models.Room
	err := tx.First(&room, "id = ? AND property_id = ?", roomID, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "room_not_found", "room %s not found", roomID)
	}
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, faults.Newf(faults.KindConflictBusiness, "room_inactive", "room %s is inactive", room.Name)
	}
	return &room, nil
}
