// Package reservations drives the stay lifecycle: hold conversion,
// staff-created bookings, policy-based cancellation, folio entries,
// room assignment and the check-in/check-out transitions. Every
// mutation locks its reservation row and shares one transaction with
// the inventory and outbox writes it causes.
package reservations

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/faults"
	"pousada/models"
	"pousada/pii"
)

// Engine owns all reservation mutations for every property.
type Engine struct {
	db    *gorm.DB
	vault *pii.Vault
	now   func() time.Time
}

func NewEngine(db *gorm.DB, vault *pii.Vault) *Engine {
	return &Engine{
		db:    db,
		vault: vault,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithNow pins the clock, used by tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Get loads one reservation scoped to its property.
func (e *Engine) Get(tx *gorm.DB, propertyID, reservationID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := tx.First(&reservation, "id = ? AND property_id = ?", reservationID, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "reservation_not_found", "reservation %s not found", reservationID)
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func loadProperty(tx *gorm.DB, propertyID uuid.UUID) (*models.Property, error) {
	var property models.Property
	err := tx.First(&property, "id = ?", propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindNotFound, "property_not_found", "property %s not found", propertyID)
	}
	if err != nil {
		return nil, err
	}
	return &property, nil
}

// bookNights reserves inventory for a staff-created stay. The guard is
// the same conditional UPDATE the hold engine uses, applied to
// inv_booked; nights are visited in ascending order to keep the lock
// order stable across concurrent writers.
func bookNights(tx *gorm.DB, propertyID, roomTypeID uuid.UUID, checkin, checkout time.Time) error {
	for _, date := range models.DatesBetween(checkin, checkout) {
		updated := tx.Model(&models.ARIDay{}).
			Where("property_id = ? AND room_type_id = ? AND date = ? AND inv_total >= inv_booked + inv_held + 1",
				propertyID, roomTypeID, date).
			UpdateColumn("inv_booked", gorm.Expr("inv_booked + 1"))
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected == 0 {
			return faults.Newf(faults.KindUnavailable, "unavailable",
				"no availability for %s", models.FormatDate(date))
		}
	}
	return nil
}

// releaseNights returns a cancelled or re-dated stay to the calendar.
// Nights booked directly live in inv_booked; nights inherited from a
// converted hold may still sit in inv_held until the end-of-day
// bookkeeping moves them. Whichever bucket owns the night is
// decremented; an empty pair means the books are off and the
// transaction must not commit.
func releaseNights(tx *gorm.DB, propertyID, roomTypeID uuid.UUID, checkin, checkout time.Time) error {
	for _, date := range models.DatesBetween(checkin, checkout) {
		booked := tx.Model(&models.ARIDay{}).
			Where("property_id = ? AND room_type_id = ? AND date = ? AND inv_booked >= 1",
				propertyID, roomTypeID, date).
			UpdateColumn("inv_booked", gorm.Expr("inv_booked - 1"))
		if booked.Error != nil {
			return booked.Error
		}
		if booked.RowsAffected > 0 {
			continue
		}
		held := tx.Model(&models.ARIDay{}).
			Where("property_id = ? AND room_type_id = ? AND date = ? AND inv_held >= 1",
				propertyID, roomTypeID, date).
			UpdateColumn("inv_held", gorm.Expr("inv_held - 1"))
		if held.Error != nil {
			return held.Error
		}
		if held.RowsAffected == 0 {
			return faults.Newf(faults.KindInventoryConsistency, "inventory_underflow",
				"no booked or held inventory on %s to release", models.FormatDate(date))
		}
	}
	return nil
}

// checkRoomOverlap rejects an assignment that would overlap an
// operational reservation on the same physical room. Overlap is strict,
// so a checkout day equal to the next checkin day does not conflict.
// The database exclusion constraint backs this check up on Postgres.
func checkRoomOverlap(tx *gorm.DB, propertyID, roomID uuid.UUID, checkin, checkout time.Time, excludeReservation uuid.UUID) error {
	var count int64
	err := tx.Model(&models.Reservation{}).
		Where("property_id = ? AND room_id = ? AND id <> ? AND status IN ? AND checkin < ? AND ? < checkout",
			propertyID, roomID, excludeReservation,
			[]models.ReservationStatus{models.ReservationConfirmed, models.ReservationInHouse, models.ReservationCheckedOut},
			models.DateOnly(checkout), models.DateOnly(checkin)).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return faults.Newf(faults.KindConflictBusiness, "room_conflict",
			"room %s already has a reservation overlapping %s..%s",
			roomID, models.FormatDate(checkin), models.FormatDate(checkout))
	}
	return nil
}

// resolveGuest finds or creates the identity-resolved guest profile for
// the contact fields a hold or booking carries. Identity needs an email
// or a phone; a bare name is kept on the reservation only.
func resolveGuest(tx *gorm.DB, propertyID uuid.UUID, name, email, phone *string) (*uuid.UUID, error) {
	normalizedEmail := normalizeContact(email)
	normalizedPhone := normalizeContact(phone)
	if normalizedEmail == nil && normalizedPhone == nil {
		return nil, nil
	}

	var guest models.Guest
	var err error
	switch {
	case normalizedEmail != nil:
		err = tx.First(&guest, "property_id = ? AND email = ?", propertyID, *normalizedEmail).Error
	default:
		err = tx.First(&guest, "property_id = ? AND phone = ?", propertyID, *normalizedPhone).Error
	}
	if err == nil {
		changed := false
		if guest.Phone == nil && normalizedPhone != nil {
			guest.Phone = normalizedPhone
			changed = true
		}
		if guest.Email == nil && normalizedEmail != nil {
			guest.Email = normalizedEmail
			changed = true
		}
		if guest.FirstName == "" && name != nil {
			guest.FirstName, guest.LastName = splitName(*name)
			changed = true
		}
		if changed {
			if err := tx.Save(&guest).Error; err != nil {
				return nil, err
			}
		}
		return &guest.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	guest = models.Guest{
		ID:         uuid.New(),
		PropertyID: propertyID,
		Email:      normalizedEmail,
		Phone:      normalizedPhone,
	}
	if name != nil {
		guest.FirstName, guest.LastName = splitName(*name)
	}
	if err := tx.Create(&guest).Error; err != nil {
		return nil, faults.Classify(err)
	}
	return &guest.ID, nil
}

func normalizeContact(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(strings.ToLower(*value))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// confirmationRequirement converts the property's confirmation threshold
// into cents. The threshold is a fraction of the total; rounding up
// keeps a 0.3 threshold on an odd total from confirming one cent short.
func confirmationRequirement(property *models.Property, totalCents int64) int64 {
	threshold := property.ConfirmationThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return int64(math.Ceil(threshold * float64(totalCents)))
}

// paidCents sums the money already applied to a reservation: succeeded
// provider sessions on its hold plus captured folio entries.
func paidCents(tx *gorm.DB, reservation *models.Reservation) (int64, error) {
	var sessionPaid int64
	if reservation.HoldID != nil {
		err := tx.Model(&models.Payment{}).
			Where("property_id = ? AND hold_id = ? AND status = ?",
				reservation.PropertyID, *reservation.HoldID, models.PaymentSucceeded).
			Select("COALESCE(SUM(amount_cents),0)").
			Scan(&sessionPaid).Error
		if err != nil {
			return 0, err
		}
	}
	var captured int64
	err := tx.Model(&models.FolioPayment{}).
		Where("property_id = ? AND reservation_id = ? AND status = ?",
			reservation.PropertyID, reservation.ID, models.FolioCaptured).
		Select("COALESCE(SUM(amount_cents),0)").
		Scan(&captured).Error
	if err != nil {
		return 0, err
	}
	return sessionPaid + captured, nil
}
