// Package pricing computes stay quotes against per-night inventory and
// the PAX rate matrix.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/faults"
	"pousada/models"
)

// Request identifies one stay to price.
type Request struct {
	PropertyID   uuid.UUID
	RoomTypeID   uuid.UUID
	Checkin      time.Time
	Checkout     time.Time
	Adults       int
	ChildrenAges []int
}

// Quote is a successful pricing result.
type Quote struct {
	RoomTypeID uuid.UUID
	Checkin    time.Time
	Checkout   time.Time
	Nights     int
	TotalCents int64
	Currency   string
}

// Engine prices stays. It only reads; inventory mutation belongs to the
// hold engine.
type Engine struct {
	db *gorm.DB
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// ValidateGuests enforces the occupancy bounds the rate matrix covers.
func ValidateGuests(adults int, childrenAges []int) error {
	if adults < 1 || adults > 4 {
		return faults.Newf(faults.KindValidation, "adults_out_of_range", "adults must be between 1 and 4, got %d", adults)
	}
	if len(childrenAges) > 3 {
		return faults.Newf(faults.KindValidation, "children_out_of_range", "at most 3 children are supported, got %d", len(childrenAges))
	}
	for _, age := range childrenAges {
		if age < 0 || age > 17 {
			return faults.Newf(faults.KindValidation, "child_age_out_of_range", "child age must be between 0 and 17, got %d", age)
		}
	}
	return nil
}

// ValidateStay enforces the date contract shared by quotes and holds.
func ValidateStay(checkin, checkout time.Time) error {
	if !checkin.Before(checkout) {
		return faults.New(faults.KindValidation, "invalid_stay", "checkin must be before checkout")
	}
	return nil
}

// ValidateBuckets checks that a proposed child-age policy partitions
// 0..17 with no gaps or overlaps. Exactly three buckets are required.
func ValidateBuckets(buckets []models.ChildAgeBucket) error {
	if len(buckets) != 3 {
		return faults.Newf(faults.KindValidation, "bucket_count", "exactly 3 child age buckets are required, got %d", len(buckets))
	}
	sorted := make([]models.ChildAgeBucket, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAge < sorted[j].MinAge })
	if sorted[0].MinAge != 0 {
		return faults.New(faults.KindValidation, "bucket_gap", "first bucket must start at age 0")
	}
	if sorted[len(sorted)-1].MaxAge != 17 {
		return faults.New(faults.KindValidation, "bucket_gap", "last bucket must end at age 17")
	}
	for i, b := range sorted {
		if b.MinAge > b.MaxAge {
			return faults.Newf(faults.KindValidation, "bucket_inverted", "bucket %d has min_age above max_age", b.BucketNumber)
		}
		if i > 0 && b.MinAge != sorted[i-1].MaxAge+1 {
			return faults.Newf(faults.KindValidation, "bucket_gap", "buckets must be contiguous; age %d is uncovered or doubly covered", sorted[i-1].MaxAge+1)
		}
	}
	return nil
}

// bucketFor maps one child age onto the property's bucket number.
func bucketFor(age int, buckets []models.ChildAgeBucket) (int, error) {
	for _, b := range buckets {
		if b.Contains(age) {
			return b.BucketNumber, nil
		}
	}
	return 0, faults.Newf(faults.KindValidation, "bucket_uncovered", "no child age bucket covers age %d", age)
}

// Unavailable reports whether an error is the pricing engine saying
// "no" rather than failing.
func Unavailable(err error) bool {
	return faults.KindOf(err) == faults.KindUnavailable
}

func unavailable(reason string) error {
	return faults.New(faults.KindUnavailable, "unavailable", reason)
}

// QuoteStay runs the per-night pipeline: inventory check, currency
// check, PAX rate with child surcharges, legacy base-rate fallback.
func (e *Engine) QuoteStay(ctx context.Context, req Request) (*Quote, error) {
	return quoteStay(e.db.WithContext(ctx), req)
}

// QuoteStayTx prices inside an existing transaction so the hold engine
// can quote and reserve atomically.
func QuoteStayTx(tx *gorm.DB, req Request) (*Quote, error) {
	return quoteStay(tx, req)
}

func quoteStay(tx *gorm.DB, req Request) (*Quote, error) {
	if err := ValidateStay(req.Checkin, req.Checkout); err != nil {
		return nil, err
	}
	if err := ValidateGuests(req.Adults, req.ChildrenAges); err != nil {
		return nil, err
	}

	var property models.Property
	if err := tx.First(&property, "id = ?", req.PropertyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, faults.New(faults.KindNotFound, "property_not_found", "property does not exist")
		}
		return nil, err
	}

	var buckets []models.ChildAgeBucket
	if len(req.ChildrenAges) > 0 {
		if err := tx.Where("property_id = ?", req.PropertyID).Order("bucket_number asc").Find(&buckets).Error; err != nil {
			return nil, err
		}
		if len(buckets) == 0 {
			buckets = models.DefaultChildAgeBuckets(req.PropertyID)
		}
	}

	nights := models.DatesBetween(req.Checkin, req.Checkout)
	var total int64
	for i, night := range nights {
		var ari models.ARIDay
		err := tx.Where("property_id = ? AND room_type_id = ? AND date = ?", req.PropertyID, req.RoomTypeID, night).
			First(&ari).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, unavailable(fmt.Sprintf("no inventory calendar for %s", models.FormatDate(night)))
			}
			return nil, err
		}
		if ari.Available() < 1 {
			return nil, unavailable(fmt.Sprintf("no units left on %s", models.FormatDate(night)))
		}
		if ari.Currency != "" && ari.Currency != property.Currency {
			return nil, unavailable("rate currency does not match the property currency")
		}

		var rate models.RateDay
		haveRate := true
		err = tx.Where("property_id = ? AND room_type_id = ? AND date = ?", req.PropertyID, req.RoomTypeID, night).
			First(&rate).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
			haveRate = false
		}

		if haveRate {
			if err := checkRestrictions(rate, i == 0, len(nights)); err != nil {
				return nil, err
			}
		}

		nightCents, err := priceNight(rate, haveRate, ari, req.Adults, req.ChildrenAges, buckets, night)
		if err != nil {
			return nil, err
		}
		total += nightCents
	}

	// closed_checkout binds on the departure date itself, which is not
	// one of the priced nights.
	var departure models.RateDay
	err := tx.Where("property_id = ? AND room_type_id = ? AND date = ?", req.PropertyID, req.RoomTypeID, models.DateOnly(req.Checkout)).
		First(&departure).Error
	if err == nil && departure.ClosedCheckout {
		return nil, unavailable("checkout is closed on the departure date")
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &Quote{
		RoomTypeID: req.RoomTypeID,
		Checkin:    models.DateOnly(req.Checkin),
		Checkout:   models.DateOnly(req.Checkout),
		Nights:     len(nights),
		TotalCents: total,
		Currency:   property.Currency,
	}, nil
}

func checkRestrictions(rate models.RateDay, firstNight bool, stayNights int) error {
	if rate.IsBlocked {
		return unavailable("the rate calendar blocks one of the nights")
	}
	if firstNight && rate.ClosedCheckin {
		return unavailable("checkin is closed on the arrival date")
	}
	if rate.MinLOS != nil && stayNights < *rate.MinLOS {
		return unavailable(fmt.Sprintf("stay is below the %d-night minimum", *rate.MinLOS))
	}
	if rate.MaxLOS != nil && stayNights > *rate.MaxLOS {
		return unavailable(fmt.Sprintf("stay is above the %d-night maximum", *rate.MaxLOS))
	}
	return nil
}

func priceNight(rate models.RateDay, haveRate bool, ari models.ARIDay, adults int, childrenAges []int, buckets []models.ChildAgeBucket, night time.Time) (int64, error) {
	if haveRate {
		if pax := rate.PaxPrice(adults); pax != nil {
			cents := *pax
			for _, age := range childrenAges {
				bucket, err := bucketFor(age, buckets)
				if err != nil {
					return 0, err
				}
				if surcharge := rate.ChildBucketPrice(bucket); surcharge != nil {
					cents += *surcharge
				}
			}
			return cents, nil
		}
	}
	if ari.BaseRateCents != nil {
		return *ari.BaseRateCents, nil
	}
	return 0, unavailable(fmt.Sprintf("no rate published for %s", models.FormatDate(night)))
}
