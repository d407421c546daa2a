// Package models defines the persisted schema of the booking fabric.
// Every tenant-owned table carries a property id and every query
// predicate that touches such a table must include it.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Property is the tenant root. Created out of band.
type Property struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                  string    `gorm:"size:160;not null"`
	Timezone              string    `gorm:"size:64;not null;default:UTC"`
	Currency              string    `gorm:"size:3;not null;default:BRL"`
	ConfirmationThreshold float64   `gorm:"not null;default:1"`
	MessagingProvider     *string   `gorm:"size:16"`
	EvolutionInstance     *string   `gorm:"size:128"`
	MetaPhoneNumberID     *string   `gorm:"size:64"`
	HoldTTLMinutes        int       `gorm:"not null;default:30"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Location resolves the property timezone, defaulting to UTC when the
// stored name is invalid.
func (p *Property) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RoomType is a logical room category. Soft-deleted categories stay as
// referential targets of historical reservations and rates.
type RoomType struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name         string    `gorm:"size:120;not null"`
	Description  string
	MaxOccupancy int `gorm:"not null;default:2"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// Room is a physical unit. Only clean rooms may receive a check-in.
type Room struct {
	ID           uuid.UUID          `gorm:"type:uuid;primaryKey"`
	PropertyID   uuid.UUID          `gorm:"type:uuid;not null;index"`
	RoomTypeID   uuid.UUID          `gorm:"type:uuid;not null;index"`
	Name         string             `gorm:"size:64;not null"`
	Active       bool               `gorm:"not null;default:true"`
	Housekeeping HousekeepingStatus `gorm:"size:16;not null;default:clean"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ARIDay is the per-night inventory row. The scalar availability is
// inv_total - inv_booked - inv_held and must never go negative.
type ARIDay struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_ari_day,priority:1"`
	RoomTypeID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_ari_day,priority:2"`
	Date          time.Time `gorm:"type:date;not null;uniqueIndex:uq_ari_day,priority:3"`
	InvTotal      int       `gorm:"not null;default:0"`
	InvBooked     int       `gorm:"not null;default:0"`
	InvHeld       int       `gorm:"not null;default:0"`
	BaseRateCents *int64
	Currency      string `gorm:"size:3;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available returns the scalar availability for the night.
func (a *ARIDay) Available() int {
	return a.InvTotal - a.InvBooked - a.InvHeld
}

// RateDay stores the PAX price matrix and restrictions for one night.
type RateDay struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_rate_day,priority:1"`
	RoomTypeID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_rate_day,priority:2"`
	Date              time.Time `gorm:"type:date;not null;uniqueIndex:uq_rate_day,priority:3"`
	Price1PaxCents    *int64
	Price2PaxCents    *int64
	Price3PaxCents    *int64
	Price4PaxCents    *int64
	ChildBucket1Cents *int64
	ChildBucket2Cents *int64
	ChildBucket3Cents *int64
	MinLOS            *int
	MaxLOS            *int
	ClosedCheckin     bool `gorm:"not null;default:false"`
	ClosedCheckout    bool `gorm:"not null;default:false"`
	IsBlocked         bool `gorm:"not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaxPrice returns the nightly price column for the adult count, or nil
// when the matrix has no entry.
func (r *RateDay) PaxPrice(adults int) *int64 {
	switch adults {
	case 1:
		return r.Price1PaxCents
	case 2:
		return r.Price2PaxCents
	case 3:
		return r.Price3PaxCents
	case 4:
		return r.Price4PaxCents
	}
	return nil
}

// ChildBucketPrice returns the surcharge column for a bucket number 1..3.
func (r *RateDay) ChildBucketPrice(bucket int) *int64 {
	switch bucket {
	case 1:
		return r.ChildBucket1Cents
	case 2:
		return r.ChildBucket2Cents
	case 3:
		return r.ChildBucket3Cents
	}
	return nil
}

// ChildAgeBucket partitions ages 0..17 into three contiguous bands.
type ChildAgeBucket struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_child_bucket,priority:1"`
	BucketNumber int       `gorm:"not null;uniqueIndex:uq_child_bucket,priority:2"`
	MinAge       int       `gorm:"not null"`
	MaxAge       int       `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether an age falls inside the bucket (inclusive).
func (b *ChildAgeBucket) Contains(age int) bool {
	return age >= b.MinAge && age <= b.MaxAge
}

// DefaultChildAgeBuckets is the partition used until staff publish
// their own: 0-2, 3-11 and 12-17.
func DefaultChildAgeBuckets(propertyID uuid.UUID) []ChildAgeBucket {
	return []ChildAgeBucket{
		{ID: uuid.New(), PropertyID: propertyID, BucketNumber: 1, MinAge: 0, MaxAge: 2},
		{ID: uuid.New(), PropertyID: propertyID, BucketNumber: 2, MinAge: 3, MaxAge: 11},
		{ID: uuid.New(), PropertyID: propertyID, BucketNumber: 3, MinAge: 12, MaxAge: 17},
	}
}

// Conversation tracks one guest dialog per (property, channel, contact
// hash). The raw channel address is never persisted here.
type Conversation struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	PropertyID     uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex:uq_conversation,priority:1"`
	Channel        string              `gorm:"size:24;not null;uniqueIndex:uq_conversation,priority:2"`
	ContactHash    string              `gorm:"size:64;not null;uniqueIndex:uq_conversation,priority:3"`
	State          ConversationState   `gorm:"size:32;not null;default:start"`
	Context        ConversationContext `gorm:"type:jsonb"`
	LastActivityAt time.Time           `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QuoteOption is an immutable priced proposal bound to a conversation.
type QuoteOption struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID     uuid.UUID `gorm:"type:uuid;not null;index"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index"`
	RoomTypeID     uuid.UUID `gorm:"type:uuid;not null"`
	Checkin        time.Time `gorm:"type:date;not null"`
	Checkout       time.Time `gorm:"type:date;not null"`
	Nights         int       `gorm:"not null"`
	TotalCents     int64     `gorm:"not null"`
	Currency       string    `gorm:"size:3;not null"`
	CreatedAt      time.Time
}

// Hold is a time-bounded intent to occupy inventory. CreationKey is
// always populated; callers that do not supply one get a random key,
// which keeps the idempotent-insert path uniform.
type Hold struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PropertyID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_holds_creation_key,priority:1"`
	CreationKey    string     `gorm:"size:160;not null;uniqueIndex:uq_holds_creation_key,priority:2"`
	RoomTypeID     *uuid.UUID `gorm:"type:uuid;index"`
	ConversationID *uuid.UUID `gorm:"type:uuid;index"`
	QuoteOptionID  *uuid.UUID `gorm:"type:uuid"`
	Checkin        time.Time  `gorm:"type:date;not null"`
	Checkout       time.Time  `gorm:"type:date;not null"`
	ExpiresAt      time.Time  `gorm:"not null;index"`
	TotalCents     int64      `gorm:"not null"`
	Currency       string     `gorm:"size:3;not null"`
	Status         HoldStatus `gorm:"size:16;not null;default:active;index"`
	Adults         int        `gorm:"not null;default:2"`
	ChildrenAges   IntList    `gorm:"type:jsonb"`
	GuestName      *string    `gorm:"size:160"`
	GuestEmail     *string    `gorm:"size:160"`
	GuestPhone     *string    `gorm:"size:40"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Nights         []HoldNight `gorm:"foreignKey:HoldID"`
}

// HoldNight records one reserved night of a hold.
type HoldNight struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID uuid.UUID `gorm:"type:uuid;not null;index"`
	HoldID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_hold_night,priority:1"`
	RoomTypeID uuid.UUID `gorm:"type:uuid;not null"`
	Date       time.Time `gorm:"type:date;not null;uniqueIndex:uq_hold_night,priority:2"`
	Qty        int       `gorm:"not null;default:1"`
	CreatedAt  time.Time
}

// Reservation is a confirmed stay derived from a hold or created by
// staff. A partial unique index enforces at most one reservation per
// (property, hold); Postgres additionally carries an exclusion
// constraint forbidding room overlap among operational reservations.
type Reservation struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PropertyID       uuid.UUID         `gorm:"type:uuid;not null;index;uniqueIndex:uq_reservations_hold,priority:1"`
	HoldID           *uuid.UUID        `gorm:"type:uuid;uniqueIndex:uq_reservations_hold,priority:2,where:hold_id IS NOT NULL"`
	RoomTypeID       uuid.UUID         `gorm:"type:uuid;not null;index"`
	RoomID           *uuid.UUID        `gorm:"type:uuid;index"`
	GuestID          *uuid.UUID        `gorm:"type:uuid;index"`
	Status           ReservationStatus `gorm:"size:24;not null;default:pending;index"`
	Checkin          time.Time         `gorm:"type:date;not null"`
	Checkout         time.Time         `gorm:"type:date;not null"`
	OriginalCheckin  *time.Time        `gorm:"type:date"`
	OriginalCheckout *time.Time        `gorm:"type:date"`
	AdjustmentCents  int64             `gorm:"not null;default:0"`
	TotalCents       int64             `gorm:"not null"`
	Currency         string            `gorm:"size:3;not null"`
	Adults           int               `gorm:"not null;default:2"`
	ChildrenAges     IntList           `gorm:"type:jsonb"`
	Notes            string
	CheckedInAt      *time.Time
	CheckedOutAt     *time.Time
	CancelledAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Payment is one row per provider checkout session, unique by
// (property, provider, provider object id).
type Payment struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PropertyID       uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:uq_payment_object,priority:1"`
	Provider         string        `gorm:"size:24;not null;uniqueIndex:uq_payment_object,priority:2"`
	ProviderObjectID string        `gorm:"size:160;not null;uniqueIndex:uq_payment_object,priority:3"`
	HoldID           *uuid.UUID    `gorm:"type:uuid;index"`
	Status           PaymentStatus `gorm:"size:16;not null;default:created;index"`
	AmountCents      int64         `gorm:"not null"`
	Currency         string        `gorm:"size:3;not null"`
	CheckoutURL      string
	IdempotencyKey   string `gorm:"size:160"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FolioPayment is a manual payment entry against a payable reservation.
type FolioPayment struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey"`
	PropertyID    uuid.UUID          `gorm:"type:uuid;not null;index"`
	ReservationID uuid.UUID          `gorm:"type:uuid;not null;index"`
	AmountCents   int64              `gorm:"not null"`
	Method        PaymentMethod      `gorm:"size:16;not null"`
	Status        FolioPaymentStatus `gorm:"size:12;not null;default:captured"`
	RecordedBy    string             `gorm:"size:160"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Extra is a catalog item (breakfast, crib, late checkout) that staff
// can consume onto a reservation. Catalog CRUD lives outside the core.
type Extra struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PropertyID  uuid.UUID   `gorm:"type:uuid;not null;index"`
	Name        string      `gorm:"size:120;not null"`
	PriceCents  int64       `gorm:"not null"`
	PricingMode PricingMode `gorm:"size:24;not null;default:PER_UNIT"`
	Active      bool        `gorm:"not null;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReservationExtra snapshots a catalog extra at consumption time.
type ReservationExtra struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PropertyID      uuid.UUID   `gorm:"type:uuid;not null;index"`
	ReservationID   uuid.UUID   `gorm:"type:uuid;not null;index"`
	ExtraID         *uuid.UUID  `gorm:"type:uuid"`
	Name            string      `gorm:"size:120;not null"`
	PricingMode     PricingMode `gorm:"size:24;not null"`
	UnitPriceCents  int64       `gorm:"not null"`
	Quantity        int         `gorm:"not null;default:1"`
	TotalPriceCents int64       `gorm:"not null"`
	CreatedAt       time.Time
}

// PendingRefund queues a positive computed refund for manual fulfilment.
type PendingRefund struct {
	ID             uuid.UUID              `gorm:"type:uuid;primaryKey"`
	PropertyID     uuid.UUID              `gorm:"type:uuid;not null;index"`
	ReservationID  uuid.UUID              `gorm:"type:uuid;not null;index"`
	AmountCents    int64                  `gorm:"not null"`
	Currency       string                 `gorm:"size:3;not null"`
	PolicyType     CancellationPolicyType `gorm:"size:24;not null"`
	PolicySnapshot JSONMap                `gorm:"type:jsonb"`
	Status         RefundStatus           `gorm:"size:16;not null;default:pending"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Guest is an identity-resolved profile. Partial unique indexes keep
// (property, email) and (property, phone) unique when present.
type Guest struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uq_guest_email,priority:1;uniqueIndex:uq_guest_phone,priority:1"`
	FirstName  string    `gorm:"size:80"`
	LastName   string    `gorm:"size:120"`
	Email      *string   `gorm:"size:160;uniqueIndex:uq_guest_email,priority:2,where:email IS NOT NULL"`
	Phone      *string   `gorm:"size:40;uniqueIndex:uq_guest_phone,priority:2,where:phone IS NOT NULL"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CancellationPolicy is the per-property refund regime.
type CancellationPolicy struct {
	ID                         uuid.UUID              `gorm:"type:uuid;primaryKey"`
	PropertyID                 uuid.UUID              `gorm:"type:uuid;not null;uniqueIndex"`
	Type                       CancellationPolicyType `gorm:"size:24;not null;default:flexible"`
	FreeUntilDaysBeforeCheckin int                    `gorm:"not null;default:7"`
	PenaltyPercent             int                    `gorm:"not null;default:100"`
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// DefaultCancellationPolicy is applied when a property has none stored.
func DefaultCancellationPolicy(propertyID uuid.UUID) CancellationPolicy {
	return CancellationPolicy{
		PropertyID:                 propertyID,
		Type:                       PolicyFlexible,
		FreeUntilDaysBeforeCheckin: 7,
		PenaltyPercent:             100,
	}
}

// OutboxEvent is the append-only log of domain-visible state changes.
// Payloads are JSON and never contain PII.
type OutboxEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID    uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType     string    `gorm:"size:64;not null;index"`
	AggregateType string    `gorm:"size:40;not null"`
	AggregateID   uuid.UUID `gorm:"type:uuid;not null;index"`
	MessageKey    *string   `gorm:"size:64"`
	Payload       JSONMap   `gorm:"type:jsonb"`
	CorrelationID string    `gorm:"size:64;index"`
	OccurredAt    time.Time `gorm:"not null"`
}

// ProcessedEvent is the at-most-once ledger for external events.
type ProcessedEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_processed_event,priority:1"`
	Source      string    `gorm:"size:48;not null;uniqueIndex:uq_processed_event,priority:2"`
	ExternalID  string    `gorm:"size:160;not null;uniqueIndex:uq_processed_event,priority:3"`
	ProcessedAt time.Time `gorm:"not null"`
}

// IdempotencyKey stores the canonical response for a replayed request,
// keyed by (key, endpoint).
type IdempotencyKey struct {
	Key         string `gorm:"size:160;primaryKey"`
	Endpoint    string `gorm:"size:120;primaryKey"`
	RequestHash string `gorm:"size:64;not null"`
	Status      int    `gorm:"not null"`
	Response    []byte
	CreatedAt   time.Time
}

// ContactRef is the encrypted guest channel address behind a contact
// hash. Rows expire; cleanup removes them.
type ContactRef struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_contact_ref,priority:1"`
	Channel     string    `gorm:"size:24;not null;uniqueIndex:uq_contact_ref,priority:2"`
	ContactHash string    `gorm:"size:64;not null;uniqueIndex:uq_contact_ref,priority:3"`
	Ciphertext  string    `gorm:"not null"`
	Nonce       string    `gorm:"size:24;not null"`
	KeyID       string    `gorm:"size:16;not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageRef is the encrypted body of one inbound message, keyed by the
// provider message id. It exists so task payloads can stay PII-free; the
// conversation handler reads it once and deletes it.
type MessageRef struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_message_ref,priority:1"`
	Source     string    `gorm:"size:48;not null;uniqueIndex:uq_message_ref,priority:2"`
	MessageID  string    `gorm:"size:160;not null;uniqueIndex:uq_message_ref,priority:3"`
	Ciphertext string    `gorm:"not null"`
	Nonce      string    `gorm:"size:24;not null"`
	KeyID      string    `gorm:"size:16;not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}
