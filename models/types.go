package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// HoldStatus tracks the lifecycle of an inventory hold.
type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldExpired   HoldStatus = "expired"
	HoldCancelled HoldStatus = "cancelled"
	HoldConverted HoldStatus = "converted"
)

// Terminal reports whether the hold can never change status again.
func (s HoldStatus) Terminal() bool {
	return s == HoldExpired || s == HoldCancelled || s == HoldConverted
}

// ReservationStatus tracks the stay lifecycle.
type ReservationStatus string

const (
	ReservationPending        ReservationStatus = "pending"
	ReservationPendingPayment ReservationStatus = "pending_payment"
	ReservationConfirmed      ReservationStatus = "confirmed"
	ReservationInHouse        ReservationStatus = "in_house"
	ReservationCheckedOut     ReservationStatus = "checked_out"
	ReservationCancelled      ReservationStatus = "cancelled"
)

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationPending:        {ReservationPendingPayment, ReservationConfirmed, ReservationCancelled},
	ReservationPendingPayment: {ReservationConfirmed, ReservationCancelled},
	ReservationConfirmed:      {ReservationInHouse, ReservationCancelled},
	ReservationInHouse:        {ReservationCheckedOut},
	ReservationCheckedOut:     {},
	ReservationCancelled:      {},
}

// CanTransitionTo reports whether the status machine permits the move.
func (s ReservationStatus) CanTransitionTo(target ReservationStatus) bool {
	for _, allowed := range reservationTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Operational reports whether the reservation occupies its room for
// conflict purposes.
func (s ReservationStatus) Operational() bool {
	switch s {
	case ReservationConfirmed, ReservationInHouse, ReservationCheckedOut:
		return true
	}
	return false
}

// Payable reports whether folio payments may be applied.
func (s ReservationStatus) Payable() bool {
	return s == ReservationConfirmed || s == ReservationInHouse
}

// PaymentStatus tracks a provider checkout session.
type PaymentStatus string

const (
	PaymentCreated     PaymentStatus = "created"
	PaymentPending     PaymentStatus = "pending"
	PaymentSucceeded   PaymentStatus = "succeeded"
	PaymentFailed      PaymentStatus = "failed"
	PaymentNeedsManual PaymentStatus = "needs_manual"
)

// FolioPaymentStatus tracks manual folio entries.
type FolioPaymentStatus string

const (
	FolioCaptured FolioPaymentStatus = "captured"
	FolioVoided   FolioPaymentStatus = "voided"
)

// PaymentMethod enumerates accepted folio payment instruments.
type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "credit_card"
	MethodDebitCard  PaymentMethod = "debit_card"
	MethodCash       PaymentMethod = "cash"
	MethodPix        PaymentMethod = "pix"
	MethodTransfer   PaymentMethod = "transfer"
)

// Valid reports whether the method is one of the accepted instruments.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodCash, MethodPix, MethodTransfer:
		return true
	}
	return false
}

// HousekeepingStatus tracks the physical readiness of a room.
type HousekeepingStatus string

const (
	RoomDirty       HousekeepingStatus = "dirty"
	RoomCleaning    HousekeepingStatus = "cleaning"
	RoomClean       HousekeepingStatus = "clean"
	RoomMaintenance HousekeepingStatus = "maintenance"
)

// ConversationState is a strictly forward-moving chain ending at
// ready_to_quote.
type ConversationState string

const (
	ConversationStart              ConversationState = "start"
	ConversationCollectingDates    ConversationState = "collecting_dates"
	ConversationCollectingRoomType ConversationState = "collecting_room_type"
	ConversationReadyToQuote       ConversationState = "ready_to_quote"
)

var conversationOrder = map[ConversationState]int{
	ConversationStart:              0,
	ConversationCollectingDates:    1,
	ConversationCollectingRoomType: 2,
	ConversationReadyToQuote:       3,
}

// Advance returns the next state, never moving backwards. The terminal
// state is a sink.
func (s ConversationState) Advance(target ConversationState) ConversationState {
	if conversationOrder[target] > conversationOrder[s] {
		return target
	}
	return s
}

// CancellationPolicyType enumerates refund regimes.
type CancellationPolicyType string

const (
	PolicyNonRefundable CancellationPolicyType = "non_refundable"
	PolicyFree          CancellationPolicyType = "free"
	PolicyFlexible      CancellationPolicyType = "flexible"
)

// Valid reports whether the type is a known refund regime.
func (t CancellationPolicyType) Valid() bool {
	switch t {
	case PolicyNonRefundable, PolicyFree, PolicyFlexible:
		return true
	}
	return false
}

// RefundStatus tracks manual refund fulfilment.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundFulfilled RefundStatus = "fulfilled"
)

// PricingMode enumerates how a catalog extra resolves to a total.
type PricingMode string

const (
	PerUnit          PricingMode = "PER_UNIT"
	PerNight         PricingMode = "PER_NIGHT"
	PerGuest         PricingMode = "PER_GUEST"
	PerGuestPerNight PricingMode = "PER_GUEST_PER_NIGHT"
)

// Valid reports whether the mode is known.
func (m PricingMode) Valid() bool {
	switch m {
	case PerUnit, PerNight, PerGuest, PerGuestPerNight:
		return true
	}
	return false
}

// IntList persists a JSON array of small integers (children ages).
type IntList []int

// Value implements driver.Valuer.
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]int(l))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *IntList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported IntList column type %T", value)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]int)(l))
}

// JSONMap persists an arbitrary JSON object column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap column type %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, (*map[string]any)(m))
}

// ConversationContext accumulates the parsed booking intent for a guest
// dialog. Pointer fields distinguish "not yet collected" from zero values.
type ConversationContext struct {
	Checkin      *string `json:"checkin,omitempty"`
	Checkout     *string `json:"checkout,omitempty"`
	RoomTypeID   *string `json:"room_type_id,omitempty"`
	Adults       *int    `json:"adults,omitempty"`
	Children     *int    `json:"children,omitempty"`
	ChildrenAges []int   `json:"children_ages,omitempty"`
}

// Value implements driver.Valuer.
func (c ConversationContext) Value() (driver.Value, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (c *ConversationContext) Scan(value any) error {
	if value == nil {
		*c = ConversationContext{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported ConversationContext column type %T", value)
	}
	if len(raw) == 0 {
		*c = ConversationContext{}
		return nil
	}
	return json.Unmarshal(raw, c)
}

// DateOnly truncates a timestamp to its calendar date in UTC. All stay
// dates are stored this way; the property timezone is applied before
// truncation by the caller.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a calendar date in ISO form (2006-01-02).
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return parsed, nil
}

// FormatDate renders a stored date in ISO form.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// NightsBetween counts the nights in [checkin, checkout).
func NightsBetween(checkin, checkout time.Time) int {
	return int(DateOnly(checkout).Sub(DateOnly(checkin)).Hours() / 24)
}

// DatesBetween lists each night date in [checkin, checkout) in ascending
// order. Ascending order is load-bearing: inventory rows are locked in
// this order to keep concurrent holds deadlock-free.
func DatesBetween(checkin, checkout time.Time) []time.Time {
	start := DateOnly(checkin)
	end := DateOnly(checkout)
	if !start.Before(end) {
		return nil
	}
	dates := make([]time.Time, 0, NightsBetween(start, end))
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}
