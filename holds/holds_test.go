package holds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/dedupe"
	"pousada/faults"
	"pousada/models"
	"pousada/tasks"
)

var holdNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db         *gorm.DB
	engine     *Engine
	dispatcher *tasks.InlineDispatcher
	propertyID uuid.UUID
	roomTypeID uuid.UUID
	checkin    time.Time
	checkout   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		db:         db,
		dispatcher: tasks.NewInlineDispatcher(),
		propertyID: uuid.New(),
		roomTypeID: uuid.New(),
		checkin:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		checkout:   time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(db, f.dispatcher).WithNow(func() time.Time { return holdNow })

	property := models.Property{
		ID:             f.propertyID,
		Name:           "Pousada do Sol",
		Timezone:       "America/Sao_Paulo",
		Currency:       "BRL",
		HoldTTLMinutes: 30,
	}
	if err := db.Create(&property).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}
	roomType := models.RoomType{ID: f.roomTypeID, PropertyID: f.propertyID, Name: "Suíte Master", MaxOccupancy: 4}
	if err := db.Create(&roomType).Error; err != nil {
		t.Fatalf("seed room type: %v", err)
	}
	return f
}

func (f *fixture) seedInventory(t *testing.T, total int, withRates bool) {
	t.Helper()
	price := int64(30000)
	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		ari := models.ARIDay{
			ID:         uuid.New(),
			PropertyID: f.propertyID,
			RoomTypeID: f.roomTypeID,
			Date:       date,
			InvTotal:   total,
			Currency:   "BRL",
		}
		if err := f.db.Create(&ari).Error; err != nil {
			t.Fatalf("seed ari: %v", err)
		}
		if withRates {
			rate := models.RateDay{
				ID:             uuid.New(),
				PropertyID:     f.propertyID,
				RoomTypeID:     f.roomTypeID,
				Date:           date,
				Price2PaxCents: &price,
			}
			if err := f.db.Create(&rate).Error; err != nil {
				t.Fatalf("seed rate: %v", err)
			}
		}
	}
}

func (f *fixture) createRequest(key string) CreateRequest {
	return CreateRequest{
		PropertyID:  f.propertyID,
		CreationKey: key,
		RoomTypeID:  f.roomTypeID,
		Checkin:     f.checkin,
		Checkout:    f.checkout,
		Adults:      2,
	}
}

func (f *fixture) heldOn(t *testing.T, date time.Time) int {
	t.Helper()
	var ari models.ARIDay
	err := f.db.First(&ari, "property_id = ? AND room_type_id = ? AND date = ?",
		f.propertyID, f.roomTypeID, models.DateOnly(date)).Error
	if err != nil {
		t.Fatalf("load ari %s: %v", models.FormatDate(date), err)
	}
	return ari.InvHeld
}

func TestCreateHold(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, created, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if hold.Status != models.HoldActive {
		t.Fatalf("status: got %s", hold.Status)
	}
	if hold.TotalCents != 90000 {
		t.Fatalf("total: got %d want 90000", hold.TotalCents)
	}
	if want := holdNow.Add(30 * time.Minute); !hold.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at: got %s want %s", hold.ExpiresAt, want)
	}
	if len(hold.Nights) != 3 {
		t.Fatalf("nights: got %d want 3", len(hold.Nights))
	}
	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 1 {
			t.Fatalf("inv_held on %s: got %d want 1", models.FormatDate(date), got)
		}
	}

	var events []models.OutboxEvent
	if err := f.db.Where("aggregate_id = ?", hold.ID).Find(&events).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "HOLD_CREATED" {
		t.Fatalf("outbox: got %+v", events)
	}

	enqueued := f.dispatcher.Enqueued()
	if len(enqueued) != 1 {
		t.Fatalf("tasks: got %d want 1", len(enqueued))
	}
	wantID := fmt.Sprintf("expire-hold:%s:%s", f.propertyID, hold.ID)
	if enqueued[0].Envelope.TaskID != wantID {
		t.Fatalf("task id: got %s want %s", enqueued[0].Envelope.TaskID, wantID)
	}
	if !enqueued[0].RunAt.Equal(hold.ExpiresAt) {
		t.Fatalf("task run_at: got %s want %s", enqueued[0].RunAt, hold.ExpiresAt)
	}
}

func TestCreateHoldReplaysOnSameKey(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	first, created, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatalf("replay must report created=false")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different hold")
	}

	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 1 {
			t.Fatalf("replay must not re-reserve, inv_held on %s = %d", models.FormatDate(date), got)
		}
	}
	var count int64
	if err := f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", "HOLD_CREATED").Count(&count).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if count != 1 {
		t.Fatalf("HOLD_CREATED events: got %d want 1", count)
	}
	// Scheduled on both calls, deduplicated by task id.
	if got := len(f.dispatcher.Enqueued()); got != 1 {
		t.Fatalf("expire tasks: got %d want 1", got)
	}
}

func TestCreateHoldUnavailableRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 1, true)

	// The middle night is already fully booked.
	middle := f.checkin.AddDate(0, 0, 1)
	err := f.db.Model(&models.ARIDay{}).
		Where("property_id = ? AND date = ?", f.propertyID, middle).
		UpdateColumn("inv_booked", 1).Error
	if err != nil {
		t.Fatalf("book middle night: %v", err)
	}

	_, _, err = f.engine.Create(context.Background(), f.createRequest("key-1"))
	if faults.KindOf(err) != faults.KindUnavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}

	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 0 {
			t.Fatalf("rollback must undo increments, inv_held on %s = %d", models.FormatDate(date), got)
		}
	}
	var holdCount int64
	if err := f.db.Model(&models.Hold{}).Count(&holdCount).Error; err != nil {
		t.Fatalf("count holds: %v", err)
	}
	if holdCount != 0 {
		t.Fatalf("holds after abort: got %d want 0", holdCount)
	}
	if got := len(f.dispatcher.Enqueued()); got != 0 {
		t.Fatalf("no task may be scheduled for an aborted hold, got %d", got)
	}
}

func TestCreateHoldSequentialContentionForLastUnit(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 1, true)

	var wins int
	for i := 0; i < 10; i++ {
		_, created, err := f.engine.Create(context.Background(), f.createRequest(fmt.Sprintf("key-%d", i)))
		switch {
		case err == nil && created:
			wins++
		case faults.KindOf(err) == faults.KindUnavailable:
		default:
			t.Fatalf("attempt %d: unexpected result created=%v err=%v", i, created, err)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one hold may win the last unit, got %d", wins)
	}
	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 1 {
			t.Fatalf("inv_held on %s: got %d want 1", models.FormatDate(date), got)
		}
	}
}

func TestCreateHoldFromQuoteOption(t *testing.T) {
	f := newFixture(t)
	// ARI only: the quote option is the price authority.
	f.seedInventory(t, 3, false)

	conversationID := uuid.New()
	conv := models.Conversation{
		ID:             conversationID,
		PropertyID:     f.propertyID,
		Channel:        "whatsapp",
		ContactHash:    "hash-abc",
		State:          models.ConversationReadyToQuote,
		LastActivityAt: holdNow,
	}
	if err := f.db.Create(&conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	option := models.QuoteOption{
		ID:             uuid.New(),
		PropertyID:     f.propertyID,
		ConversationID: conversationID,
		RoomTypeID:     f.roomTypeID,
		Checkin:        f.checkin,
		Checkout:       f.checkout,
		Nights:         3,
		TotalCents:     90000,
		Currency:       "BRL",
	}
	if err := f.db.Create(&option).Error; err != nil {
		t.Fatalf("seed quote option: %v", err)
	}

	hold, created, err := f.engine.Create(context.Background(), CreateRequest{
		PropertyID:    f.propertyID,
		CreationKey:   "key-quote",
		QuoteOptionID: &option.ID,
		Adults:        2,
	})
	if err != nil || !created {
		t.Fatalf("create from quote: created=%v err=%v", created, err)
	}
	if hold.TotalCents != 90000 || hold.Currency != "BRL" {
		t.Fatalf("price must come from the quote option, got %d %s", hold.TotalCents, hold.Currency)
	}
	if hold.ConversationID == nil || *hold.ConversationID != conversationID {
		t.Fatalf("hold must carry the quote's conversation")
	}
	if hold.RoomTypeID == nil || *hold.RoomTypeID != f.roomTypeID {
		t.Fatalf("hold must carry the quote's room type")
	}
}

func TestReleaseHold(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, _, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	released, err := f.engine.Release(context.Background(), f.propertyID, hold.ID, "staff@pousada")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.HoldCancelled {
		t.Fatalf("status: got %s want cancelled", released.Status)
	}
	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 0 {
			t.Fatalf("release must return nights, inv_held on %s = %d", models.FormatDate(date), got)
		}
	}
	var count int64
	if err := f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", "HOLD_RELEASED").Count(&count).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if count != 1 {
		t.Fatalf("HOLD_RELEASED events: got %d want 1", count)
	}

	if _, err := f.engine.Release(context.Background(), f.propertyID, hold.ID, "staff@pousada"); faults.KindOf(err) != faults.KindConflictBusiness {
		t.Fatalf("second release: expected ConflictBusiness, got %v", err)
	}
}

func TestExpireHoldLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, _, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Delivered early: no ledger write, hold untouched.
	result, err := f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if err != nil {
		t.Fatalf("early expire: %v", err)
	}
	if result != ExpireNotYet {
		t.Fatalf("early expire: got %s want not_expired_yet", result)
	}
	var ledger int64
	if err := f.db.Model(&models.ProcessedEvent{}).Where("source = ?", dedupe.SourceHoldExpire).Count(&ledger).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledger != 0 {
		t.Fatalf("premature delivery must not write the ledger")
	}

	// On time.
	f.engine.WithNow(func() time.Time { return hold.ExpiresAt.Add(time.Second) })
	result, err = f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if result != ExpireExpired {
		t.Fatalf("expire: got %s want expired", result)
	}
	for _, date := range models.DatesBetween(f.checkin, f.checkout) {
		if got := f.heldOn(t, date); got != 0 {
			t.Fatalf("inv_held on %s: got %d want 0", models.FormatDate(date), got)
		}
	}
	var reloaded models.Hold
	if err := f.db.First(&reloaded, "id = ?", hold.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.HoldExpired {
		t.Fatalf("status: got %s want expired", reloaded.Status)
	}
	var events int64
	if err := f.db.Model(&models.OutboxEvent{}).Where("event_type = ?", "HOLD_EXPIRED").Count(&events).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 1 {
		t.Fatalf("HOLD_EXPIRED events: got %d want 1", events)
	}

	// Redelivery after success: the hold is no longer active.
	result, err = f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result != ExpireNoop {
		t.Fatalf("redelivery: got %s want noop", result)
	}
}

func TestExpireConvertedHoldIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, _, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.db.Model(&models.Hold{}).Where("id = ?", hold.ID).
		UpdateColumn("status", models.HoldConverted).Error; err != nil {
		t.Fatalf("convert: %v", err)
	}

	f.engine.WithNow(func() time.Time { return hold.ExpiresAt.Add(time.Hour) })
	result, err := f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if err != nil {
		t.Fatalf("expire converted: %v", err)
	}
	if result != ExpireNoop {
		t.Fatalf("expire converted: got %s want noop", result)
	}
	// Inventory stays reserved for the converted hold.
	if got := f.heldOn(t, f.checkin); got != 1 {
		t.Fatalf("inv_held: got %d want 1", got)
	}
}

func TestExpireMissingHoldIsNoop(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Expire(context.Background(), f.propertyID, uuid.New())
	if err != nil {
		t.Fatalf("expire missing: %v", err)
	}
	if result != ExpireNoop {
		t.Fatalf("got %s want noop", result)
	}
	var ledger int64
	if err := f.db.Model(&models.ProcessedEvent{}).Count(&ledger).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledger != 0 {
		t.Fatalf("missing hold must not write the ledger")
	}
}

func TestExpireDuplicateLedgerRow(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, _, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := dedupe.Mark(f.db, f.propertyID, dedupe.SourceHoldExpire, hold.ID.String()); err != nil {
		t.Fatalf("pre-mark: %v", err)
	}

	f.engine.WithNow(func() time.Time { return hold.ExpiresAt.Add(time.Second) })
	result, err := f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if result != ExpireDuplicate {
		t.Fatalf("got %s want duplicate", result)
	}
	// The duplicate branch performs no inventory work.
	if got := f.heldOn(t, f.checkin); got != 1 {
		t.Fatalf("inv_held: got %d want 1", got)
	}
}

func TestExpireInventoryUnderflowAborts(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	hold, _, err := f.engine.Create(context.Background(), f.createRequest("key-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Corrupt the books: the held units vanish.
	if err := f.db.Model(&models.ARIDay{}).Where("property_id = ?", f.propertyID).
		UpdateColumn("inv_held", 0).Error; err != nil {
		t.Fatalf("corrupt ari: %v", err)
	}

	f.engine.WithNow(func() time.Time { return hold.ExpiresAt.Add(time.Second) })
	_, err = f.engine.Expire(context.Background(), f.propertyID, hold.ID)
	if faults.KindOf(err) != faults.KindInventoryConsistency {
		t.Fatalf("expected InventoryConsistency, got %v", err)
	}

	// Everything rolled back: status intact, ledger empty, retry possible.
	var reloaded models.Hold
	if err := f.db.First(&reloaded, "id = ?", hold.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.HoldActive {
		t.Fatalf("status: got %s want active", reloaded.Status)
	}
	var ledger int64
	if err := f.db.Model(&models.ProcessedEvent{}).Where("source = ?", dedupe.SourceHoldExpire).Count(&ledger).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledger != 0 {
		t.Fatalf("aborted expiration must not keep the ledger row")
	}
}

func TestCreateHoldValidation(t *testing.T) {
	f := newFixture(t)
	f.seedInventory(t, 3, true)

	req := f.createRequest("key-1")
	req.RoomTypeID = uuid.Nil
	if _, _, err := f.engine.Create(context.Background(), req); faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected Validation, got %v", err)
	}

	req = f.createRequest("key-2")
	missing := uuid.New()
	req.QuoteOptionID = &missing
	if _, _, err := f.engine.Create(context.Background(), req); faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
