package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/config"
	"pousada/conversation"
	"pousada/dedupe"
	"pousada/faults"
	"pousada/holds"
	"pousada/messaging"
	"pousada/models"
	"pousada/payments"
	"pousada/pii"
	"pousada/reservations"
	"pousada/tasks"
)

var workerNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

const (
	workerSecret = "tasks-internal-secret"
	testJID      = "5511999887766@s.whatsapp.net"
)

type sentText struct {
	to   string
	text string
}

// stubSender records deliveries and plays back scripted errors in
// order, one per attempt.
type stubSender struct {
	attempts int
	calls    []sentText
	errs     []error
}

func (s *stubSender) Send(ctx context.Context, property *models.Property, to, text string) error {
	s.attempts++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.calls = append(s.calls, sentText{to: to, text: text})
	return nil
}

type stubProvider struct {
	session       payments.CheckoutSession
	retrieveCalls int
}

func (p *stubProvider) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	session := p.session
	return &session, nil
}

func (p *stubProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*payments.CheckoutSession, error) {
	p.retrieveCalls++
	session := p.session
	session.ID = sessionID
	return &session, nil
}

type workerFixture struct {
	db         *gorm.DB
	handler    http.Handler
	dispatcher *tasks.InlineDispatcher
	sender     *stubSender
	provider   *stubProvider
	vault      *pii.Vault
	hasher     *pii.Hasher
	holds      *holds.Engine
	broker     *payments.Broker
	property   models.Property
	roomTypeID uuid.UUID
	now        time.Time
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &workerFixture{
		db:         db,
		dispatcher: tasks.NewInlineDispatcher(),
		sender:     &stubSender{},
		roomTypeID: uuid.New(),
		now:        workerNow,
	}
	f.provider = &stubProvider{session: payments.CheckoutSession{
		ID:            "cs_test_77",
		URL:           "https://stripe.test/pay/cs_test_77",
		Status:        "open",
		PaymentStatus: "paid",
	}}

	vault, err := pii.NewVault([]byte("0123456789abcdef0123456789abcdef"), "k1", 720*time.Hour)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	f.vault = vault.WithNow(func() time.Time { return f.now })
	f.hasher = pii.NewHasher([]byte("hash-pepper"))

	f.holds = holds.NewEngine(db, f.dispatcher).WithNow(func() time.Time { return f.now })
	resEngine := reservations.NewEngine(db, f.vault).WithNow(func() time.Time { return f.now })
	f.broker = payments.NewBroker(db, f.provider, resEngine, "https://pousada.test/ok", "https://pousada.test/cancel")
	machine := conversation.NewMachine(db, f.vault, f.dispatcher).WithNow(func() time.Time { return f.now })

	verifier, err := auth.NewWorkerVerifier(config.TasksConfig{
		OIDCAudience:   config.LocalDevAudience,
		InternalSecret: workerSecret,
	})
	if err != nil {
		t.Fatalf("worker verifier: %v", err)
	}
	catalog, err := messaging.LoadCatalog("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	wk := New(Config{
		DB:            db,
		Verifier:      verifier,
		Holds:         f.holds,
		Payments:      f.broker,
		Conversations: machine,
		Vault:         f.vault,
		Sender:        f.sender,
		Templates:     catalog,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.handler = wk.Handler()

	f.property = models.Property{
		ID:                    uuid.New(),
		Name:                  "Pousada Mar Azul",
		Timezone:              "America/Sao_Paulo",
		Currency:              "BRL",
		ConfirmationThreshold: 1,
		HoldTTLMinutes:        30,
	}
	if err := db.Create(&f.property).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}
	roomType := models.RoomType{ID: f.roomTypeID, PropertyID: f.property.ID, Name: "Suíte Jardim", MaxOccupancy: 4}
	if err := db.Create(&roomType).Error; err != nil {
		t.Fatalf("seed room type: %v", err)
	}
	return f
}

func (f *workerFixture) seedCalendar(t *testing.T) {
	t.Helper()
	price := int64(20000)
	for _, date := range models.DatesBetween(
		time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC),
	) {
		ari := models.ARIDay{
			ID:         uuid.New(),
			PropertyID: f.property.ID,
			RoomTypeID: f.roomTypeID,
			Date:       date,
			InvTotal:   2,
			Currency:   "BRL",
		}
		if err := f.db.Create(&ari).Error; err != nil {
			t.Fatalf("seed ari: %v", err)
		}
		rate := models.RateDay{
			ID:             uuid.New(),
			PropertyID:     f.property.ID,
			RoomTypeID:     f.roomTypeID,
			Date:           date,
			Price2PaxCents: &price,
		}
		if err := f.db.Create(&rate).Error; err != nil {
			t.Fatalf("seed rate: %v", err)
		}
	}
}

func (f *workerFixture) createHold(t *testing.T) *models.Hold {
	t.Helper()
	hold, created, err := f.holds.Create(context.Background(), holds.CreateRequest{
		PropertyID:  f.property.ID,
		CreationKey: "hold-" + uuid.NewString(),
		RoomTypeID:  f.roomTypeID,
		Checkin:     time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Checkout:    time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		Adults:      2,
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if !created {
		t.Fatalf("hold was a replay")
	}
	return hold
}

func (f *workerFixture) storeContact(t *testing.T) string {
	t.Helper()
	hash := f.hasher.ContactHash(f.property.ID, "whatsapp", testJID)
	if err := f.vault.StoreContact(f.db, f.property.ID, "whatsapp", hash, testJID); err != nil {
		t.Fatalf("store contact: %v", err)
	}
	return hash
}

func (f *workerFixture) postEnvelope(t *testing.T, path string, env tasks.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderInternalSecret, workerSecret)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *workerFixture) postTask(t *testing.T, taskName, taskID string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	env, err := tasks.NewEnvelope(taskName, taskID, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return f.postEnvelope(t, tasks.Route(taskName), env)
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestTaskAuthRequired(t *testing.T) {
	f := newWorkerFixture(t)
	env, err := tasks.NewEnvelope(tasks.TaskVaultCleanup, tasks.VaultCleanupID(workerNow), tasks.VaultCleanupPayload{Day: "2026-09-01"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/vault/cleanup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/tasks/vault/cleanup", bytes.NewReader(body))
	req.Header.Set(auth.HeaderInternalSecret, "wrong-secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d", rec.Code)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	f := newWorkerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/vault/cleanup", bytes.NewReader([]byte("{not json")))
	req.Header.Set(auth.HeaderInternalSecret, workerSecret)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}

	bad := tasks.Envelope{Version: "v2", TaskName: tasks.TaskVaultCleanup, TaskID: "x", Payload: json.RawMessage(`{}`)}
	rec = f.postEnvelope(t, "/tasks/vault/cleanup", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported version status = %d body %s", rec.Code, rec.Body.String())
	}

	// An expire envelope on the cleanup route is a producer bug.
	mismatched, err := tasks.NewEnvelope(tasks.TaskExpireHold, "expire-hold:x:y", tasks.ExpireHoldPayload{PropertyID: uuid.New(), HoldID: uuid.New()})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	rec = f.postEnvelope(t, "/tasks/vault/cleanup", mismatched)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("route mismatch status = %d body %s", rec.Code, rec.Body.String())
	}
	out := decodeOutcome(t, rec)
	if out["code"] != "task_route_mismatch" {
		t.Fatalf("code = %v", out["code"])
	}
}

func TestExpireHoldTaskReleasesInventory(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedCalendar(t)
	hold := f.createHold(t)
	payload := tasks.ExpireHoldPayload{PropertyID: f.property.ID, HoldID: hold.ID}
	taskID := tasks.ExpireHoldID(f.property.ID, hold.ID)

	// Early delivery leaves the hold alone.
	rec := f.postTask(t, tasks.TaskExpireHold, taskID, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("early expire status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != string(holds.ExpireNotYet) {
		t.Fatalf("early outcome = %v", out["outcome"])
	}

	f.now = hold.ExpiresAt.Add(time.Second)
	rec = f.postTask(t, tasks.TaskExpireHold, taskID, payload)
	if out := decodeOutcome(t, rec); out["outcome"] != string(holds.ExpireExpired) {
		t.Fatalf("expire outcome = %v body %s", out["outcome"], rec.Body.String())
	}

	var after models.Hold
	if err := f.db.First(&after, "id = ?", hold.ID).Error; err != nil {
		t.Fatalf("load hold: %v", err)
	}
	if after.Status != models.HoldExpired {
		t.Fatalf("hold status = %q", after.Status)
	}
	var ari models.ARIDay
	if err := f.db.First(&ari, "property_id = ? AND room_type_id = ? AND date = ?",
		f.property.ID, f.roomTypeID, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)).Error; err != nil {
		t.Fatalf("load ari: %v", err)
	}
	if ari.InvHeld != 0 {
		t.Fatalf("inv_held = %d", ari.InvHeld)
	}

	// Redelivery against the already-expired hold is a no-op.
	rec = f.postTask(t, tasks.TaskExpireHold, taskID, payload)
	if out := decodeOutcome(t, rec); out["outcome"] != string(holds.ExpireNoop) {
		t.Fatalf("redelivery outcome = %v", out["outcome"])
	}
}

func TestStripeEventTaskConvertsHold(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedCalendar(t)
	hold := f.createHold(t)
	payment, err := f.broker.CreateCheckoutSession(context.Background(), f.property.ID, hold.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	payload := tasks.StripeEventPayload{
		PropertyID: f.property.ID,
		EventID:    "evt_500",
		EventType:  payments.EventCheckoutCompleted,
		SessionID:  payment.ProviderObjectID,
	}
	rec := f.postTask(t, tasks.TaskStripeEvent, tasks.StripeEventID("evt_500"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("stripe task status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != string(payments.OutcomeConverted) {
		t.Fatalf("outcome = %v body %s", out["outcome"], rec.Body.String())
	}

	var reservation models.Reservation
	if err := f.db.First(&reservation, "hold_id = ?", hold.ID).Error; err != nil {
		t.Fatalf("load reservation: %v", err)
	}
	if reservation.Status != models.ReservationConfirmed {
		t.Fatalf("reservation status = %q", reservation.Status)
	}

	// Redelivery of the same event id collapses on the ledger.
	rec = f.postTask(t, tasks.TaskStripeEvent, tasks.StripeEventID("evt_500"), payload)
	if out := decodeOutcome(t, rec); out["outcome"] != string(payments.OutcomeDuplicate) {
		t.Fatalf("redelivery outcome = %v", out["outcome"])
	}
}

func TestStripeEventTaskIgnoresOtherTypes(t *testing.T) {
	f := newWorkerFixture(t)
	payload := tasks.StripeEventPayload{
		PropertyID: f.property.ID,
		EventID:    "evt_501",
		EventType:  "payment_intent.created",
	}
	rec := f.postTask(t, tasks.TaskStripeEvent, tasks.StripeEventID("evt_501"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != string(payments.OutcomeIgnored) {
		t.Fatalf("outcome = %v", out["outcome"])
	}
}

func TestInboundMessageTaskAdvancesConversation(t *testing.T) {
	f := newWorkerFixture(t)
	hash := f.storeContact(t)
	if err := f.vault.StoreMessage(f.db, f.property.ID, dedupe.SourceEvolution, "MSG-1", "olá, quero reservar"); err != nil {
		t.Fatalf("store message: %v", err)
	}

	payload := tasks.HandleMessagePayload{
		PropertyID:  f.property.ID,
		Source:      dedupe.SourceEvolution,
		MessageID:   "MSG-1",
		Channel:     "whatsapp",
		ContactHash: hash,
	}
	rec := f.postTask(t, tasks.TaskHandleMessage, tasks.HandleMessageID("MSG-1"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("handle-message status = %d body %s", rec.Code, rec.Body.String())
	}
	out := decodeOutcome(t, rec)
	if out["outcome"] != "advanced" || out["template_key"] != messaging.TemplateAskDates {
		t.Fatalf("outcome = %v template = %v", out["outcome"], out["template_key"])
	}

	// The reply ride-along: one send task enqueued by the machine.
	var sendTask *tasks.Recorded
	for _, recorded := range f.dispatcher.Enqueued() {
		if recorded.Envelope.TaskName == tasks.TaskSendMessage {
			row := recorded
			sendTask = &row
		}
	}
	if sendTask == nil {
		t.Fatalf("no send task enqueued")
	}
	if sendTask.Envelope.TaskID != tasks.SendMessageID(dedupe.SourceEvolution, "MSG-1") {
		t.Fatalf("send task id = %s", sendTask.Envelope.TaskID)
	}

	rec = f.postTask(t, tasks.TaskHandleMessage, tasks.HandleMessageID("MSG-1"), payload)
	if out := decodeOutcome(t, rec); out["outcome"] != "duplicate" {
		t.Fatalf("redelivery outcome = %v", out["outcome"])
	}
}

func TestSendMessageTaskDeliversOnce(t *testing.T) {
	f := newWorkerFixture(t)
	hash := f.storeContact(t)
	payload := tasks.SendMessagePayload{
		PropertyID:     f.property.ID,
		ConversationID: uuid.New(),
		Channel:        "whatsapp",
		ContactHash:    hash,
		TemplateKey:    messaging.TemplateAskDates,
	}
	taskID := tasks.SendMessageID(dedupe.SourceEvolution, "MSG-9")

	rec := f.postTask(t, tasks.TaskSendMessage, taskID, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != "sent" {
		t.Fatalf("outcome = %v", out["outcome"])
	}
	if len(f.sender.calls) != 1 {
		t.Fatalf("sender calls = %d", len(f.sender.calls))
	}
	if f.sender.calls[0].to != testJID {
		t.Fatalf("sent to %q", f.sender.calls[0].to)
	}
	if !strings.Contains(f.sender.calls[0].text, "qual período") {
		t.Fatalf("unexpected rendered text %q", f.sender.calls[0].text)
	}

	// Redelivery after a lost response must not send twice.
	rec = f.postTask(t, tasks.TaskSendMessage, taskID, payload)
	if out := decodeOutcome(t, rec); out["outcome"] != "duplicate" {
		t.Fatalf("redelivery outcome = %v", out["outcome"])
	}
	if f.sender.attempts != 1 {
		t.Fatalf("sender attempts = %d", f.sender.attempts)
	}
}

func TestSendMessageTransientFailureRedelivers(t *testing.T) {
	f := newWorkerFixture(t)
	hash := f.storeContact(t)
	f.sender.errs = []error{faults.New(faults.KindProviderTransient, "provider_status", "evolution returned status 503")}

	payload := tasks.SendMessagePayload{
		PropertyID:  f.property.ID,
		Channel:     "whatsapp",
		ContactHash: hash,
		TemplateKey: messaging.TemplateAskAdults,
	}
	taskID := tasks.SendMessageID(dedupe.SourceEvolution, "MSG-10")

	rec := f.postTask(t, tasks.TaskSendMessage, taskID, payload)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("transient failure status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(f.sender.calls) != 0 {
		t.Fatalf("delivery recorded despite failure")
	}

	// The ledger stays clean, so redelivery retries the send.
	rec = f.postTask(t, tasks.TaskSendMessage, taskID, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != "sent" {
		t.Fatalf("redelivery outcome = %v", out["outcome"])
	}
	if f.sender.attempts != 2 || len(f.sender.calls) != 1 {
		t.Fatalf("attempts = %d deliveries = %d", f.sender.attempts, len(f.sender.calls))
	}
}

func TestSendMessagePermanentFailureDrops(t *testing.T) {
	f := newWorkerFixture(t)
	hash := f.storeContact(t)
	f.sender.errs = []error{faults.New(faults.KindProviderPermanent, "provider_status", "evolution returned status 400")}

	payload := tasks.SendMessagePayload{
		PropertyID:  f.property.ID,
		Channel:     "whatsapp",
		ContactHash: hash,
		TemplateKey: messaging.TemplateAskDates,
	}
	rec := f.postTask(t, tasks.TaskSendMessage, tasks.SendMessageID(dedupe.SourceEvolution, "MSG-11"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("permanent failure status = %d", rec.Code)
	}
	out := decodeOutcome(t, rec)
	if out["outcome"] != "dropped" || out["code"] != "provider_status" {
		t.Fatalf("outcome = %v code = %v", out["outcome"], out["code"])
	}
}

func TestSendMessageContactExpired(t *testing.T) {
	f := newWorkerFixture(t)
	payload := tasks.SendMessagePayload{
		PropertyID:  f.property.ID,
		Channel:     "whatsapp",
		ContactHash: f.hasher.ContactHash(f.property.ID, "whatsapp", testJID),
		TemplateKey: messaging.TemplateAskDates,
	}
	rec := f.postTask(t, tasks.TaskSendMessage, tasks.SendMessageID(dedupe.SourceEvolution, "MSG-12"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if out := decodeOutcome(t, rec); out["outcome"] != "contact_expired" {
		t.Fatalf("outcome = %v", out["outcome"])
	}
	if f.sender.attempts != 0 {
		t.Fatalf("sender called without a contact")
	}
}

func TestVaultCleanupTaskPrunesExpiredRows(t *testing.T) {
	f := newWorkerFixture(t)
	f.storeContact(t)
	if err := f.vault.StoreMessage(f.db, f.property.ID, dedupe.SourceEvolution, "MSG-OLD", "mensagem antiga"); err != nil {
		t.Fatalf("store message: %v", err)
	}

	f.now = workerNow.Add(721 * time.Hour)
	day := f.now
	rec := f.postTask(t, tasks.TaskVaultCleanup, tasks.VaultCleanupID(day), tasks.VaultCleanupPayload{Day: models.FormatDate(day)})
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d body %s", rec.Code, rec.Body.String())
	}
	out := decodeOutcome(t, rec)
	if out["outcome"] != "cleaned" || out["removed"] != float64(2) {
		t.Fatalf("outcome = %v removed = %v", out["outcome"], out["removed"])
	}

	var contacts, messages int64
	if err := f.db.Model(&models.ContactRef{}).Count(&contacts).Error; err != nil {
		t.Fatalf("count contacts: %v", err)
	}
	if err := f.db.Model(&models.MessageRef{}).Count(&messages).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if contacts != 0 || messages != 0 {
		t.Fatalf("rows left: contacts=%d messages=%d", contacts, messages)
	}
}
