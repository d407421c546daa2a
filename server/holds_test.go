package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"pousada/auth"
	"pousada/models"
	"pousada/tasks"
)

func holdPayload(creationKey string) map[string]any {
	return map[string]any{
		"creation_key": creationKey,
		"room_type_id": testRoomTypeID,
		"checkin":      "2026-09-10",
		"checkout":     "2026-09-12",
		"adults":       2,
		"guest_name":   "Ana Souza",
	}
}

func (f *serverFixture) heldUnits(t *testing.T, date string) int {
	t.Helper()
	var ari models.ARIDay
	err := f.db.First(&ari, "property_id = ? AND room_type_id = ? AND date = ?",
		f.property.ID, testRoomTypeID, mustDate(t, date)).Error
	if err != nil {
		t.Fatalf("load ari %s: %v", date, err)
	}
	return ari.InvHeld
}

func TestCreateHoldAndReplay(t *testing.T) {
	f := newServerFixture(t)

	rec := f.api(t, http.MethodPost, "/holds", "staff", holdPayload("wizard-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	var created holdView
	decodeBody(t, rec, &created)
	if created.Status != models.HoldActive || created.Nights != 2 {
		t.Fatalf("created = %+v", created)
	}
	if created.TotalCents != 40000 || created.Currency != "BRL" {
		t.Fatalf("total = %d %s", created.TotalCents, created.Currency)
	}
	if !created.ExpiresAt.Equal(serverNow.Add(30 * time.Minute)) {
		t.Fatalf("expires_at = %s", created.ExpiresAt)
	}
	if f.heldUnits(t, "2026-09-10") != 1 || f.heldUnits(t, "2026-09-11") != 1 {
		t.Fatalf("inventory not held")
	}

	// The expiration task is scheduled for the hold's deadline.
	enqueued := f.dispatcher.Enqueued()
	if len(enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(enqueued))
	}
	if enqueued[0].Envelope.TaskName != tasks.TaskExpireHold {
		t.Fatalf("task = %s", enqueued[0].Envelope.TaskName)
	}
	if !enqueued[0].RunAt.Equal(created.ExpiresAt) {
		t.Fatalf("run at = %s want %s", enqueued[0].RunAt, created.ExpiresAt)
	}

	// Same creation key replays the same hold with a 200.
	rec = f.api(t, http.MethodPost, "/holds", "staff", holdPayload("wizard-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d body %s", rec.Code, rec.Body.String())
	}
	var replayed holdView
	decodeBody(t, rec, &replayed)
	if replayed.ID != created.ID {
		t.Fatalf("replay id = %s want %s", replayed.ID, created.ID)
	}
	if f.heldUnits(t, "2026-09-10") != 1 {
		t.Fatalf("replay held more inventory")
	}
}

func TestCreateHoldKeyFromIdempotencyHeader(t *testing.T) {
	f := newServerFixture(t)

	payload := holdPayload("")
	delete(payload, "creation_key")
	send := func() *holdResponse {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+mintToken(t, "staff", f.property.ID))
		header.Set(auth.HeaderPropertyID, f.property.ID.String())
		header.Set("Idempotency-Key", "front-desk-77")
		header.Set("Content-Type", "application/json")
		body := mustJSON(t, payload)
		rec := f.request(t, http.MethodPost, "/holds", body, header)
		out := &holdResponse{code: rec.Code}
		decodeBody(t, rec, &out.view)
		return out
	}

	first := send()
	if first.code != http.StatusCreated {
		t.Fatalf("first status = %d", first.code)
	}
	second := send()
	if second.code != http.StatusCreated {
		t.Fatalf("replayed status = %d", second.code)
	}
	if second.view.ID != first.view.ID {
		t.Fatalf("replay minted a new hold: %s then %s", first.view.ID, second.view.ID)
	}

	var count int64
	if err := f.db.Model(&models.Hold{}).Where("property_id = ?", f.property.ID).Count(&count).Error; err != nil {
		t.Fatalf("count holds: %v", err)
	}
	if count != 1 {
		t.Fatalf("hold rows = %d", count)
	}
}

type holdResponse struct {
	code int
	view holdView
}

func TestCreateHoldValidation(t *testing.T) {
	f := newServerFixture(t)

	payload := holdPayload("missing-dates")
	delete(payload, "checkin")
	rec := f.api(t, http.MethodPost, "/holds", "staff", payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing checkin status = %d body %s", rec.Code, rec.Body.String())
	}

	payload = holdPayload("no-room-type")
	delete(payload, "room_type_id")
	rec = f.api(t, http.MethodPost, "/holds", "staff", payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing room type status = %d body %s", rec.Code, rec.Body.String())
	}

	payload = holdPayload("five-adults")
	payload["adults"] = 5
	rec = f.api(t, http.MethodPost, "/holds", "staff", payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("adult cap status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateHoldSoldOut(t *testing.T) {
	f := newServerFixture(t)

	for i, key := range []string{"guest-a", "guest-b"} {
		rec := f.api(t, http.MethodPost, "/holds", "staff", holdPayload(key))
		if rec.Code != http.StatusCreated {
			t.Fatalf("hold %d status = %d body %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := f.api(t, http.MethodPost, "/holds", "staff", holdPayload("guest-c"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("sold out status = %d body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "unavailable" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestGetAndReleaseHold(t *testing.T) {
	f := newServerFixture(t)

	rec := f.api(t, http.MethodPost, "/holds", "staff", holdPayload("to-release"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created holdView
	decodeBody(t, rec, &created)

	rec = f.api(t, http.MethodGet, "/holds/"+created.ID.String(), "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.api(t, http.MethodGet, "/holds/"+uuid.NewString(), "viewer", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing hold status = %d", rec.Code)
	}

	rec = f.api(t, http.MethodPost, "/holds/"+created.ID.String()+"/release", "staff", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d body %s", rec.Code, rec.Body.String())
	}
	var released holdView
	decodeBody(t, rec, &released)
	if released.Status != models.HoldCancelled {
		t.Fatalf("status = %q", released.Status)
	}
	if f.heldUnits(t, "2026-09-10") != 0 {
		t.Fatalf("inventory not returned")
	}

	// Releasing twice conflicts: the hold is no longer active.
	rec = f.api(t, http.MethodPost, "/holds/"+created.ID.String()+"/release", "staff", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double release status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCheckoutSessionForHold(t *testing.T) {
	f := newServerFixture(t)

	rec := f.api(t, http.MethodPost, "/holds", "staff", holdPayload("to-pay"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var hold holdView
	decodeBody(t, rec, &hold)

	rec = f.api(t, http.MethodPost, "/payments/holds/"+hold.ID.String()+"/checkout", "staff", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d body %s", rec.Code, rec.Body.String())
	}
	var session paymentView
	decodeBody(t, rec, &session)
	if session.SessionID != "cs_test_42" || session.CheckoutURL == "" {
		t.Fatalf("session = %+v", session)
	}
	if session.AmountCents != hold.TotalCents || session.Currency != "BRL" {
		t.Fatalf("amount = %d %s", session.AmountCents, session.Currency)
	}

	// A second click reuses the existing provider session.
	rec = f.api(t, http.MethodPost, "/payments/holds/"+hold.ID.String()+"/checkout", "staff", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("second checkout status = %d body %s", rec.Code, rec.Body.String())
	}
	var replay paymentView
	decodeBody(t, rec, &replay)
	if replay.PaymentID != session.PaymentID {
		t.Fatalf("payment id changed: %s then %s", session.PaymentID, replay.PaymentID)
	}
	if f.provider.createCalls != 1 || f.provider.retrieveCalls != 1 {
		t.Fatalf("provider calls = %d create %d retrieve", f.provider.createCalls, f.provider.retrieveCalls)
	}

	rec = f.api(t, http.MethodPost, "/payments/holds/"+uuid.NewString()+"/checkout", "staff", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing hold status = %d", rec.Code)
	}
}
