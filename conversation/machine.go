// Package conversation drives the guest-side booking dialogue. One
// inbound WhatsApp message advances the session machine inside a single
// transaction: dedupe, context merge, prompt or quote, outbox emit and
// reply enqueue all commit or roll back together.
package conversation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/dedupe"
	"pousada/faults"
	"pousada/messaging"
	"pousada/models"
	"pousada/observability"
	"pousada/observability/logging"
	"pousada/outbox"
	"pousada/pii"
	"pousada/pricing"
	"pousada/tasks"
)

// Machine handles inbound guest messages for every property.
type Machine struct {
	db         *gorm.DB
	vault      *pii.Vault
	dispatcher tasks.Dispatcher
	now        func() time.Time
}

func NewMachine(db *gorm.DB, vault *pii.Vault, dispatcher tasks.Dispatcher) *Machine {
	return &Machine{
		db:         db,
		vault:      vault,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithNow pins the clock, used by tests.
func (m *Machine) WithNow(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Outcome reports what one inbound message did.
type Outcome struct {
	Duplicate      bool
	ConversationID uuid.UUID
	State          models.ConversationState
	TemplateKey    string
	QuoteOptionID  *uuid.UUID
}

// HandleInbound processes one normalized guest message. Replays of the
// same message id return Duplicate without side effects. The reply is
// recorded on the outbox and enqueued as a send task in the same
// transaction, so a failed enqueue rolls everything back and the queue
// redelivers.
func (m *Machine) HandleInbound(ctx context.Context, in tasks.HandleMessagePayload) (*Outcome, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	out := &Outcome{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := dedupe.Mark(tx, in.PropertyID, dedupe.SourceMessageTask, in.MessageID)
		if err != nil {
			return err
		}
		if !fresh {
			out.Duplicate = true
			return nil
		}

		var property models.Property
		if err := tx.First(&property, "id = ?", in.PropertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faults.Newf(faults.KindNotFound, "property_not_found", "property %s not found", in.PropertyID)
			}
			return err
		}

		// A missing body means the vault row expired before the task
		// ran, or the message carried no text (media). Either way the
		// machine re-prompts from the accumulated context.
		body, found, err := m.vault.ConsumeMessage(tx, in.PropertyID, in.Source, in.MessageID)
		if err != nil {
			return err
		}
		if !found {
			logging.FromContext(ctx).Warn("no vaulted body for inbound message",
				"property_id", in.PropertyID.String(),
				"source", in.Source,
				"message_id", in.MessageID,
			)
		}

		conv, err := m.lockConversation(tx, in)
		if err != nil {
			return err
		}

		var roomTypes []models.RoomType
		if err := tx.Where("property_id = ?", in.PropertyID).Order("name asc").Find(&roomTypes).Error; err != nil {
			return err
		}

		if strings.TrimSpace(body) != "" {
			mergeContext(&conv.Context, Parse(body, m.now(), property.Location(), roomTypes))
		}

		templateKey, params, quoteOptionID, err := m.composeReply(tx, &property, conv, roomTypes)
		if err != nil {
			return err
		}

		conv.State = conv.State.Advance(stateFor(conv.Context))
		conv.LastActivityAt = m.now()
		if err := tx.Save(conv).Error; err != nil {
			return err
		}

		if err := outbox.Emit(tx, property.ID, correlationID, outbox.WhatsAppSendMessage{
			ConversationID: conv.ID,
			Channel:        in.Channel,
			ContactHash:    in.ContactHash,
			TemplateKey:    templateKey,
			Params:         params,
		}); err != nil {
			return err
		}

		if err := m.dispatcher.Enqueue(ctx, tasks.Request{
			Name: tasks.TaskSendMessage,
			ID:   tasks.SendMessageID(in.Source, in.MessageID),
			Payload: tasks.SendMessagePayload{
				PropertyID:     in.PropertyID,
				ConversationID: conv.ID,
				Channel:        in.Channel,
				ContactHash:    in.ContactHash,
				TemplateKey:    templateKey,
				Params:         params,
			},
		}); err != nil {
			return err
		}

		out.ConversationID = conv.ID
		out.State = conv.State
		out.TemplateKey = templateKey
		out.QuoteOptionID = quoteOptionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Duplicate {
		observability.Conversations().RecordMessage(string(out.State))
	}
	return out, nil
}

// lockConversation returns the session row under FOR UPDATE, creating
// it first when the contact is new. The conflict-tolerant insert keeps
// two racing first messages from failing on the unique index.
func (m *Machine) lockConversation(tx *gorm.DB, in tasks.HandleMessagePayload) (*models.Conversation, error) {
	row := models.Conversation{
		ID:             uuid.New(),
		PropertyID:     in.PropertyID,
		Channel:        in.Channel,
		ContactHash:    in.ContactHash,
		State:          models.ConversationStart,
		LastActivityAt: m.now(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}, {Name: "channel"}, {Name: "contact_hash"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	var conv models.Conversation
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&conv, "property_id = ? AND channel = ? AND contact_hash = ?", in.PropertyID, in.Channel, in.ContactHash).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// mergeContext folds newly parsed entities into the session context.
// New information overrides old. Out-of-range counts are dropped so the
// machine re-asks instead of carrying an unpriceable context.
func mergeContext(c *models.ConversationContext, e Entities) {
	if e.Checkin != nil {
		iso := models.FormatDate(*e.Checkin)
		c.Checkin = &iso
	}
	if e.Checkout != nil {
		iso := models.FormatDate(*e.Checkout)
		c.Checkout = &iso
	} else if e.Nights != nil && c.Checkin != nil {
		if checkin, err := models.ParseDate(*c.Checkin); err == nil {
			iso := models.FormatDate(checkin.AddDate(0, 0, *e.Nights))
			c.Checkout = &iso
		}
	}
	// A revised arrival can leave a stale departure behind it.
	if c.Checkin != nil && c.Checkout != nil {
		checkin, errIn := models.ParseDate(*c.Checkin)
		checkout, errOut := models.ParseDate(*c.Checkout)
		if errIn == nil && errOut == nil && !checkout.After(checkin) {
			c.Checkout = nil
		}
	}

	if e.RoomTypeID != nil {
		id := e.RoomTypeID.String()
		c.RoomTypeID = &id
	}
	if e.Adults != nil && *e.Adults >= 1 && *e.Adults <= 4 {
		adults := *e.Adults
		c.Adults = &adults
	}
	if e.Children != nil && *e.Children >= 0 && *e.Children <= 3 {
		children := *e.Children
		c.Children = &children
		if children == 0 {
			c.ChildrenAges = nil
		}
	}
	if len(e.ChildrenAges) > 0 {
		ages := make([]int, 0, len(e.ChildrenAges))
		for _, age := range e.ChildrenAges {
			if age >= 0 && age <= 17 {
				ages = append(ages, age)
			}
		}
		if len(ages) > 0 {
			c.ChildrenAges = ages
			if c.Children == nil && len(ages) <= 3 {
				children := len(ages)
				c.Children = &children
			}
		}
	}
	if c.Children != nil && len(c.ChildrenAges) > *c.Children {
		c.ChildrenAges = c.ChildrenAges[:*c.Children]
	}
}

func stateFor(c models.ConversationContext) models.ConversationState {
	switch {
	case c.Checkin == nil || c.Checkout == nil:
		return models.ConversationCollectingDates
	case c.RoomTypeID == nil:
		return models.ConversationCollectingRoomType
	default:
		return models.ConversationReadyToQuote
	}
}

func childrenSettled(c models.ConversationContext) bool {
	if c.Children == nil {
		return false
	}
	if *c.Children == 0 {
		return true
	}
	return len(c.ChildrenAges) >= *c.Children
}

// composeReply picks the next prompt, or prices the stay once the
// context is complete. A successful quote persists an immutable
// QuoteOption the guest can later reference.
func (m *Machine) composeReply(tx *gorm.DB, property *models.Property, conv *models.Conversation, roomTypes []models.RoomType) (string, map[string]string, *uuid.UUID, error) {
	c := conv.Context
	switch {
	case c.Checkin == nil || c.Checkout == nil:
		return messaging.TemplateAskDates, nil, nil, nil
	case c.RoomTypeID == nil:
		names := make([]string, 0, len(roomTypes))
		for _, rt := range roomTypes {
			names = append(names, rt.Name)
		}
		params := map[string]string{"room_types": strings.Join(names, ", ")}
		return messaging.TemplateAskRoomType, params, nil, nil
	case c.Adults == nil:
		return messaging.TemplateAskAdults, nil, nil, nil
	case !childrenSettled(c):
		return messaging.TemplateAskChildrenAges, nil, nil, nil
	}

	checkin, err := models.ParseDate(*c.Checkin)
	if err != nil {
		return "", nil, nil, faults.Wrap(faults.KindValidation, "invalid_context", err)
	}
	checkout, err := models.ParseDate(*c.Checkout)
	if err != nil {
		return "", nil, nil, faults.Wrap(faults.KindValidation, "invalid_context", err)
	}
	roomTypeID, err := uuid.Parse(*c.RoomTypeID)
	if err != nil {
		return "", nil, nil, faults.Wrap(faults.KindValidation, "invalid_context", err)
	}

	quote, err := pricing.QuoteStayTx(tx, pricing.Request{
		PropertyID:   property.ID,
		RoomTypeID:   roomTypeID,
		Checkin:      checkin,
		Checkout:     checkout,
		Adults:       *c.Adults,
		ChildrenAges: c.ChildrenAges,
	})
	if pricing.Unavailable(err) {
		observability.Conversations().RecordQuote("unavailable")
		return messaging.TemplateQuoteUnavailable, nil, nil, nil
	}
	if err != nil {
		return "", nil, nil, err
	}

	option := models.QuoteOption{
		ID:             uuid.New(),
		PropertyID:     property.ID,
		ConversationID: conv.ID,
		RoomTypeID:     roomTypeID,
		Checkin:        quote.Checkin,
		Checkout:       quote.Checkout,
		Nights:         quote.Nights,
		TotalCents:     quote.TotalCents,
		Currency:       quote.Currency,
	}
	if err := tx.Create(&option).Error; err != nil {
		return "", nil, nil, err
	}
	observability.Conversations().RecordQuote("offered")

	params := map[string]string{
		"room_type_name": roomTypeName(roomTypes, roomTypeID),
		"checkin":        checkin.Format("02/01/2006"),
		"checkout":       checkout.Format("02/01/2006"),
		"nights":         strconv.Itoa(quote.Nights),
		"total":          messaging.FormatCents(quote.TotalCents, quote.Currency),
	}
	return messaging.TemplateQuoteOffer, params, &option.ID, nil
}

func roomTypeName(roomTypes []models.RoomType, id uuid.UUID) string {
	for _, rt := range roomTypes {
		if rt.ID == id {
			return rt.Name
		}
	}
	return ""
}
