// Package wa normalises inbound WhatsApp webhook envelopes from the
// Evolution and Meta Cloud providers into one message shape. Address
// and Text are PII: callers vault them and never log them.
package wa

import "time"

// Channel is the logical messaging channel both providers serve.
const Channel = "whatsapp"

// InboundMessage is the provider-independent shape of one guest
// message.
type InboundMessage struct {
	MessageID string
	Kind      string
	Address   string
	Text      string
	HasText   bool
	Timestamp time.Time
}
