package wa

import (
	"encoding/json"
	"strings"
	"time"

	"pousada/faults"
)

type evolutionEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Key struct {
			ID        string `json:"id"`
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		Message          map[string]json.RawMessage `json:"message"`
		MessageTimestamp int64                      `json:"messageTimestamp"`
	} `json:"data"`
}

type evolutionExtendedText struct {
	Text string `json:"text"`
}

// NormalizeEvolution reduces an Evolution "messages.upsert" envelope to
// at most one inbound message. Events from the property's own number
// (fromMe) and non-message events yield an empty slice: acknowledged,
// no side effects.
func NormalizeEvolution(raw []byte) ([]InboundMessage, error) {
	var env evolutionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "invalid_payload", err)
	}
	if !strings.EqualFold(env.Event, "messages.upsert") {
		return nil, nil
	}
	if env.Data.Key.FromMe {
		return nil, nil
	}
	if env.Data.Key.ID == "" || env.Data.Key.RemoteJid == "" {
		return nil, faults.New(faults.KindValidation, "invalid_payload", "evolution envelope missing message key")
	}

	msg := InboundMessage{
		MessageID: env.Data.Key.ID,
		Address:   env.Data.Key.RemoteJid,
		Timestamp: time.Unix(env.Data.MessageTimestamp, 0).UTC(),
	}
	if env.Data.MessageTimestamp == 0 {
		msg.Timestamp = time.Now().UTC()
	}

	switch {
	case len(env.Data.Message) == 0:
		msg.Kind = "unknown"
	case hasKey(env.Data.Message, "conversation"):
		msg.Kind = "conversation"
		var body string
		if err := json.Unmarshal(env.Data.Message["conversation"], &body); err != nil {
			return nil, faults.Wrap(faults.KindValidation, "invalid_payload", err)
		}
		msg.Text = body
		msg.HasText = true
	case hasKey(env.Data.Message, "extendedTextMessage"):
		msg.Kind = "text"
		var ext evolutionExtendedText
		if err := json.Unmarshal(env.Data.Message["extendedTextMessage"], &ext); err != nil {
			return nil, faults.Wrap(faults.KindValidation, "invalid_payload", err)
		}
		msg.Text = ext.Text
		msg.HasText = true
	case hasKey(env.Data.Message, "imageMessage"):
		msg.Kind = "image"
	case hasKey(env.Data.Message, "audioMessage"):
		msg.Kind = "audio"
	default:
		msg.Kind = "unknown"
	}
	return []InboundMessage{msg}, nil
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}
