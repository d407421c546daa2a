package wa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pousada/faults"
)

type metaEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string    `json:"field"`
			Value metaValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

// NormalizeMeta reduces a Meta Cloud envelope to its inbound messages.
// Status-only deliveries yield an empty slice.
func NormalizeMeta(raw []byte) ([]InboundMessage, error) {
	var env metaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "invalid_payload", err)
	}
	if len(env.Entry) == 0 {
		return nil, faults.New(faults.KindValidation, "invalid_payload", "meta envelope has no entries")
	}

	var out []InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.ID == "" || m.From == "" {
					return nil, faults.New(faults.KindValidation, "invalid_payload", "meta message missing id or sender")
				}
				msg := InboundMessage{
					MessageID: m.ID,
					Kind:      m.Type,
					Address:   m.From,
					Timestamp: metaTimestamp(m.Timestamp),
				}
				if m.Type == "text" {
					msg.Text = m.Text.Body
					msg.HasText = true
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// MetaPhoneNumberID extracts the receiving business number id from a
// Meta envelope. It is the tenant discriminator: deliveries arrive on a
// shared callback URL and carry no property header.
func MetaPhoneNumberID(raw []byte) string {
	var env metaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if id := strings.TrimSpace(change.Value.Metadata.PhoneNumberID); id != "" {
				return id
			}
		}
	}
	return ""
}

func metaTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs == 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// VerifyMetaSignature checks X-Hub-Signature-256 ("sha256=<hex>") over
// the raw body. A missing secret rejects everything unless localDev is
// set: the handshake fails closed in production.
func VerifyMetaSignature(appSecret string, body []byte, header string, localDev bool) error {
	if strings.TrimSpace(appSecret) == "" {
		if localDev {
			return nil
		}
		return faults.New(faults.KindConfigurationMissing, "missing_app_secret", "META_APP_SECRET is not configured")
	}
	provided := strings.TrimSpace(header)
	provided = strings.TrimPrefix(strings.ToLower(provided), "sha256=")
	if provided == "" {
		return faults.New(faults.KindAuth, "missing_signature", "X-Hub-Signature-256 header is required")
	}
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return faults.Wrap(faults.KindAuth, "malformed_signature", err)
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return faults.New(faults.KindAuth, "signature_mismatch", "webhook signature does not match")
	}
	return nil
}

// VerifySubscription answers Meta's GET handshake, returning the
// challenge to echo when the mode and verify token match.
func VerifySubscription(verifyToken string, query url.Values) (string, error) {
	if query.Get("hub.mode") != "subscribe" {
		return "", faults.New(faults.KindValidation, "invalid_mode", "hub.mode must be subscribe")
	}
	if verifyToken == "" || query.Get("hub.verify_token") != verifyToken {
		return "", faults.New(faults.KindAuth, "verify_token_mismatch", "hub.verify_token does not match")
	}
	return query.Get("hub.challenge"), nil
}
