// Package pii owns everything that touches guest-identifying data: the
// contact hash used as a stable pseudonym, and the encrypted vault that
// stores raw channel addresses and inbound message bodies with a TTL.
// No other package may produce a decrypted address.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// hashBytes is the truncation length of the contact MAC. 24 bytes encode
// to exactly 32 base64url characters.
const hashBytes = 24

// Hasher derives deterministic, non-reversible contact hashes under a
// process-wide secret.
type Hasher struct {
	secret []byte
}

// NewHasher wraps the 32-byte HMAC secret loaded at startup.
func NewHasher(secret []byte) *Hasher {
	return &Hasher{secret: secret}
}

// ContactHash returns the pseudonym for a raw channel address, scoped by
// property and channel so identical addresses never correlate across
// tenants. The result is always 32 base64url characters.
func (h *Hasher) ContactHash(propertyID uuid.UUID, channel, address string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(propertyID.String()))
	mac.Write([]byte{':'})
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(channel))))
	mac.Write([]byte{':'})
	mac.Write([]byte(strings.TrimSpace(address)))
	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:hashBytes])
}
