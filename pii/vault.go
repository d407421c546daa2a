package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/faults"
	"pousada/models"
)

// Vault encrypts channel addresses and message bodies with AES-256-GCM
// under a single key loaded once at startup. Rows carry an expiry;
// Cleanup removes everything past it.
type Vault struct {
	aead  cipher.AEAD
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

// NewVault builds the AEAD once. The key must be 32 bytes; anything else
// is a configuration failure.
func NewVault(key []byte, keyID string, ttl time.Duration) (*Vault, error) {
	if len(key) != 32 {
		return nil, faults.Newf(faults.KindConfigurationMissing, "vault_key", "vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	if keyID == "" {
		keyID = "v1"
	}
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &Vault{aead: aead, keyID: keyID, ttl: ttl, now: time.Now}, nil
}

// WithNow overrides the clock for tests.
func (v *Vault) WithNow(now func() time.Time) *Vault {
	v.now = now
	return v
}

func (v *Vault) seal(plaintext string) (ciphertext, nonce string, err error) {
	raw := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, raw, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(raw), nil
}

func (v *Vault) open(ciphertext, nonce string) (string, error) {
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	rawCipher, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := v.aead.Open(nil, rawNonce, rawCipher, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// StoreContact upserts the encrypted address for (property, channel,
// hash), refreshing ciphertext and expiry on every delivery.
func (v *Vault) StoreContact(tx *gorm.DB, propertyID uuid.UUID, channel, hash, address string) error {
	ciphertext, nonce, err := v.seal(address)
	if err != nil {
		return err
	}
	now := v.now().UTC()
	ref := models.ContactRef{
		ID:          uuid.New(),
		PropertyID:  propertyID,
		Channel:     channel,
		ContactHash: hash,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		KeyID:       v.keyID,
		ExpiresAt:   now.Add(v.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "property_id"}, {Name: "channel"}, {Name: "contact_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"ciphertext": ciphertext,
			"nonce":      nonce,
			"key_id":     v.keyID,
			"expires_at": now.Add(v.ttl),
			"updated_at": now,
		}),
	}).Create(&ref).Error
}

// GetContact returns the decrypted address when a live row exists. The
// outbound-send task is the only caller.
func (v *Vault) GetContact(tx *gorm.DB, propertyID uuid.UUID, channel, hash string) (string, bool, error) {
	var ref models.ContactRef
	err := tx.Where("property_id = ? AND channel = ? AND contact_hash = ?", propertyID, channel, hash).
		First(&ref).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if !ref.ExpiresAt.After(v.now().UTC()) {
		return "", false, nil
	}
	address, err := v.open(ref.Ciphertext, ref.Nonce)
	if err != nil {
		return "", false, err
	}
	return address, true, nil
}

// HasContact reports whether a live contact row exists without
// decrypting anything.
func (v *Vault) HasContact(tx *gorm.DB, propertyID uuid.UUID, channel, hash string) (bool, error) {
	var count int64
	err := tx.Model(&models.ContactRef{}).
		Where("property_id = ? AND channel = ? AND contact_hash = ? AND expires_at > ?", propertyID, channel, hash, v.now().UTC()).
		Count(&count).Error
	return count > 0, err
}

// StoreMessage upserts the encrypted body of one inbound message under
// (property, source, message id) so task payloads stay free of PII.
func (v *Vault) StoreMessage(tx *gorm.DB, propertyID uuid.UUID, source, messageID, body string) error {
	ciphertext, nonce, err := v.seal(body)
	if err != nil {
		return err
	}
	now := v.now().UTC()
	ref := models.MessageRef{
		ID:         uuid.New(),
		PropertyID: propertyID,
		Source:     source,
		MessageID:  messageID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyID:      v.keyID,
		ExpiresAt:  now.Add(v.ttl),
		CreatedAt:  now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "property_id"}, {Name: "source"}, {Name: "message_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"ciphertext": ciphertext,
			"nonce":      nonce,
			"key_id":     v.keyID,
			"expires_at": now.Add(v.ttl),
		}),
	}).Create(&ref).Error
}

// ConsumeMessage returns the decrypted body and deletes the row. The
// conversation handler reads each inbound message exactly once.
func (v *Vault) ConsumeMessage(tx *gorm.DB, propertyID uuid.UUID, source, messageID string) (string, bool, error) {
	var ref models.MessageRef
	err := tx.Where("property_id = ? AND source = ? AND message_id = ?", propertyID, source, messageID).
		First(&ref).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if !ref.ExpiresAt.After(v.now().UTC()) {
		return "", false, nil
	}
	body, err := v.open(ref.Ciphertext, ref.Nonce)
	if err != nil {
		return "", false, err
	}
	if err := tx.Delete(&models.MessageRef{}, "id = ?", ref.ID).Error; err != nil {
		return "", false, err
	}
	return body, true, nil
}

// Cleanup removes every expired row from both vault tables and returns
// the number of rows removed.
func (v *Vault) Cleanup(tx *gorm.DB) (int64, error) {
	now := v.now().UTC()
	contacts := tx.Where("expires_at <= ?", now).Delete(&models.ContactRef{})
	if contacts.Error != nil {
		return 0, contacts.Error
	}
	messages := tx.Where("expires_at <= ?", now).Delete(&models.MessageRef{})
	if messages.Error != nil {
		return contacts.RowsAffected, messages.Error
	}
	return contacts.RowsAffected + messages.RowsAffected, nil
}
