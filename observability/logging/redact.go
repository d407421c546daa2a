package logging

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys exempt from value sanitization. Everything here is either emitted by
// the handler itself or known to carry identifiers, never guest contact data.
var redactionAllowlist = map[string]struct{}{
	"service":       {},
	"env":           {},
	"message":       {},
	"severity":      {},
	"timestamp":     {},
	"error":         {},
	"reason":        {},
	"component":     {},
	"correlationId": {},
	"propertyId":    {},
	"contactHash":   {},
	"vaultKeyId":    {},
	"taskId":        {},
	"taskName":      {},
	"eventType":     {},
	"source":        {},
	"route":         {},
	"method":        {},
	"status":        {},
	"holdId":        {},
	"reservationId": {},
	"sessionId":     {},
	"paymentId":     {},
	"roomTypeId":    {},
	"messageId":     {},
	"state":         {},
	"outcome":       {},
}

// Contact data never belongs in a log line. Call sites log contact hashes
// and vault key ids instead; these patterns are the last line of defence
// when a raw value slips into a string attribute.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[\d][\d\s().-]{6,}[\d]`)
)

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.TrimSpace(key)
	if _, ok := redactionAllowlist[normalized]; ok {
		return true
	}
	_, ok := redactionAllowlist[strings.ToLower(normalized)]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be
// emitted without sanitization. Tests use this to ensure sensitive keys stay masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SanitizeValue masks email addresses and phone-shaped digit runs inside a
// string. Digit runs shorter than nine digits (dates, times, small counts)
// pass through untouched.
func SanitizeValue(value string) string {
	if value == "" {
		return value
	}
	out := emailPattern.ReplaceAllString(value, RedactedValue)
	out = phonePattern.ReplaceAllStringFunc(out, func(match string) string {
		digits := 0
		for _, r := range match {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 9 {
			return RedactedValue
		}
		return match
	})
	return out
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty
// values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
