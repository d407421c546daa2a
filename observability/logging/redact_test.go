package logging

import (
	"strings"
	"testing"
)

func TestSanitizeValuePhones(t *testing.T) {
	cases := []struct {
		in       string
		redacted bool
	}{
		{"+55 11 98765-4321", true},
		{"5511987654321", true},
		{"(11) 98765-4321", true},
		{"2026-03-10", false},
		{"3 noites", false},
		{"room 101", false},
	}
	for _, tc := range cases {
		out := SanitizeValue(tc.in)
		if tc.redacted && !strings.Contains(out, RedactedValue) {
			t.Fatalf("expected %q to be redacted, got %q", tc.in, out)
		}
		if !tc.redacted && out != tc.in {
			t.Fatalf("expected %q to pass through, got %q", tc.in, out)
		}
	}
}

func TestSanitizeValueEmails(t *testing.T) {
	out := SanitizeValue("contact ana.souza@example.com.br about the stay")
	if strings.Contains(out, "ana.souza") {
		t.Fatalf("email survived sanitization: %q", out)
	}
	if !strings.Contains(out, RedactedValue) {
		t.Fatalf("expected placeholder in %q", out)
	}
}

func TestMaskFieldRespectsAllowlist(t *testing.T) {
	masked := MaskField("guestPhone", "+5511987654321")
	if masked.Value.String() != RedactedValue {
		t.Fatalf("expected masked value, got %q", masked.Value.String())
	}
	open := MaskField("correlationId", "corr-42")
	if open.Value.String() != "corr-42" {
		t.Fatalf("allowlisted key must not be masked, got %q", open.Value.String())
	}
}

func TestRedactionAllowlistCoversLogIdentifiers(t *testing.T) {
	keys := RedactionAllowlist()
	want := map[string]bool{"correlationId": false, "contactHash": false, "vaultKeyId": false}
	for _, key := range keys {
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		if !seen {
			t.Fatalf("allowlist missing %s", key)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("") != "" {
		t.Fatalf("empty values pass through")
	}
	if MaskValue("secret") != RedactedValue {
		t.Fatalf("non-empty values must be masked")
	}
}
