// Package messaging renders guest-facing reply templates and delivers
// them through the property's WhatsApp provider. Recipient addresses
// and message bodies are PII and never reach logs or metrics.
package messaging

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pousada/faults"
)

// Template keys the conversation machine emits.
const (
	TemplateAskDates             = "ask_dates"
	TemplateAskRoomType          = "ask_room_type"
	TemplateAskAdults            = "ask_adults"
	TemplateAskChildrenAges      = "ask_children_ages"
	TemplateQuoteOffer           = "quote_offer"
	TemplateQuoteUnavailable     = "quote_unavailable"
	TemplateReservationConfirmed = "reservation_confirmed"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Catalog maps template keys to pt-BR message bodies with {param}
// placeholders.
type Catalog struct {
	templates map[string]string
}

// LoadCatalog starts from the embedded defaults and overlays the
// optional YAML file, so deployments can reword replies without a
// rebuild.
func LoadCatalog(path string) (*Catalog, error) {
	templates := map[string]string{}
	if err := yaml.Unmarshal(defaultTemplates, &templates); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, faults.Wrapf(faults.KindConfigurationMissing, "templates_file", err, "read templates file %s", path)
		}
		override := map[string]string{}
		if err := yaml.Unmarshal(raw, &override); err != nil {
			return nil, faults.Wrapf(faults.KindConfigurationMissing, "templates_file", err, "parse templates file %s", path)
		}
		for key, body := range override {
			templates[key] = body
		}
	}
	return &Catalog{templates: templates}, nil
}

// Render substitutes {param} placeholders. Unknown keys fail loudly so
// a misconfigured catalog surfaces before a guest sees a raw template.
func (c *Catalog) Render(key string, params map[string]string) (string, error) {
	body, ok := c.templates[key]
	if !ok {
		return "", faults.Newf(faults.KindConfigurationMissing, "missing_template", "no template registered for %q", key)
	}
	for name, value := range params {
		body = strings.ReplaceAll(body, "{"+name+"}", value)
	}
	return body, nil
}

// Has reports whether a template key is registered.
func (c *Catalog) Has(key string) bool {
	_, ok := c.templates[key]
	return ok
}

// FormatCents renders an integer-cent amount for a guest message.
// BRL follows pt-BR conventions, anything else falls back to the
// currency code with a dot decimal.
func FormatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	units := cents / 100
	frac := cents % 100
	if strings.EqualFold(currency, "BRL") {
		return fmt.Sprintf("%sR$ %s,%02d", sign, groupThousands(units, "."), frac)
	}
	return fmt.Sprintf("%s%s%s.%02d", sign, strings.ToUpper(currency)+" ", groupThousands(units, ","), frac)
}

func groupThousands(n int64, sep string) string {
	digits := fmt.Sprintf("%d", n)
	if len(digits) <= 3 {
		return digits
	}
	var parts []string
	for len(digits) > 3 {
		parts = append([]string{digits[len(digits)-3:]}, parts...)
		digits = digits[:len(digits)-3]
	}
	return digits + sep + strings.Join(parts, sep)
}
