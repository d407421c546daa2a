package messaging

import (
	"context"
	"strings"

	"pousada/faults"
	"pousada/models"
)

// TextSender delivers a rendered reply to one contact address.
type TextSender interface {
	Send(ctx context.Context, property *models.Property, to, text string) error
}

// Router picks the provider client a property is configured for.
type Router struct {
	evolution *EvolutionClient
	meta      *MetaClient
}

func NewRouter(evolution *EvolutionClient, meta *MetaClient) *Router {
	return &Router{evolution: evolution, meta: meta}
}

func (r *Router) Send(ctx context.Context, property *models.Property, to, text string) error {
	provider := ""
	if property.MessagingProvider != nil {
		provider = strings.ToLower(strings.TrimSpace(*property.MessagingProvider))
	}
	switch provider {
	case "evolution":
		instance := ""
		if property.EvolutionInstance != nil {
			instance = *property.EvolutionInstance
		}
		if r.evolution == nil {
			return faults.New(faults.KindConfigurationMissing, "evolution_unconfigured", "evolution client is not configured")
		}
		return r.evolution.SendText(ctx, instance, to, text)
	case "meta":
		phoneNumberID := ""
		if property.MetaPhoneNumberID != nil {
			phoneNumberID = *property.MetaPhoneNumberID
		}
		if r.meta == nil {
			return faults.New(faults.KindConfigurationMissing, "meta_unconfigured", "meta client is not configured")
		}
		return r.meta.SendText(ctx, phoneNumberID, to, text)
	default:
		return faults.Newf(faults.KindConfigurationMissing, "messaging_provider", "property has no usable messaging provider (%q)", provider)
	}
}
