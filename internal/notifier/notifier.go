// Package notifier hands consent messages to the outbound delivery channel.
// Rendering and transport belong to the receiving side; a Notifier only has
// to report whether the hand-off succeeded.
package notifier

import "context"

// Message templates understood by the delivery side.
const (
	TemplateConsentRequest  = "consent_request"
	TemplateConsentReminder = "consent_reminder"
	TemplateRenewalRequest  = "renewal_request"
	TemplateRenewalReminder = "renewal_reminder"
)

// Message is a single parent notification.
type Message struct {
	TemplateID string                 `json:"template_id"`
	Recipient  string                 `json:"recipient"`
	Context    map[string]interface{} `json:"context"`
}

// Notifier delivers a message or returns an error wrapping
// consent.ErrNotifierDelivery.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}
