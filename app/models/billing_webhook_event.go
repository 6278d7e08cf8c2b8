package models

import "time"

// Webhook providers.
const (
	WebhookProviderSigned = "signed"
	WebhookProviderStripe = "stripe"
)

// BillingWebhookEvent stores processor webhook payloads keyed by
// (provider, provider_event_id). A row with no processed_at, or with a
// processing_error, was received but never credited.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false" json:"signature_valid"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Handled reports whether the event was processed without error.
func (e *BillingWebhookEvent) Handled() bool {
	return e != nil && e.ProcessedAt != nil && e.ProcessingError == ""
}
