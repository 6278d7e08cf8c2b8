package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SessionStatusQueued     = "queued"
	SessionStatusProcessing = "processing"
	SessionStatusFailed     = "failed"
	SessionStatusCompleted  = "completed"
)

// Payment sources stored in session metadata.
const (
	PaymentSourceCredit  = "credit"
	PaymentSourceOverage = "overage"
)

// Session metadata keys.
const (
	MetaPaymentSource   = "payment_source"
	MetaRequestID       = "request_id"
	MetaOverageChargeID = "overage_charge_id"
	MetaOverageTier     = "overage_tier"
)

// FulfillmentSession tracks one generation request from reservation to completion.
type FulfillmentSession struct {
	ID           string                      `gorm:"type:char(36);primaryKey" json:"id"`
	AccountID    uint                        `gorm:"not null;index:ux_fulfillment_sessions_request,unique,priority:1" json:"account_id"`
	RequestID    string                      `gorm:"type:varchar(128);not null;index:ux_fulfillment_sessions_request,unique,priority:2" json:"request_id"`
	Channel      string                      `gorm:"type:varchar(50);not null;default:'direct'" json:"channel"`
	Status       string                      `gorm:"type:varchar(20);not null;default:'queued';index:idx_fulfillment_sessions_status_updated,priority:1" json:"status"`
	ErrorMessage *string                     `gorm:"type:text" json:"error_message,omitempty"`
	Prompt       string                      `gorm:"type:text" json:"prompt"`
	ImageURLs    datatypes.JSONSlice[string] `gorm:"type:json" json:"image_urls"`
	Metadata     datatypes.JSONMap           `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time                   `gorm:"autoUpdateTime;index:idx_fulfillment_sessions_status_updated,priority:2" json:"updated_at"`
}

// PaymentSource returns the instrument that paid for the session.
func (s *FulfillmentSession) PaymentSource() string {
	return s.metaString(MetaPaymentSource)
}

// OverageChargeID returns the processor charge id recorded for the session, if any.
func (s *FulfillmentSession) OverageChargeID() string {
	return s.metaString(MetaOverageChargeID)
}

func (s *FulfillmentSession) metaString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	v, ok := s.Metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}
