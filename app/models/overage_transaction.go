package models

import "time"

const (
	OverageStatusCharged  = "charged"
	OverageStatusReversed = "reversed"
)

// OverageTransaction is the audit trail of per-unit overage charges. There is
// at most one row per request id; a reversed row closes that request id for
// further overage billing.
type OverageTransaction struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AccountID      uint       `gorm:"not null;index;uniqueIndex:ux_overage_transactions_request,priority:1" json:"account_id"`
	SessionID      string     `gorm:"type:char(36);not null;index" json:"session_id"`
	RequestID      string     `gorm:"type:varchar(128);not null;uniqueIndex:ux_overage_transactions_request,priority:2" json:"request_id"`
	ChargeID       string     `gorm:"type:varchar(191);not null;index" json:"charge_id"`
	Tier           string     `gorm:"type:varchar(32);not null" json:"tier"`
	AmountCents    int64      `gorm:"not null" json:"amount_cents"`
	Currency       string     `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	Status         string     `gorm:"type:varchar(16);not null;default:'charged'" json:"status"`
	ReversalReason string     `gorm:"type:varchar(255)" json:"reversal_reason,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}
