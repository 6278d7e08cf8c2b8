package models

import "time"

// Credit transaction kinds recorded in the ledger journal.
const (
	CreditKindDeduct = "deduct"
	CreditKindRefund = "refund"
	CreditKindGrant  = "grant"
)

// Grant sources.
const (
	CreditSourceOneTime           = "one_time"
	CreditSourceSubscriptionTopUp = "subscription_topup"
	CreditSourceManual            = "manual"
)

// CreditBalance holds the prepaid balance of one account.
// balance == total_purchased - total_spent at all times.
type CreditBalance struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	AccountID      uint      `gorm:"not null;uniqueIndex" json:"account_id"`
	Balance        int64     `gorm:"not null;default:0;check:chk_credit_balances_balance,balance >= 0" json:"balance"`
	TotalPurchased int64     `gorm:"not null;default:0" json:"total_purchased"`
	TotalSpent     int64     `gorm:"not null;default:0" json:"total_spent"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditTransaction is the idempotency journal of the ledger. A row exists
// only for mutations that were applied.
type CreditTransaction struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AccountID      uint      `gorm:"not null;index:ux_credit_transactions_token,unique,priority:1" json:"account_id"`
	Kind           string    `gorm:"type:varchar(16);not null;index:ux_credit_transactions_token,unique,priority:2" json:"kind"`
	IdempotencyKey string    `gorm:"type:varchar(191);not null;index:ux_credit_transactions_token,unique,priority:3" json:"idempotency_key"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Source         string    `gorm:"type:varchar(32);not null;default:''" json:"source"`
	Description    string    `gorm:"type:varchar(255);not null;default:''" json:"description"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
