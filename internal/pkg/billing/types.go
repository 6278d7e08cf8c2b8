package billing

import "time"

// EventKind tags the decoded variant of a processor event.
type EventKind string

const (
	EventKindCreditPurchase     EventKind = "credit_purchase"
	EventKindSubscriptionChange EventKind = "subscription_change"
	EventKindIgnored            EventKind = "ignored"
)

// ProcessorEvent is a verified and decoded processor webhook. Exactly one of
// Purchase or Subscription is set, matching Kind, unless Kind is ignored.
type ProcessorEvent struct {
	Provider     string
	EventID      string
	EventType    string
	Kind         EventKind
	Purchase     *CreditPurchase
	Subscription *SubscriptionChange
}

// CreditPurchase grants prepaid credit to an account.
type CreditPurchase struct {
	AccountID uint
	Credits   int64
	Source    string // one_time or subscription_topup
	Reference string
}

// SubscriptionChange updates the billing profile of an account. AccountID may
// be zero when only the processor subscription id is known.
type SubscriptionChange struct {
	AccountID      uint
	Tier           string
	SubscriptionID string
	Status         string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// WebhookResult is returned to the processor once an event is acknowledged.
type WebhookResult struct {
	EventID   string
	Duplicate bool
	Ignored   bool
}

// OverageChargeRequest describes one overage unit to bill.
type OverageChargeRequest struct {
	AccountID      uint
	SessionID      string
	RequestID      string
	SubscriptionID string
	Tier           string
}

// OverageRecord is the audit entry written after a successful overage charge.
type OverageRecord struct {
	AccountID   uint
	SessionID   string
	RequestID   string
	ChargeID    string
	Tier        string
	AmountCents int64
	ChargedAt   time.Time
}
