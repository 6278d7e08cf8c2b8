package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	BillingModeAbsorb = "absorb"
	BillingModeResell = "resell"
)

const (
	TierStarter = "starter"
	TierGrowth  = "growth"
	TierScale   = "scale"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusPaused     = "paused"
)

// Account is a merchant consuming the generation service. Accounts are
// deactivated, never hard-deleted.
type Account struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Name               string     `gorm:"type:varchar(200);not null;default:''" json:"name"`
	Channel            string     `gorm:"type:varchar(50);not null;default:'direct';index" json:"channel"`
	BillingMode        string     `gorm:"type:varchar(20);not null;default:'absorb'" json:"billing_mode"`
	SubscriptionTier   *string    `gorm:"type:varchar(32);default:null" json:"subscription_tier,omitempty"`
	SubscriptionID     *string    `gorm:"type:varchar(191);default:null;index" json:"subscription_id,omitempty"`
	SubscriptionStatus *string    `gorm:"type:varchar(32);default:null" json:"subscription_status,omitempty"`
	APIKeyHash         string     `gorm:"type:char(64);not null;default:'';index" json:"-"`
	APIKeyPrefix       string     `gorm:"type:varchar(20);not null;default:''" json:"api_key_prefix"`
	APIKeyLastUsedAt   *time.Time `gorm:"type:timestamp;default:null" json:"api_key_last_used_at,omitempty"`
	IsActive           bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "pxf_"

// IssueAPIKey generates a new API key, stores its hash on the struct and
// returns the raw secret. Callers persist the account afterwards.
func (a *Account) IssueAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 16 {
		return "", fmt.Errorf("api key generation failed: key too short")
	}
	a.APIKeyHash = HashAPIKey(rawKey)
	a.APIKeyPrefix = rawKey[:16]
	a.APIKeyLastUsedAt = nil
	return rawKey, nil
}

// HasActiveAPIKey reports whether the account can authenticate with a key.
func (a *Account) HasActiveAPIKey() bool {
	return a != nil && a.IsActive && a.APIKeyHash != ""
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// StringValue dereferences an optional column, returning "" for NULL.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
