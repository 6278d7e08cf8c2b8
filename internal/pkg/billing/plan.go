package billing

import (
	"strings"

	"github.com/ManuelReschke/PixelForge/app/models"
)

const CurrencyUSD = "usd"

// Per-unit overage price by subscription tier, in cents.
var overagePriceCents = map[string]int64{
	models.TierStarter: 40,
	models.TierGrowth:  30,
	models.TierScale:   20,
}

func normalizeTier(tier string) string {
	t := strings.ToLower(strings.TrimSpace(tier))
	if _, ok := overagePriceCents[t]; ok {
		return t
	}
	return ""
}

// OveragePriceCents returns the unit price for tier.
func OveragePriceCents(tier string) (int64, bool) {
	t := normalizeTier(tier)
	if t == "" {
		return 0, false
	}
	return overagePriceCents[t], true
}

// Only an exactly "active" subscription may incur overage charges. Trialing,
// past_due and every unknown status fail closed.
func isOverageStatus(status string) bool {
	return status == models.BillingStatusActive
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case models.BillingStatusActive,
		models.BillingStatusTrialing,
		models.BillingStatusPastDue,
		models.BillingStatusCanceled,
		models.BillingStatusIncomplete,
		models.BillingStatusPaused:
		return s
	case "unpaid", "incomplete_expired":
		return models.BillingStatusCanceled
	default:
		return models.BillingStatusIncomplete
	}
}
