package billing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
)

var ErrAccountNotFound = errors.New("billing: account not found")

// Profile is the billing state that decides whether overage is permitted.
type Profile struct {
	AccountID          uint
	Tier               string
	SubscriptionID     string
	SubscriptionStatus string
}

// ResolveProfile reads the billing profile of an account.
func ResolveProfile(account *models.Account) Profile {
	if account == nil {
		return Profile{}
	}
	return Profile{
		AccountID:          account.ID,
		Tier:               models.StringValue(account.SubscriptionTier),
		SubscriptionID:     models.StringValue(account.SubscriptionID),
		SubscriptionStatus: models.StringValue(account.SubscriptionStatus),
	}
}

// OverageAllowed requires an exactly active subscription with a known tier
// and a processor subscription id.
func (p Profile) OverageAllowed() bool {
	if !isOverageStatus(p.SubscriptionStatus) {
		return false
	}
	if p.SubscriptionID == "" {
		return false
	}
	_, ok := OveragePriceCents(p.Tier)
	return ok
}

// ProfileResolver loads billing profiles.
type ProfileResolver interface {
	Resolve(ctx context.Context, accountID uint) (Profile, error)
}

type repoProfileResolver struct {
	repo Repository
}

// NewProfileResolver resolves profiles from the account table.
func NewProfileResolver(repo Repository) ProfileResolver {
	return &repoProfileResolver{repo: repo}
}

func (r *repoProfileResolver) Resolve(ctx context.Context, accountID uint) (Profile, error) {
	account, err := r.repo.GetAccount(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrAccountNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("resolve billing profile for account %d: %w", accountID, err)
	}
	return ResolveProfile(account), nil
}
