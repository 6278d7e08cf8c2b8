package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
)

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *accountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetByAPIKeyHash returns the account owning hash, active or not. Callers
// decide how to treat deactivated accounts.
func (r *accountRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var account models.Account
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND api_key_hash <> ''", trimmed).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		UpdateColumn("api_key_last_used_at", at).Error
}
