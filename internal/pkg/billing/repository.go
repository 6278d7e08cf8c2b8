package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	GetAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error)
	UpdateAccountSubscription(ctx context.Context, accountID uint, change SubscriptionChange) error
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	RecordOverageTransaction(ctx context.Context, tx *models.OverageTransaction) error
	MarkOverageReversed(ctx context.Context, tx *models.OverageTransaction, reason string) error
	OverageReversed(ctx context.Context, accountID uint, requestID string) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) UpdateAccountSubscription(ctx context.Context, accountID uint, change SubscriptionChange) error {
	updates := map[string]interface{}{
		"subscription_status": change.Status,
	}
	if change.Tier != "" {
		updates["subscription_tier"] = change.Tier
	}
	if change.SubscriptionID != "" {
		updates["subscription_id"] = change.SubscriptionID
	}
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

var overageRequestColumns = []clause.Column{{Name: "account_id"}, {Name: "request_id"}}

// RecordOverageTransaction writes the audit row of a charge. An existing row
// for the same request, e.g. a reversal recorded first, is left untouched.
func (r *gormRepository) RecordOverageTransaction(ctx context.Context, tx *models.OverageTransaction) error {
	if tx.Status == "" {
		tx.Status = models.OverageStatusCharged
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: overageRequestColumns, DoNothing: true}).
		Create(tx).Error
}

// MarkOverageReversed flags the charge of tx.RequestID as returned, creating
// the audit row when the charge was never recorded.
func (r *gormRepository) MarkOverageReversed(ctx context.Context, tx *models.OverageTransaction, reason string) error {
	now := time.Now()
	tx.Status = models.OverageStatusReversed
	tx.ReversalReason = reason
	tx.ReversedAt = &now
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   overageRequestColumns,
			DoUpdates: clause.AssignmentColumns([]string{"status", "reversal_reason", "reversed_at"}),
		}).
		Create(tx).Error
}

func (r *gormRepository) OverageReversed(ctx context.Context, accountID uint, requestID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.OverageTransaction{}).
		Where("account_id = ? AND request_id = ? AND status = ?", accountID, requestID, models.OverageStatusReversed).
		Count(&n).Error
	return n > 0, err
}
