package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
)

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository instance
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Create inserts a session. A second session for the same (account, request
// id) fails with gorm.ErrDuplicatedKey.
func (r *sessionRepository) Create(ctx context.Context, session *models.FulfillmentSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*models.FulfillmentSession, error) {
	var session models.FulfillmentSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) GetByRequestID(ctx context.Context, accountID uint, requestID string) (*models.FulfillmentSession, error) {
	var session models.FulfillmentSession
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND request_id = ?", accountID, requestID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MergeMetadata adds values to the session metadata, keeping existing keys
// that values does not override.
func (r *sessionRepository) MergeMetadata(ctx context.Context, id string, values map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.FulfillmentSession
		if err := tx.Select("id", "metadata").Where("id = ?", id).First(&session).Error; err != nil {
			return err
		}
		merged := datatypes.JSONMap{}
		for k, v := range session.Metadata {
			merged[k] = v
		}
		for k, v := range values {
			merged[k] = v
		}
		return tx.Model(&models.FulfillmentSession{}).
			Where("id = ?", id).
			Update("metadata", merged).Error
	})
}

// MarkFailed moves a non-terminal session to failed. It reports false when
// the session was already failed or completed.
func (r *sessionRepository) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.FulfillmentSession{}).
		Where("id = ? AND status IN ?", id, []string{models.SessionStatusQueued, models.SessionStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        models.SessionStatusFailed,
			"error_message": message,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStuck returns the oldest non-terminal sessions last updated before
// updatedBefore.
func (r *sessionRepository) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]models.FulfillmentSession, error) {
	var sessions []models.FulfillmentSession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{models.SessionStatusQueued, models.SessionStatusProcessing}, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
