package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// AccountRepository defines the interface for account-related database operations
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
}

// SessionRepository defines the interface for fulfillment session operations
type SessionRepository interface {
	Create(ctx context.Context, session *models.FulfillmentSession) error
	GetByID(ctx context.Context, id string) (*models.FulfillmentSession, error)
	GetByRequestID(ctx context.Context, accountID uint, requestID string) (*models.FulfillmentSession, error)
	MergeMetadata(ctx context.Context, id string, values map[string]interface{}) error
	MarkFailed(ctx context.Context, id, message string) (bool, error)
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]models.FulfillmentSession, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Account AccountRepository
	Session SessionRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account: NewAccountRepository(db),
		Session: NewSessionRepository(db),
	}
}
