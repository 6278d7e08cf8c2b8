// Package ledger keeps the prepaid credit balance of every account. All
// mutations are keyed by a caller supplied idempotency token and applied in a
// single database transaction together with their journal row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelForge/app/models"
)

var (
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrMissingToken        = errors.New("ledger: idempotency token is required")
	ErrReservationNotFound = errors.New("ledger: no deduction recorded for token")
	ErrReservationReturned = errors.New("ledger: deduction for token was refunded")
	ErrInvariantViolated   = errors.New("ledger: balance invariant violated")

	errInsufficient = errors.New("insufficient balance")
)

// Balance is a point-in-time view of an account's credit.
type Balance struct {
	Balance        int64 `json:"balance"`
	TotalPurchased int64 `json:"total_purchased"`
	TotalSpent     int64 `json:"total_spent"`
}

// Ledger is the credit store used by the fulfillment and webhook flows.
type Ledger interface {
	// Deduct atomically removes amount from the balance. It returns false,
	// without error, when the balance is insufficient. Replaying a token that
	// already deducted returns true without deducting again, unless that
	// deduction was refunded: a refunded token is spent and yields
	// ErrReservationReturned.
	Deduct(ctx context.Context, accountID uint, amount int64, token, description string) (bool, error)
	// Refund returns a reservation made by Deduct with the same token.
	Refund(ctx context.Context, accountID uint, amount int64, token, description string) error
	// Grant adds purchased credit to the balance.
	Grant(ctx context.Context, accountID uint, amount int64, source, token, description string) error
	GetBalance(ctx context.Context, accountID uint) (Balance, error)
}

type gormLedger struct {
	db *gorm.DB
}

// New creates a ledger backed by GORM.
func New(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

func (l *gormLedger) Deduct(ctx context.Context, accountID uint, amount int64, token, description string) (bool, error) {
	if err := checkArgs(amount, token); err != nil {
		return false, err
	}

	key := strings.TrimSpace(token)
	replayed := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := &models.CreditTransaction{
			AccountID:      accountID,
			Kind:           models.CreditKindDeduct,
			IdempotencyKey: key,
			Amount:         amount,
			Description:    description,
		}
		inserted, err := insertJournal(tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			var refunds int64
			err := tx.Model(&models.CreditTransaction{}).
				Where("account_id = ? AND kind = ? AND idempotency_key = ?", accountID, models.CreditKindRefund, key).
				Count(&refunds).Error
			if err != nil {
				return err
			}
			if refunds > 0 {
				return ErrReservationReturned
			}
			replayed = true
			return nil
		}

		res := tx.Model(&models.CreditBalance{}).
			Where("account_id = ? AND balance >= ?", accountID, amount).
			Updates(map[string]interface{}{
				"balance":     gorm.Expr("balance - ?", amount),
				"total_spent": gorm.Expr("total_spent + ?", amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInsufficient
		}
		return nil
	})
	if errors.Is(err, errInsufficient) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deduct credit for account %d: %w", accountID, err)
	}
	if replayed {
		log.Debugf("[Ledger] Deduct replay for account %d token %s", accountID, token)
	}
	return true, nil
}

func (l *gormLedger) Refund(ctx context.Context, accountID uint, amount int64, token, description string) error {
	if err := checkArgs(amount, token); err != nil {
		return err
	}
	key := strings.TrimSpace(token)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation models.CreditTransaction
		err := tx.Where("account_id = ? AND kind = ? AND idempotency_key = ?", accountID, models.CreditKindDeduct, key).
			First(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if amount > reservation.Amount {
			amount = reservation.Amount
		}

		inserted, err := insertJournal(tx, &models.CreditTransaction{
			AccountID:      accountID,
			Kind:           models.CreditKindRefund,
			IdempotencyKey: key,
			Amount:         amount,
			Description:    description,
		})
		if err != nil || !inserted {
			return err
		}

		res := tx.Model(&models.CreditBalance{}).
			Where("account_id = ? AND total_spent >= ?", accountID, amount).
			Updates(map[string]interface{}{
				"balance":     gorm.Expr("balance + ?", amount),
				"total_spent": gorm.Expr("total_spent - ?", amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvariantViolated
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refund credit for account %d: %w", accountID, err)
	}
	return nil
}

func (l *gormLedger) Grant(ctx context.Context, accountID uint, amount int64, source, token, description string) error {
	if err := checkArgs(amount, token); err != nil {
		return err
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := insertJournal(tx, &models.CreditTransaction{
			AccountID:      accountID,
			Kind:           models.CreditKindGrant,
			IdempotencyKey: strings.TrimSpace(token),
			Amount:         amount,
			Source:         source,
			Description:    description,
		})
		if err != nil || !inserted {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":         gorm.Expr("balance + ?", amount),
				"total_purchased": gorm.Expr("total_purchased + ?", amount),
			}),
		}).Create(&models.CreditBalance{
			AccountID:      accountID,
			Balance:        amount,
			TotalPurchased: amount,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("grant credit for account %d: %w", accountID, err)
	}
	return nil
}

func (l *gormLedger) GetBalance(ctx context.Context, accountID uint) (Balance, error) {
	var row models.CreditBalance
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("load balance for account %d: %w", accountID, err)
	}
	return Balance{
		Balance:        row.Balance,
		TotalPurchased: row.TotalPurchased,
		TotalSpent:     row.TotalSpent,
	}, nil
}

// insertJournal records a mutation and reports whether the row is new. A
// conflict on (account_id, kind, idempotency_key) means it was already applied.
func insertJournal(tx *gorm.DB, entry *models.CreditTransaction) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func checkArgs(amount int64, token string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	return nil
}
