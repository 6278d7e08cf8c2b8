package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
)

func newTestLedger(t *testing.T) (Ledger, *gorm.DB) {
	t.Helper()

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return New(db), db
}

func assertInvariant(t *testing.T, l Ledger, accountID uint) Balance {
	t.Helper()

	b, err := l.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Balance, int64(0))
	assert.Equal(t, b.TotalPurchased-b.TotalSpent, b.Balance)
	return b
}

func TestGetBalanceMissingAccount(t *testing.T) {
	l, _ := newTestLedger(t)

	b, err := l.GetBalance(context.Background(), 404)
	require.NoError(t, err)
	assert.Equal(t, Balance{}, b)
}

func TestGrantIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, 1, 10, models.CreditSourceOneTime, "signed:evt_1", "pack"))
	require.NoError(t, l.Grant(ctx, 1, 10, models.CreditSourceOneTime, "signed:evt_1", "pack"))
	require.NoError(t, l.Grant(ctx, 1, 5, models.CreditSourceSubscriptionTopUp, "signed:evt_2", "topup"))

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(15), b.Balance)
	assert.Equal(t, int64(15), b.TotalPurchased)
}

func TestDeduct(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 5, models.CreditSourceOneTime, "grant-1", ""))

	ok, err := l.Deduct(ctx, 1, 1, "req-1", "image generation")
	require.NoError(t, err)
	assert.True(t, ok)

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(4), b.Balance)
	assert.Equal(t, int64(1), b.TotalSpent)
}

func TestDeductReplayDoesNotDeductTwice(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 5, models.CreditSourceOneTime, "grant-1", ""))

	for i := 0; i < 3; i++ {
		ok, err := l.Deduct(ctx, 1, 1, "req-1", "")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(4), b.Balance)
}

func TestDeductInsufficient(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.Deduct(ctx, 7, 1, "req-empty", "")
	require.NoError(t, err)
	assert.False(t, ok, "no balance row means no credit")

	require.NoError(t, l.Grant(ctx, 7, 1, models.CreditSourceOneTime, "grant-1", ""))
	ok, err = l.Deduct(ctx, 7, 2, "req-2", "")
	require.NoError(t, err)
	assert.False(t, ok)

	var journal int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).Where("kind = ?", models.CreditKindDeduct).Count(&journal).Error)
	assert.Zero(t, journal, "failed deductions must not leave a journal row")

	b := assertInvariant(t, l, 7)
	assert.Equal(t, int64(1), b.Balance)

	// A token rejected for insufficient credit can succeed once credit exists.
	require.NoError(t, l.Grant(ctx, 7, 5, models.CreditSourceOneTime, "grant-2", ""))
	ok, err = l.Deduct(ctx, 7, 2, "req-2", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assertInvariant(t, l, 7)
}

func TestRefund(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 3, models.CreditSourceOneTime, "grant-1", ""))

	ok, err := l.Deduct(ctx, 1, 1, "req-1", "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Refund(ctx, 1, 1, "req-1", "queue failure"))
	require.NoError(t, l.Refund(ctx, 1, 1, "req-1", "queue failure"))

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(3), b.Balance)
	assert.Equal(t, int64(0), b.TotalSpent)
}

func TestDeductAfterRefundIsRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 1, models.CreditSourceOneTime, "grant-1", ""))

	ok, err := l.Deduct(ctx, 1, 1, "req-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Refund(ctx, 1, 1, "req-1", "session failure"))

	ok, err = l.Deduct(ctx, 1, 1, "req-1", "")
	assert.ErrorIs(t, err, ErrReservationReturned)
	assert.False(t, ok)

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(1), b.Balance, "the refunded credit stays available")

	ok, err = l.Deduct(ctx, 1, 1, "req-2", "")
	require.NoError(t, err)
	assert.True(t, ok)
	b = assertInvariant(t, l, 1)
	assert.Equal(t, int64(0), b.Balance)
}

func TestRefundWithoutReservation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 3, models.CreditSourceOneTime, "grant-1", ""))

	err := l.Refund(ctx, 1, 1, "never-deducted", "")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(3), b.Balance)
}

func TestInvalidArguments(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deduct(ctx, 1, 0, "req", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Deduct(ctx, 1, 1, "  ", "")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.ErrorIs(t, l.Grant(ctx, 1, -5, models.CreditSourceManual, "t", ""), ErrInvalidAmount)
	assert.ErrorIs(t, l.Refund(ctx, 1, 1, "", ""), ErrMissingToken)
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Grant(ctx, 1, 1, models.CreditSourceOneTime, "grant-1", ""))

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Deduct(ctx, 1, 1, fmt.Sprintf("req-%d", i), "")
			if err == nil && ok {
				atomic.AddInt32(&succeeded, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
	b := assertInvariant(t, l, 1)
	assert.Equal(t, int64(0), b.Balance)
}

func TestDeductStorageFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `credit_transactions`").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	ok, err := New(db).Deduct(context.Background(), 1, 1, "req-1", "")
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
