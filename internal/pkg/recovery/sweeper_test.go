package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

type reversal struct {
	chargeID, requestID, reason string
}

type fakeBiller struct {
	err       error
	reversals []reversal
}

func (b *fakeBiller) Charge(context.Context, billing.OverageChargeRequest) (string, error) {
	return "", errors.New("not used")
}

func (b *fakeBiller) Reverse(_ context.Context, chargeID, requestID, reason string) error {
	b.reversals = append(b.reversals, reversal{chargeID, requestID, reason})
	return b.err
}

type fixture struct {
	db      *gorm.DB
	ledger  ledger.Ledger
	biller  *fakeBiller
	metrics *metrics.Metrics
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &fixture{db: db, ledger: ledger.New(db), biller: &fakeBiller{}, metrics: metrics.NewUnregistered()}
	f.sweeper = NewSweeper(repository.NewSessionRepository(db), f.ledger, f.biller, f.metrics, 30*time.Minute, 10)
	return f
}

func (f *fixture) session(t *testing.T, requestID, status string, meta datatypes.JSONMap, age time.Duration) *models.FulfillmentSession {
	t.Helper()
	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	meta[models.MetaRequestID] = requestID
	s := &models.FulfillmentSession{
		ID:        uuid.NewString(),
		AccountID: 1,
		RequestID: requestID,
		Status:    status,
		Prompt:    "p",
		Metadata:  meta,
	}
	require.NoError(t, f.db.Create(s).Error)
	require.NoError(t, f.db.Model(&models.FulfillmentSession{}).Where("id = ?", s.ID).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error)
	return s
}

func (f *fixture) status(t *testing.T, id string) string {
	t.Helper()
	var s models.FulfillmentSession
	require.NoError(t, f.db.Where("id = ?", id).First(&s).Error)
	return s.Status
}

func creditMeta() datatypes.JSONMap {
	return datatypes.JSONMap{models.MetaPaymentSource: models.PaymentSourceCredit}
}

func TestRunOnceRefundsStuckCreditSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Grant(ctx, 1, 2, models.CreditSourceOneTime, "signed:evt", "pack"))
	ok, err := f.ledger.Deduct(ctx, 1, 1, "req-1", "generation")
	require.NoError(t, err)
	require.True(t, ok)

	stuck := f.session(t, "req-1", models.SessionStatusQueued, creditMeta(), time.Hour)

	report, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Failed: 1, Refunded: 1}, report)
	assert.Equal(t, models.SessionStatusFailed, f.status(t, stuck.ID))

	b, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Balance)
	assert.Equal(t, int64(0), b.TotalSpent)

	// A second sweep finds nothing and refunds nothing.
	report, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	b, _ = f.ledger.GetBalance(ctx, 1)
	assert.Equal(t, int64(2), b.Balance)
}

func TestRunOnceReversesStuckOverageSession(t *testing.T) {
	f := newFixture(t)
	meta := datatypes.JSONMap{
		models.MetaPaymentSource:   models.PaymentSourceOverage,
		models.MetaOverageChargeID: "ii_9",
	}
	stuck := f.session(t, "req-9", models.SessionStatusProcessing, meta, time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reversed)
	assert.Equal(t, []reversal{{"ii_9", "req-9", ReasonStuckSession}}, f.biller.reversals)
	assert.Equal(t, models.SessionStatusFailed, f.status(t, stuck.ID))

	b, _ := f.ledger.GetBalance(context.Background(), 1)
	assert.Zero(t, b.Balance)
}

func TestRunOnceCountsMissingChargeID(t *testing.T) {
	f := newFixture(t)
	f.session(t, "req-1", models.SessionStatusQueued, datatypes.JSONMap{models.MetaPaymentSource: models.PaymentSourceOverage}, time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Empty(t, f.biller.reversals)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconciliationGaps))
}

func TestRunOnceSkipsFreshAndTerminalSessions(t *testing.T) {
	f := newFixture(t)
	fresh := f.session(t, "fresh", models.SessionStatusQueued, creditMeta(), time.Minute)
	done := f.session(t, "done", models.SessionStatusCompleted, creditMeta(), time.Hour)
	failed := f.session(t, "failed", models.SessionStatusFailed, creditMeta(), time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, models.SessionStatusQueued, f.status(t, fresh.ID))
	assert.Equal(t, models.SessionStatusCompleted, f.status(t, done.ID))
	assert.Equal(t, models.SessionStatusFailed, f.status(t, failed.ID))
}

func TestRunOnceReversalFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	f.biller.err = errors.New("processor down")
	f.session(t, "req-1", models.SessionStatusQueued, datatypes.JSONMap{
		models.MetaPaymentSource:   models.PaymentSourceOverage,
		models.MetaOverageChargeID: "ii_1",
	}, time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReversalFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconciliationGaps))
}

type brokenRefunds struct {
	ledger.Ledger
}

func (brokenRefunds) Refund(context.Context, uint, int64, string, string) error {
	return errors.New("connection reset by peer")
}

func TestRunOnceRefundFailureIsAGap(t *testing.T) {
	f := newFixture(t)
	f.sweeper = NewSweeper(repository.NewSessionRepository(f.db), brokenRefunds{f.ledger}, f.biller, f.metrics, 30*time.Minute, 10)
	s := f.session(t, "req-1", models.SessionStatusQueued, creditMeta(), time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Compensations.WithLabelValues("refund", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconciliationGaps))

	// the failed session is not listed again
	report, err = f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, models.SessionStatusFailed, f.status(t, s.ID))
}

func TestRunOnceCreditWithoutReservation(t *testing.T) {
	f := newFixture(t)
	f.session(t, "req-1", models.SessionStatusQueued, creditMeta(), time.Hour)

	report, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconciliationGaps))

	b, _ := f.ledger.GetBalance(context.Background(), 1)
	assert.Zero(t, b.Balance)
}
