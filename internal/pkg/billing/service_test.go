package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/async"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

const testSecret = "whsec_signed"

var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	db      *gorm.DB
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	svc     *Service
	archive *recordingArchiver
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *recordingArchiver) ArchiveWebhook(_ context.Context, provider, eventID string, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, provider+"/"+eventID)
	return a.err
}

type failingLedger struct {
	ledger.Ledger
}

func (failingLedger) Grant(context.Context, uint, int64, string, string, string) error {
	return errors.New("database is locked")
}

func newFixture(t *testing.T, l func(*gorm.DB) ledger.Ledger) *fixture {
	t.Helper()

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if l == nil {
		l = ledger.New
	}
	f := &fixture{db: db, ledger: l(db), metrics: metrics.NewUnregistered(), archive: &recordingArchiver{}}

	verifier := NewSignedVerifier(testSecret, 5*time.Minute)
	verifier.now = func() time.Time { return testNow }

	f.svc = NewService(NewRepository(db), f.ledger, f.metrics, []Verifier{verifier},
		WithArchiver(f.archive), WithDispatcher(async.Inline{}))
	return f
}

func (f *fixture) account(t *testing.T) *models.Account {
	t.Helper()
	a := &models.Account{Name: "Acme", Channel: "direct", BillingMode: models.BillingModeResell}
	require.NoError(t, f.db.Create(a).Error)
	return a
}

func (f *fixture) deliver(payload string) (*WebhookResult, error) {
	body := []byte(payload)
	return f.svc.HandleWebhook(context.Background(), "signed", body, SignWebhook(body, testSecret, testNow))
}

func purchasePayload(eventID string, accountID uint, credits int) string {
	return fmt.Sprintf(`{"id":%q,"type":"credits.purchased","data":{"account_id":%d,"credits":%d,"purchase_type":"one_time"}}`,
		eventID, accountID, credits)
}

func TestHandleWebhookGrantsOnce(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t)
	payload := purchasePayload("evt_1", acc.ID, 40)

	res, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", res.EventID)
	assert.False(t, res.Duplicate)

	res, err = f.deliver(payload)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	b, err := f.ledger.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Balance)
	assert.Equal(t, int64(40), b.TotalPurchased)

	var stored models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_1").First(&stored).Error)
	assert.True(t, stored.Handled())
	assert.True(t, stored.SignatureValid)

	assert.Equal(t, []string{"signed/evt_1"}, f.archive.keys)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("signed", "duplicate")))
}

func TestHandleWebhookConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t)
	payload := purchasePayload("evt_race", acc.ID, 25)

	const deliveries = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		fresh, dup int
		errs       []error
	)
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.deliver(payload)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case res.Duplicate:
				dup++
			default:
				fresh++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, fresh)
	assert.Equal(t, deliveries-1, dup)

	var grants, events int64
	require.NoError(t, f.db.Model(&models.CreditTransaction{}).
		Where("account_id = ? AND kind = ?", acc.ID, models.CreditKindGrant).Count(&grants).Error)
	require.NoError(t, f.db.Model(&models.BillingWebhookEvent{}).
		Where("provider_event_id = ?", "evt_race").Count(&events).Error)
	assert.Equal(t, int64(1), grants)
	assert.Equal(t, int64(1), events)

	b, err := f.ledger.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), b.Balance)
	assert.Equal(t, b.TotalPurchased, b.Balance)
	assert.Equal(t, []string{"signed/evt_race"}, f.archive.keys)
}

func TestOverageReversalIsKeptOverLateAudit(t *testing.T) {
	f := newFixture(t, nil)
	repo := NewRepository(f.db)
	ctx := context.Background()

	reversed, err := repo.OverageReversed(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.False(t, reversed)

	record := func() *models.OverageTransaction {
		return &models.OverageTransaction{
			AccountID: 7, SessionID: uuid.NewString(), RequestID: "req-1",
			ChargeID: "ii_1", Tier: models.TierGrowth, AmountCents: 30, Currency: CurrencyUSD,
		}
	}
	require.NoError(t, repo.MarkOverageReversed(ctx, record(), "queue failure"))
	// the best-effort audit write lands after the reversal
	require.NoError(t, repo.RecordOverageTransaction(ctx, record()))

	reversed, err = repo.OverageReversed(ctx, 7, "req-1")
	require.NoError(t, err)
	assert.True(t, reversed)

	var rows []models.OverageTransaction
	require.NoError(t, f.db.Where("request_id = ?", "req-1").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OverageStatusReversed, rows[0].Status)
	assert.Equal(t, "queue failure", rows[0].ReversalReason)
	assert.NotNil(t, rows[0].ReversedAt)

	// a charge recorded first is flipped by the reversal
	charged := record()
	charged.RequestID = "req-2"
	require.NoError(t, repo.RecordOverageTransaction(ctx, charged))
	reversed, err = repo.OverageReversed(ctx, 7, "req-2")
	require.NoError(t, err)
	assert.False(t, reversed)

	again := record()
	again.RequestID = "req-2"
	require.NoError(t, repo.MarkOverageReversed(ctx, again, "session failure"))
	reversed, err = repo.OverageReversed(ctx, 7, "req-2")
	require.NoError(t, err)
	assert.True(t, reversed)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t)
	body := []byte(purchasePayload("evt_1", acc.ID, 40))

	_, err := f.svc.HandleWebhook(context.Background(), "signed", body, SignWebhook(body, "wrong", testNow))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var count int64
	require.NoError(t, f.db.Model(&models.BillingWebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleWebhookRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.deliver(`{"id":"evt_1","type":"credits.purchased","data":{"account_id":1,"credits":-3,"purchase_type":"one_time"}}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	var count int64
	require.NoError(t, f.db.Model(&models.BillingWebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.HandleWebhook(context.Background(), "paypal", []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHandleWebhookIgnoredType(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.deliver(`{"id":"evt_9","type":"invoice.created","data":{}}`)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	var stored models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_9").First(&stored).Error)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestHandleWebhookUnlinkedAccount(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.deliver(purchasePayload("evt_2", 999, 5))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	var stored models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_2").First(&stored).Error)
	assert.Contains(t, stored.ProcessingError, "account not found")

	b, err := f.ledger.GetBalance(context.Background(), 999)
	require.NoError(t, err)
	assert.Zero(t, b.Balance)
}

func TestHandleWebhookGrantFailure(t *testing.T) {
	f := newFixture(t, func(db *gorm.DB) ledger.Ledger { return failingLedger{ledger.New(db)} })
	acc := f.account(t)

	_, err := f.deliver(purchasePayload("evt_3", acc.ID, 5))
	assert.ErrorIs(t, err, ErrGrantFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookGrantFailures))

	var stored models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_3").First(&stored).Error)
	assert.False(t, stored.Handled())
	assert.Contains(t, stored.ProcessingError, "database is locked")

	// A redelivery is acknowledged as a duplicate; the row stays for reconciliation.
	res, err := f.deliver(purchasePayload("evt_3", acc.ID, 5))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestHandleWebhookSubscriptionChange(t *testing.T) {
	f := newFixture(t, nil)
	acc := f.account(t)

	_, err := f.deliver(fmt.Sprintf(`{"id":"evt_4","type":"subscription.updated",
		"data":{"account_id":%d,"tier":"scale","subscription_id":"sub_42","status":"active"}}`, acc.ID))
	require.NoError(t, err)

	var reloaded models.Account
	require.NoError(t, f.db.First(&reloaded, acc.ID).Error)
	assert.Equal(t, "scale", models.StringValue(reloaded.SubscriptionTier))
	assert.Equal(t, "sub_42", models.StringValue(reloaded.SubscriptionID))
	assert.Equal(t, models.BillingStatusActive, models.StringValue(reloaded.SubscriptionStatus))

	p := ResolveProfile(&reloaded)
	assert.True(t, p.OverageAllowed())
}

func TestHandleWebhookArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.archive.err = errors.New("s3 unavailable")
	acc := f.account(t)

	_, err := f.deliver(purchasePayload("evt_5", acc.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BestEffortFailures.WithLabelValues("webhook_archive")))
}
