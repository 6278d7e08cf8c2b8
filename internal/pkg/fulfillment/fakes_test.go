package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/async"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

type fakeLedger struct {
	mu        sync.Mutex
	balance   int64
	deducted  map[string]bool
	refunded  map[string]bool
	deductErr error
	refundErr error
	calls     []string
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, deducted: map[string]bool{}, refunded: map[string]bool{}}
}

func (l *fakeLedger) Deduct(_ context.Context, _ uint, amount int64, token, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "deduct:"+token)
	if l.deductErr != nil {
		return false, l.deductErr
	}
	if l.deducted[token] {
		if l.refunded[token] {
			return false, ledger.ErrReservationReturned
		}
		return true, nil
	}
	if l.balance < amount {
		return false, nil
	}
	l.balance -= amount
	l.deducted[token] = true
	return true, nil
}

func (l *fakeLedger) Refund(_ context.Context, _ uint, amount int64, token, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "refund:"+token)
	if l.refundErr != nil {
		return l.refundErr
	}
	if !l.deducted[token] {
		return ledger.ErrReservationNotFound
	}
	if l.refunded[token] {
		return nil
	}
	l.refunded[token] = true
	l.balance += amount
	return nil
}

func (l *fakeLedger) Grant(context.Context, uint, int64, string, string, string) error {
	return nil
}

func (l *fakeLedger) GetBalance(context.Context, uint) (ledger.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Balance{Balance: l.balance}, nil
}

func (l *fakeLedger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeProfiles struct {
	profile billing.Profile
	err     error
}

func (p fakeProfiles) Resolve(_ context.Context, accountID uint) (billing.Profile, error) {
	p.profile.AccountID = accountID
	return p.profile, p.err
}

func activeProfile(tier string) fakeProfiles {
	return fakeProfiles{profile: billing.Profile{
		Tier:               tier,
		SubscriptionID:     "sub_1",
		SubscriptionStatus: models.BillingStatusActive,
	}}
}

type reversal struct {
	chargeID, requestID, reason string
}

type fakeBiller struct {
	mu          sync.Mutex
	chargeID    string
	chargeErr   error
	reverseErr  error
	charges     []billing.OverageChargeRequest
	reversals   []reversal
	hadDeadline bool
}

func (b *fakeBiller) Charge(ctx context.Context, req billing.OverageChargeRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, b.hadDeadline = ctx.Deadline()
	b.charges = append(b.charges, req)
	if b.chargeErr != nil {
		return "", b.chargeErr
	}
	return b.chargeID, nil
}

func (b *fakeBiller) Reverse(_ context.Context, chargeID, requestID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reversals = append(b.reversals, reversal{chargeID, requestID, reason})
	return b.reverseErr
}

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	block bool
	tasks []jobqueue.GenerationTaskPayload
}

func (p *fakePublisher) PublishGeneration(ctx context.Context, task jobqueue.GenerationTaskPayload) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type fakeAudit struct {
	mu       sync.Mutex
	err      error
	markErr  error
	records  []*models.OverageTransaction
	reversed map[string]string
}

func (a *fakeAudit) RecordOverageTransaction(_ context.Context, tx *models.OverageTransaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, tx)
	return nil
}

func (a *fakeAudit) MarkOverageReversed(_ context.Context, tx *models.OverageTransaction, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return a.markErr
	}
	if a.reversed == nil {
		a.reversed = map[string]string{}
	}
	a.reversed[tx.RequestID] = reason
	return nil
}

func (a *fakeAudit) OverageReversed(_ context.Context, _ uint, requestID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reversed[requestID]
	return ok, nil
}

type harness struct {
	orch      *Orchestrator
	db        *gorm.DB
	sessions  repository.SessionRepository
	ledger    *fakeLedger
	biller    *fakeBiller
	publisher *fakePublisher
	audit     *fakeAudit
	metrics   *metrics.Metrics
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newHarness(t *testing.T, balance int64, profiles fakeProfiles) *harness {
	t.Helper()

	db := newTestDB(t)
	h := &harness{
		db:        db,
		sessions:  repository.NewSessionRepository(db),
		ledger:    newFakeLedger(balance),
		biller:    &fakeBiller{chargeID: "ii_001"},
		publisher: &fakePublisher{},
		audit:     &fakeAudit{},
		metrics:   metrics.NewUnregistered(),
	}
	h.build(profiles)
	return h
}

func (h *harness) build(profiles fakeProfiles) {
	h.orch = NewOrchestrator(Deps{
		Ledger:     h.ledger,
		Profiles:   profiles,
		Biller:     h.biller,
		Sessions:   h.sessions,
		Audit:      h.audit,
		Publisher:  h.publisher,
		Dispatcher: async.Inline{},
		Metrics:    h.metrics,
	}, Settings{ChargeTimeout: time.Second, QueueTimeout: 50 * time.Millisecond, TaskVersion: "2"})
}

func (h *harness) sessionCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.FulfillmentSession{}).Count(&n).Error)
	return n
}

func validRequest(requestID string) Request {
	return Request{
		AccountID: 7,
		RequestID: requestID,
		Channel:   "shopify",
		Prompt:    "product on white background",
		ImageURLs: []string{"https://cdn.example.com/p/1.jpg"},
	}
}
