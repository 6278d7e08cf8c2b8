// Package fulfillment coordinates credit reservation, overage billing,
// session creation and work queue publication for one generation request.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/async"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

var validate = validator.New()

// sessionNamespace scopes the session ids derived from request ids.
var sessionNamespace = uuid.MustParse("6f1c9a0e-3b7d-5c2a-9e41-8d2f0b7a6c13")

// SessionID is the id a session for requestID gets. It is stable across
// retries so the processor sees identical charge parameters.
func SessionID(accountID uint, requestID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("%d:%s", accountID, requestID))).String()
}

// Request is one generation request of an authenticated account.
type Request struct {
	AccountID uint     `validate:"required,gt=0"`
	RequestID string   `validate:"required,max=128,printascii"`
	Channel   string   `validate:"omitempty,max=50"`
	Prompt    string   `validate:"required,max=4000"`
	ImageURLs []string `validate:"required,min=1,max=10,dive,required,url,max=2048"`
}

// Result is returned once a session exists and its task is queued.
type Result struct {
	SessionID string
	Status    string
	Replayed  bool
}

// Publisher hands generation tasks to the work queue.
type Publisher interface {
	PublishGeneration(ctx context.Context, task jobqueue.GenerationTaskPayload) error
}

// AuditRecorder persists the overage audit trail. A reversed entry closes its
// request id for further overage charges.
type AuditRecorder interface {
	RecordOverageTransaction(ctx context.Context, tx *models.OverageTransaction) error
	MarkOverageReversed(ctx context.Context, tx *models.OverageTransaction, reason string) error
	OverageReversed(ctx context.Context, accountID uint, requestID string) (bool, error)
}

// Settings bounds the external calls of the saga.
type Settings struct {
	ChargeTimeout time.Duration
	QueueTimeout  time.Duration
	TaskVersion   string
}

// Deps are the collaborators of the Orchestrator.
type Deps struct {
	Ledger     ledger.Ledger
	Profiles   billing.ProfileResolver
	Biller     billing.OverageBiller
	Sessions   repository.SessionRepository
	Audit      AuditRecorder
	Publisher  Publisher
	Dispatcher async.Dispatcher
	Metrics    *metrics.Metrics
}

// Orchestrator runs the fulfillment saga. Every failure after payment is
// compensated with exactly the instrument that paid.
type Orchestrator struct {
	Deps
	settings Settings
	now      func() time.Time
}

func NewOrchestrator(deps Deps, settings Settings) *Orchestrator {
	if settings.ChargeTimeout <= 0 {
		settings.ChargeTimeout = 10 * time.Second
	}
	if settings.QueueTimeout <= 0 {
		settings.QueueTimeout = 3 * time.Second
	}
	if settings.TaskVersion == "" {
		settings.TaskVersion = "1"
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = async.SafeGo{}
	}
	return &Orchestrator{Deps: deps, settings: settings, now: time.Now}
}

// payment is the instrument that paid for a session.
type payment struct {
	source   string
	chargeID string
	tier     string
	amount   int64
}

// Fulfill runs the saga for req.
func (o *Orchestrator) Fulfill(ctx context.Context, req Request) (*Result, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Channel = strings.TrimSpace(req.Channel)
	if err := validate.Struct(req); err != nil {
		o.outcome(metrics.OutcomeValidation, "")
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Channel == "" {
		req.Channel = "direct"
	}

	existing, err := o.Sessions.GetByRequestID(ctx, req.AccountID, req.RequestID)
	switch {
	case err == nil:
		o.outcome(metrics.OutcomeReplayed, existing.PaymentSource())
		return &Result{SessionID: existing.ID, Status: existing.Status, Replayed: true}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		o.outcome(metrics.OutcomeInternal, "")
		return nil, fmt.Errorf("%w: lookup request %s: %v", ErrInternal, req.RequestID, err)
	}

	sessionID := SessionID(req.AccountID, req.RequestID)

	pay, err := o.reserve(ctx, req, sessionID)
	if err != nil {
		return nil, err
	}

	session := &models.FulfillmentSession{
		ID:        sessionID,
		AccountID: req.AccountID,
		RequestID: req.RequestID,
		Channel:   req.Channel,
		Status:    models.SessionStatusQueued,
		Prompt:    req.Prompt,
		ImageURLs: datatypes.JSONSlice[string](req.ImageURLs),
		Metadata: datatypes.JSONMap{
			models.MetaPaymentSource: pay.source,
			models.MetaRequestID:     req.RequestID,
		},
	}
	if err := o.Sessions.Create(ctx, session); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return o.concurrentReplay(ctx, req)
		}
		log.Errorf("[Fulfillment] Session create failed for account %d request %s: %v", req.AccountID, req.RequestID, err)
		o.compensate(ctx, req, sessionID, pay, ReasonSessionFailure)
		o.outcome(metrics.OutcomeInternal, pay.source)
		return nil, fmt.Errorf("%w: create session: %v", ErrInternal, err)
	}

	if pay.source == models.PaymentSourceOverage {
		o.recordOverage(ctx, req, session.ID, pay)
	}

	if err := o.publish(ctx, req, session); err != nil {
		log.Errorf("[Fulfillment] Queue publish failed for session %s: %v", session.ID, err)
		if _, markErr := o.Sessions.MarkFailed(context.WithoutCancel(ctx), session.ID, MessageQueueFailure); markErr != nil {
			log.Errorf("[Fulfillment] Failed to mark session %s failed: %v", session.ID, markErr)
		}
		o.compensate(ctx, req, session.ID, pay, ReasonQueueFailure)
		o.outcome(metrics.OutcomeQueueFailed, pay.source)
		return nil, fmt.Errorf("%w: %w", ErrQueueFailed, err)
	}

	o.outcome(metrics.OutcomeQueued, pay.source)
	log.Infof("[Fulfillment] Session %s queued for account %d (%s)", session.ID, req.AccountID, pay.source)
	return &Result{SessionID: session.ID, Status: session.Status}, nil
}

// concurrentReplay answers a request whose session was created by a
// concurrent call with the same request id. Both calls reserved under the
// same token, so there is nothing to return to the caller's instrument.
func (o *Orchestrator) concurrentReplay(ctx context.Context, req Request) (*Result, error) {
	winner, err := o.Sessions.GetByRequestID(ctx, req.AccountID, req.RequestID)
	if err != nil {
		o.outcome(metrics.OutcomeInternal, "")
		return nil, fmt.Errorf("%w: load concurrent session for request %s: %v", ErrInternal, req.RequestID, err)
	}
	o.outcome(metrics.OutcomeReplayed, winner.PaymentSource())
	return &Result{SessionID: winner.ID, Status: winner.Status, Replayed: true}, nil
}

// reserve takes one credit or, when the balance is exhausted and the
// subscription allows it, bills one overage unit.
func (o *Orchestrator) reserve(ctx context.Context, req Request, sessionID string) (payment, error) {
	ok, err := o.Ledger.Deduct(ctx, req.AccountID, 1, req.RequestID, "generation "+req.RequestID)
	if errors.Is(err, ledger.ErrReservationReturned) {
		return payment{}, o.closed(req)
	}
	if err != nil {
		o.outcome(metrics.OutcomeInternal, "")
		return payment{}, fmt.Errorf("%w: deduct credit: %v", ErrInternal, err)
	}
	if ok {
		return payment{source: models.PaymentSourceCredit}, nil
	}

	profile, err := o.Profiles.Resolve(ctx, req.AccountID)
	if err != nil {
		o.outcome(metrics.OutcomeInternal, "")
		return payment{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !profile.OverageAllowed() {
		o.outcome(metrics.OutcomeInsufficientCredit, "")
		return payment{}, ErrInsufficientCredit
	}
	reversed, err := o.Audit.OverageReversed(ctx, req.AccountID, req.RequestID)
	if err != nil {
		o.outcome(metrics.OutcomeInternal, "")
		return payment{}, fmt.Errorf("%w: load overage state: %v", ErrInternal, err)
	}
	if reversed {
		return payment{}, o.closed(req)
	}

	chargeCtx, cancel := context.WithTimeout(ctx, o.settings.ChargeTimeout)
	defer cancel()
	chargeID, err := o.Biller.Charge(chargeCtx, billing.OverageChargeRequest{
		AccountID:      req.AccountID,
		SessionID:      sessionID,
		RequestID:      req.RequestID,
		SubscriptionID: profile.SubscriptionID,
		Tier:           profile.Tier,
	})
	if err == nil && chargeID == "" {
		err = errors.New("processor returned no charge id")
	}
	if err != nil {
		o.charged(profile.Tier, "failed")
		o.outcome(metrics.OutcomeBillingFailed, models.PaymentSourceOverage)
		log.Warnf("[Fulfillment] Overage charge failed for account %d request %s: %v", req.AccountID, req.RequestID, err)
		return payment{}, fmt.Errorf("%w: %v", ErrBillingFailed, err)
	}
	o.charged(profile.Tier, "charged")

	amount, _ := billing.OveragePriceCents(profile.Tier)
	return payment{
		source:   models.PaymentSourceOverage,
		chargeID: chargeID,
		tier:     profile.Tier,
		amount:   amount,
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, req Request, session *models.FulfillmentSession) error {
	queueCtx, cancel := context.WithTimeout(ctx, o.settings.QueueTimeout)
	defer cancel()

	start := o.now()
	err := o.Publisher.PublishGeneration(queueCtx, jobqueue.GenerationTaskPayload{
		TaskID:    uuid.NewString(),
		Channel:   req.Channel,
		AccountID: req.AccountID,
		SessionID: session.ID,
		ImageURLs: req.ImageURLs,
		Prompt:    req.Prompt,
		RequestID: req.RequestID,
		Version:   o.settings.TaskVersion,
		CreatedAt: start.UTC(),
	})
	o.Metrics.QueuePublishDuration.Observe(o.now().Sub(start).Seconds())
	return err
}

func (o *Orchestrator) closed(req Request) error {
	o.outcome(metrics.OutcomeRequestClosed, "")
	log.Warnf("[Fulfillment] Request %s of account %d was already compensated", req.RequestID, req.AccountID)
	return fmt.Errorf("%w: %s", ErrRequestClosed, req.RequestID)
}

func overageRecord(req Request, sessionID string, pay payment) *models.OverageTransaction {
	return &models.OverageTransaction{
		AccountID:   req.AccountID,
		SessionID:   sessionID,
		RequestID:   req.RequestID,
		ChargeID:    pay.chargeID,
		Tier:        pay.tier,
		AmountCents: pay.amount,
		Currency:    billing.CurrencyUSD,
	}
}

// recordOverage writes the audit row and the charge id metadata. Neither
// outcome affects the response.
func (o *Orchestrator) recordOverage(ctx context.Context, req Request, sessionID string, pay payment) {
	record := overageRecord(req, sessionID, pay)
	o.Dispatcher.Dispatch(ctx, "overage audit", func(ctx context.Context) error {
		return o.Audit.RecordOverageTransaction(ctx, record)
	}, func(error) {
		o.Metrics.BestEffortFailures.WithLabelValues("overage_audit").Inc()
	})

	meta := map[string]interface{}{
		models.MetaOverageChargeID: pay.chargeID,
		models.MetaOverageTier:     pay.tier,
	}
	o.Dispatcher.Dispatch(ctx, "overage metadata", func(ctx context.Context) error {
		return o.Sessions.MergeMetadata(ctx, sessionID, meta)
	}, func(error) {
		o.Metrics.BestEffortFailures.WithLabelValues("overage_metadata").Inc()
	})
}

// compensate returns exactly the instrument in pay. Failures are logged and
// counted; the caller's error stays the one it reports.
//
// An overage charge is reversed only after the reversal is recorded. When
// recording fails the charge stays, and a retry of the request id is served
// by it.
func (o *Orchestrator) compensate(ctx context.Context, req Request, sessionID string, pay payment, reason string) {
	ctx = context.WithoutCancel(ctx)
	switch pay.source {
	case models.PaymentSourceOverage:
		if err := o.Audit.MarkOverageReversed(ctx, overageRecord(req, sessionID, pay), reason); err != nil {
			o.Metrics.Compensations.WithLabelValues("reverse", "failed").Inc()
			o.Metrics.ReconciliationGaps.Inc()
			log.Errorf("[Fulfillment] Could not record reversal of charge %s for request %s, charge left in place: %v", pay.chargeID, req.RequestID, err)
			return
		}
		o.reverse(ctx, pay, req.RequestID, reason)
	case models.PaymentSourceCredit:
		err := o.Ledger.Refund(ctx, req.AccountID, 1, req.RequestID, "refund "+req.RequestID+": "+reason)
		if err != nil {
			o.Metrics.Compensations.WithLabelValues("refund", "failed").Inc()
			log.Errorf("[Fulfillment] Refund failed for account %d request %s: %v", req.AccountID, req.RequestID, err)
			return
		}
		o.Metrics.Compensations.WithLabelValues("refund", "ok").Inc()
	}
}

func (o *Orchestrator) reverse(ctx context.Context, pay payment, requestID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settings.ChargeTimeout)
	defer cancel()
	if err := o.Biller.Reverse(ctx, pay.chargeID, requestID, reason); err != nil {
		o.Metrics.Compensations.WithLabelValues("reverse", "failed").Inc()
		o.Metrics.ReversalFailures.Inc()
		log.Errorf("[Fulfillment] Reversal of charge %s for request %s failed: %v", pay.chargeID, requestID, err)
		return
	}
	o.Metrics.Compensations.WithLabelValues("reverse", "ok").Inc()
}

// Session returns a session owned by accountID.
func (o *Orchestrator) Session(ctx context.Context, accountID uint, sessionID string) (*models.FulfillmentSession, error) {
	session, err := o.Sessions.GetByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", ErrInternal, err)
	}
	if session.AccountID != accountID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (o *Orchestrator) outcome(outcome, source string) {
	o.Metrics.FulfillmentOutcomes.WithLabelValues(outcome, source).Inc()
}

func (o *Orchestrator) charged(tier, result string) {
	o.Metrics.OverageCharges.WithLabelValues(tier, result).Inc()
}
