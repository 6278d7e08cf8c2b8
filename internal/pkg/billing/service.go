package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/async"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

var ErrGrantFailed = errors.New("billing: credit grant failed")

// PayloadArchiver stores raw webhook payloads for later reconciliation.
type PayloadArchiver interface {
	ArchiveWebhook(ctx context.Context, provider, eventID string, payload []byte) error
}

// Service ingests processor webhooks: verify, deduplicate, grant.
type Service struct {
	repo       Repository
	ledger     ledger.Ledger
	metrics    *metrics.Metrics
	verifiers  map[string]Verifier
	archiver   PayloadArchiver
	dispatcher async.Dispatcher
}

type Option func(*Service)

// WithArchiver enables best-effort archiving of accepted payloads.
func WithArchiver(a PayloadArchiver) Option {
	return func(s *Service) { s.archiver = a }
}

func WithDispatcher(d async.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// NewService creates the webhook processor from injected collaborators.
func NewService(repo Repository, l ledger.Ledger, m *metrics.Metrics, verifiers []Verifier, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		ledger:     l,
		metrics:    m,
		verifiers:  make(map[string]Verifier, len(verifiers)),
		dispatcher: async.SafeGo{},
	}
	for _, v := range verifiers {
		s.verifiers[v.Provider()] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verifier returns the verifier registered for provider.
func (s *Service) Verifier(provider string) (Verifier, bool) {
	v, ok := s.verifiers[strings.ToLower(strings.TrimSpace(provider))]
	return v, ok
}

// HandleWebhook processes one delivery. Duplicates are acknowledged without
// side effects. A grant failure after the event was recorded is returned as
// ErrGrantFailed; the stored row keeps the error for manual reconciliation.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, signatureHeader string) (*WebhookResult, error) {
	v, ok := s.Verifier(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	p := v.Provider()

	evt, err := v.Verify(payload, signatureHeader)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			s.count(p, "invalid_signature")
			log.Warnf("[Webhook] Rejected %s delivery: invalid signature", p)
		case errors.Is(err, ErrInvalidPayload):
			s.count(p, "invalid_payload")
			log.Warnf("[Webhook] Rejected %s delivery: %v", p, err)
		}
		return nil, err
	}

	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        p,
		ProviderEventID: evt.EventID,
		EventType:       evt.EventType,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		s.count(p, "persist_failed")
		return nil, fmt.Errorf("record webhook event %s: %w", evt.EventID, err)
	}
	if !created {
		s.count(p, "duplicate")
		log.Infof("[Webhook] Duplicate %s event %s acknowledged", p, evt.EventID)
		return &WebhookResult{EventID: evt.EventID, Duplicate: true}, nil
	}

	s.archive(ctx, p, evt.EventID, payload)

	procErr := s.apply(ctx, evt)
	if markErr := s.MarkWebhookProcessed(ctx, stored.ID, procErr); markErr != nil {
		log.Errorf("[Webhook] Failed to mark %s event %s processed: %v", p, evt.EventID, markErr)
	}

	switch {
	case procErr == nil:
		s.count(p, string(evt.Kind))
		return &WebhookResult{EventID: evt.EventID, Ignored: evt.Kind == EventKindIgnored}, nil
	case errors.Is(procErr, ErrAccountNotFound):
		s.count(p, "unlinked")
		log.Warnf("[Webhook] %s event %s references no known account", p, evt.EventID)
		return &WebhookResult{EventID: evt.EventID, Ignored: true}, nil
	default:
		s.count(p, "failed")
		if errors.Is(procErr, ErrGrantFailed) {
			s.metrics.WebhookGrantFailures.Inc()
		}
		log.Errorf("[Webhook] %s event %s recorded but not applied: %v", p, evt.EventID, procErr)
		return nil, procErr
	}
}

func (s *Service) apply(ctx context.Context, evt *ProcessorEvent) error {
	switch evt.Kind {
	case EventKindCreditPurchase:
		purchase := evt.Purchase
		if _, err := s.account(ctx, purchase.AccountID); err != nil {
			return err
		}
		token := evt.Provider + ":" + evt.EventID
		desc := fmt.Sprintf("%s purchase %s", purchase.Source, purchase.Reference)
		if err := s.ledger.Grant(ctx, purchase.AccountID, purchase.Credits, purchase.Source, token, strings.TrimSpace(desc)); err != nil {
			return fmt.Errorf("%w: %v", ErrGrantFailed, err)
		}
		log.Infof("[Webhook] Granted %d credits to account %d (%s)", purchase.Credits, purchase.AccountID, token)
		return nil

	case EventKindSubscriptionChange:
		change := evt.Subscription
		accountID := change.AccountID
		if accountID == 0 {
			account, err := s.repo.GetAccountBySubscriptionID(ctx, change.SubscriptionID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			if err != nil {
				return err
			}
			accountID = account.ID
		}
		err := s.repo.UpdateAccountSubscription(ctx, accountID, *change)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	return nil
}

func (s *Service) account(ctx context.Context, id uint) (*models.Account, error) {
	account, err := s.repo.GetAccount(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (s *Service) archive(ctx context.Context, provider, eventID string, payload []byte) {
	if s.archiver == nil {
		return
	}
	body := append([]byte(nil), payload...)
	s.dispatcher.Dispatch(ctx, "webhook archive", func(ctx context.Context) error {
		return s.archiver.ArchiveWebhook(ctx, provider, eventID, body)
	}, func(error) {
		s.metrics.BestEffortFailures.WithLabelValues("webhook_archive").Inc()
	})
}

func (s *Service) count(provider, result string) {
	s.metrics.WebhookEvents.WithLabelValues(provider, result).Inc()
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}
