// Package recovery fails sessions that never progressed and returns what
// their requests paid.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
)

// ReasonStuckSession is sent to the processor when a stuck overage session is reversed.
const ReasonStuckSession = "session stuck without progress: service not delivered"

// MessageStuckSession is stored on sessions failed by the sweep.
const MessageStuckSession = "generation did not complete in time; payment was returned"

// Report summarizes one sweep.
type Report struct {
	Scanned    int `json:"scanned"`
	Failed     int `json:"failed"`
	Refunded   int `json:"refunded"`
	Reversed   int `json:"reversed"`
	Unresolved int `json:"unresolved"`
}

// Sweeper recovers sessions stuck in queued or processing.
type Sweeper struct {
	sessions   repository.SessionRepository
	ledger     ledger.Ledger
	biller     billing.OverageBiller
	metrics    *metrics.Metrics
	stuckAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewSweeper(sessions repository.SessionRepository, l ledger.Ledger, biller billing.OverageBiller, m *metrics.Metrics, stuckAfter time.Duration, batchSize int) *Sweeper {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		sessions:   sessions,
		ledger:     l,
		biller:     biller,
		metrics:    m,
		stuckAfter: stuckAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// RunOnce processes one batch of stuck sessions. Sessions a worker finished
// between listing and failing are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	stuck, err := s.sessions.ListStuck(ctx, s.now().Add(-s.stuckAfter), s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list stuck sessions: %w", err)
	}
	report.Scanned = len(stuck)

	for i := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		session := &stuck[i]

		changed, err := s.sessions.MarkFailed(ctx, session.ID, MessageStuckSession)
		if err != nil {
			log.Errorf("[Recovery] Failed to mark session %s failed: %v", session.ID, err)
			continue
		}
		if !changed {
			continue
		}
		report.Failed++
		s.metrics.RecoveredSessions.WithLabelValues(session.PaymentSource()).Inc()

		switch s.compensate(ctx, session) {
		case models.PaymentSourceCredit:
			report.Refunded++
		case models.PaymentSourceOverage:
			report.Reversed++
		default:
			report.Unresolved++
		}
	}

	if report.Failed > 0 {
		log.Infof("[Recovery] Failed %d stuck sessions (refunded=%d reversed=%d unresolved=%d)",
			report.Failed, report.Refunded, report.Reversed, report.Unresolved)
	}
	return report, nil
}

// Run is RunOnce for the scheduler.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	return err
}

// compensate returns the payment source it compensated, or "" when nothing
// could be returned automatically.
func (s *Sweeper) compensate(ctx context.Context, session *models.FulfillmentSession) string {
	requestID := session.RequestID

	switch session.PaymentSource() {
	case models.PaymentSourceCredit:
		err := s.ledger.Refund(ctx, session.AccountID, 1, requestID, "refund "+requestID+": stuck session")
		if err != nil {
			s.metrics.Compensations.WithLabelValues("refund", "failed").Inc()
			if errors.Is(err, ledger.ErrReservationNotFound) {
				s.gap(session, "no credit reservation found")
			} else {
				log.Errorf("[Recovery] Refund for session %s failed: %v", session.ID, err)
				s.gap(session, "refund failed after the session was failed")
			}
			return ""
		}
		s.metrics.Compensations.WithLabelValues("refund", "ok").Inc()
		return models.PaymentSourceCredit

	case models.PaymentSourceOverage:
		chargeID := session.OverageChargeID()
		if chargeID == "" {
			s.gap(session, "overage charge id was never recorded")
			return ""
		}
		if err := s.biller.Reverse(ctx, chargeID, requestID, ReasonStuckSession); err != nil {
			s.metrics.Compensations.WithLabelValues("reverse", "failed").Inc()
			s.metrics.ReversalFailures.Inc()
			log.Errorf("[Recovery] Reversal of charge %s for session %s failed: %v", chargeID, session.ID, err)
			s.gap(session, "reversal of "+chargeID+" failed after the session was failed")
			return ""
		}
		s.metrics.Compensations.WithLabelValues("reverse", "ok").Inc()
		return models.PaymentSourceOverage
	}

	s.gap(session, "unknown payment source")
	return ""
}

func (s *Sweeper) gap(session *models.FulfillmentSession, reason string) {
	s.metrics.ReconciliationGaps.Inc()
	log.Warnf("[Recovery] Session %s (account %d, request %s) needs manual reconciliation: %s",
		session.ID, session.AccountID, session.RequestID, reason)
}
