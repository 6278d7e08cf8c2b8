package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// Verifier authenticates and decodes webhooks of one provider.
type Verifier interface {
	Provider() string
	SignatureHeader() string
	// Verify returns ErrInvalidSignature for unauthenticated payloads and
	// ErrInvalidPayload for authenticated payloads that cannot be decoded.
	Verify(payload []byte, signatureHeader string) (*ProcessorEvent, error)
}

// SignedVerifier handles the HMAC "timestamp;signature" scheme.
type SignedVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewSignedVerifier(secret string, tolerance time.Duration) *SignedVerifier {
	return &SignedVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *SignedVerifier) Provider() string        { return models.WebhookProviderSigned }
func (v *SignedVerifier) SignatureHeader() string { return "X-Webhook-Signature" }

func (v *SignedVerifier) Verify(payload []byte, signatureHeader string) (*ProcessorEvent, error) {
	if err := VerifySignedWebhook(payload, signatureHeader, v.secret, v.tolerance, v.now()); err != nil {
		return nil, err
	}
	return DecodeSignedEvent(payload)
}

// StripeVerifier checks the Stripe-Signature header with stripe-go.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

func (v *StripeVerifier) Provider() string        { return models.WebhookProviderStripe }
func (v *StripeVerifier) SignatureHeader() string { return "Stripe-Signature" }

func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*ProcessorEvent, error) {
	if v.secret == "" {
		return nil, ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return DecodeStripeEvent(event)
}
