package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/PixelForge/app/models"
)

// Event types of the signed provider.
const (
	SignedEventCreditsPurchased    = "credits.purchased"
	SignedEventSubscriptionUpdated = "subscription.updated"
)

var validate = validator.New()

type signedEnvelope struct {
	ID      string          `json:"id" validate:"required,max=191"`
	Type    string          `json:"type" validate:"required,max=100"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type signedPurchaseData struct {
	AccountID    uint   `json:"account_id" validate:"required,gt=0"`
	Credits      int64  `json:"credits" validate:"required,gt=0,lte=1000000"`
	PurchaseType string `json:"purchase_type" validate:"required,oneof=one_time subscription_topup"`
	Reference    string `json:"reference" validate:"max=191"`
}

type signedSubscriptionData struct {
	AccountID      uint   `json:"account_id" validate:"required,gt=0"`
	Tier           string `json:"tier" validate:"omitempty,oneof=starter growth scale"`
	SubscriptionID string `json:"subscription_id" validate:"required,max=191"`
	Status         string `json:"status" validate:"required,max=32"`
}

// DecodeSignedEvent decodes a verified payload of the signed provider into
// its tagged variant. Unknown fields, missing fields and out of range values
// are rejected; well-formed events of other types decode as ignored.
func DecodeSignedEvent(payload []byte) (*ProcessorEvent, error) {
	var env signedEnvelope
	if err := strictUnmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	evt := &ProcessorEvent{
		Provider:  models.WebhookProviderSigned,
		EventID:   env.ID,
		EventType: env.Type,
		Kind:      EventKindIgnored,
	}

	switch env.Type {
	case SignedEventCreditsPurchased:
		var data signedPurchaseData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		evt.Kind = EventKindCreditPurchase
		evt.Purchase = &CreditPurchase{
			AccountID: data.AccountID,
			Credits:   data.Credits,
			Source:    data.PurchaseType,
			Reference: data.Reference,
		}
	case SignedEventSubscriptionUpdated:
		var data signedSubscriptionData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		evt.Kind = EventKindSubscriptionChange
		evt.Subscription = &SubscriptionChange{
			AccountID:      data.AccountID,
			Tier:           data.Tier,
			SubscriptionID: data.SubscriptionID,
			Status:         normalizeStatus(data.Status),
		}
	}
	return evt, nil
}

// DecodeStripeEvent maps a verified Stripe event to its tagged variant.
// Credit purchases are Checkout sessions carrying account_id and credits in
// their metadata.
func DecodeStripeEvent(event stripe.Event) (*ProcessorEvent, error) {
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidPayload)
	}
	evt := &ProcessorEvent{
		Provider:  models.WebhookProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		Kind:      EventKindIgnored,
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrInvalidPayload)
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return evt, nil
		}
		accountID, err := metadataUint(session.Metadata, "account_id")
		if err != nil {
			return nil, err
		}
		credits, err := metadataInt(session.Metadata, "credits")
		if err != nil {
			return nil, err
		}
		source := models.CreditSourceOneTime
		if session.Mode == stripe.CheckoutSessionModeSubscription {
			source = models.CreditSourceSubscriptionTopUp
		}
		evt.Kind = EventKindCreditPurchase
		evt.Purchase = &CreditPurchase{
			AccountID: accountID,
			Credits:   credits,
			Source:    source,
			Reference: session.ID,
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
		}
		status := normalizeStatus(string(sub.Status))
		if string(event.Type) == "customer.subscription.deleted" {
			status = models.BillingStatusCanceled
		}
		change := &SubscriptionChange{
			SubscriptionID: sub.ID,
			Tier:           normalizeTier(sub.Metadata["tier"]),
			Status:         status,
		}
		if _, ok := sub.Metadata["account_id"]; ok {
			id, err := metadataUint(sub.Metadata, "account_id")
			if err != nil {
				return nil, err
			}
			change.AccountID = id
		}
		evt.Kind = EventKindSubscriptionChange
		evt.Subscription = change
	}
	return evt, nil
}

func decodeData(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", ErrInvalidPayload)
	}
	if err := strictUnmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func strictUnmarshal(raw []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func metadataUint(meta map[string]string, key string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(meta[key]), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: metadata %s must be a positive integer", ErrInvalidPayload, key)
	}
	return uint(v), nil
}

func metadataInt(meta map[string]string, key string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(meta[key]), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: metadata %s must be a positive integer", ErrInvalidPayload, key)
	}
	return v, nil
}
