package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// stripeAPI is the subset of the Stripe client used for overage billing.
type stripeAPI interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	NewInvoiceItem(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	GetInvoiceItem(ctx context.Context, id string) (*stripe.InvoiceItem, error)
	DeleteInvoiceItem(ctx context.Context, id, idempotencyKey string) error
}

type stripeClientAPI struct {
	sc *client.API
}

func (a stripeClientAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return a.sc.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
}

func (a stripeClientAPI) NewInvoiceItem(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	return a.sc.InvoiceItems.New(params)
}

func (a stripeClientAPI) GetInvoiceItem(ctx context.Context, id string) (*stripe.InvoiceItem, error) {
	return a.sc.InvoiceItems.Get(id, &stripe.InvoiceItemParams{Params: stripe.Params{Context: ctx}})
}

func (a stripeClientAPI) DeleteInvoiceItem(ctx context.Context, id, idempotencyKey string) error {
	params := &stripe.InvoiceItemParams{Params: stripe.Params{Context: ctx}}
	params.IdempotencyKey = stripe.String(idempotencyKey)
	_, err := a.sc.InvoiceItems.Del(id, params)
	return err
}

// StripeBiller bills overage units as invoice items on the merchant's
// subscription, so they are collected with the next invoice.
type StripeBiller struct {
	api stripeAPI
}

// NewStripeBiller creates a biller using the Stripe secret key.
func NewStripeBiller(secretKey string) *StripeBiller {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeBiller{api: stripeClientAPI{sc: sc}}
}

func (b *StripeBiller) Charge(ctx context.Context, req OverageChargeRequest) (string, error) {
	price, ok := OveragePriceCents(req.Tier)
	if !ok {
		return "", ErrUnknownTier
	}
	if strings.TrimSpace(req.SubscriptionID) == "" || strings.TrimSpace(req.RequestID) == "" {
		return "", fmt.Errorf("%w: subscription id and request id are required", ErrChargeDeclined)
	}

	sub, err := b.api.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return "", mapStripeError(err)
	}
	if sub.Status != stripe.SubscriptionStatusActive {
		return "", fmt.Errorf("%w: subscription %s is %s", ErrChargeDeclined, sub.ID, sub.Status)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("%w: subscription %s has no customer", ErrChargeDeclined, sub.ID)
	}

	params := &stripe.InvoiceItemParams{
		Params:       stripe.Params{Context: ctx},
		Customer:     stripe.String(sub.Customer.ID),
		Subscription: stripe.String(sub.ID),
		Amount:       stripe.Int64(price),
		Currency:     stripe.String(string(stripe.CurrencyUSD)),
		Description:  stripe.String(fmt.Sprintf("Image generation overage (%s tier)", normalizeTier(req.Tier))),
	}
	params.IdempotencyKey = stripe.String("overage:" + req.RequestID)
	params.AddMetadata("account_id", strconv.FormatUint(uint64(req.AccountID), 10))
	params.AddMetadata("session_id", req.SessionID)
	params.AddMetadata("request_id", req.RequestID)

	item, err := b.api.NewInvoiceItem(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	log.Infof("[Billing] Charged overage %s for account %d (%s, %d cents)", item.ID, req.AccountID, req.Tier, price)
	return item.ID, nil
}

// Reverse deletes a pending invoice item. Once the item has been invoiced it
// can no longer be deleted, so an offsetting credit item is added instead.
func (b *StripeBiller) Reverse(ctx context.Context, chargeID, requestID, reason string) error {
	if strings.TrimSpace(chargeID) == "" {
		return errors.New("billing: charge id is required")
	}
	key := "overage-reversal:" + requestID

	item, err := b.api.GetInvoiceItem(ctx, chargeID)
	if err != nil {
		return mapStripeError(err)
	}
	if item.Invoice == nil {
		if err := b.api.DeleteInvoiceItem(ctx, chargeID, key); err != nil {
			return mapStripeError(err)
		}
		log.Infof("[Billing] Deleted overage item %s: %s", chargeID, reason)
		return nil
	}
	if item.Customer == nil {
		return fmt.Errorf("billing: invoiced item %s has no customer", chargeID)
	}

	params := &stripe.InvoiceItemParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(item.Customer.ID),
		Amount:      stripe.Int64(-item.Amount),
		Currency:    stripe.String(string(item.Currency)),
		Description: stripe.String("Reversal: " + reason),
	}
	params.IdempotencyKey = stripe.String(key)
	params.AddMetadata("reversed_charge_id", chargeID)
	params.AddMetadata("request_id", requestID)

	credit, err := b.api.NewInvoiceItem(params)
	if err != nil {
		return mapStripeError(err)
	}
	log.Infof("[Billing] Credited overage item %s with %s: %s", chargeID, credit.ID, reason)
	return nil
}

func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrProcessorUnavailable, stripeErr.Msg)
		}
		switch stripeErr.Code {
		case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
			return fmt.Errorf("%w: %s", ErrProcessorUnavailable, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrChargeDeclined, stripeErr.Msg)
	}
	// Transport failures leave the outcome unknown; Stripe idempotency keys
	// make a later retry safe.
	return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
}
