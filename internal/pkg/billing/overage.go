package billing

import (
	"context"
	"errors"
)

var (
	ErrBillingDisabled      = errors.New("billing: overage billing is not configured")
	ErrChargeDeclined       = errors.New("billing: overage charge declined")
	ErrProcessorUnavailable = errors.New("billing: payment processor unavailable")
	ErrUnknownTier          = errors.New("billing: unknown subscription tier")
)

// OverageBiller charges and reverses per-unit overage with the processor.
type OverageBiller interface {
	// Charge bills one overage unit and returns the processor charge id.
	// Repeating a request id returns the original charge.
	Charge(ctx context.Context, req OverageChargeRequest) (string, error)
	// Reverse undoes a charge returned by Charge.
	Reverse(ctx context.Context, chargeID, requestID, reason string) error
}

// DisabledBiller is used when no processor is configured. Every charge fails,
// so accounts without credit are refused instead of served for free.
type DisabledBiller struct{}

func (DisabledBiller) Charge(context.Context, OverageChargeRequest) (string, error) {
	return "", ErrBillingDisabled
}

func (DisabledBiller) Reverse(context.Context, string, string, string) error {
	return ErrBillingDisabled
}
