package fulfillment

import "errors"

var (
	ErrValidation         = errors.New("fulfillment: invalid request")
	ErrInsufficientCredit = errors.New("fulfillment: insufficient credit")
	ErrBillingFailed      = errors.New("fulfillment: overage billing failed")
	ErrQueueFailed        = errors.New("fulfillment: generation could not be queued")
	ErrInternal           = errors.New("fulfillment: internal error")
	ErrSessionNotFound    = errors.New("fulfillment: session not found")
	// ErrRequestClosed marks a request id whose payment was already returned.
	// It is never fulfilled again; clients retry with a new request id.
	ErrRequestClosed      = errors.New("fulfillment: request id was compensated and cannot be reused")
)

// ReasonQueueFailure is sent to the processor when an overage charge is
// reversed because the task never reached the work queue.
const ReasonQueueFailure = "queue failure after successful billing: service not delivered"

// ReasonSessionFailure is sent when the session row could not be written.
const ReasonSessionFailure = "session creation failed after successful billing: service not delivered"

// MessageQueueFailure is stored on sessions whose task never reached the queue.
const MessageQueueFailure = "generation could not be queued; payment was returned"
