package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/fulfillment"
)

// Error codes returned in the "error" field of JSON error bodies.
const (
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeValidation         = "validation_error"
	ErrCodeInsufficientCredit = "insufficient_credit"
	ErrCodeBillingFailed      = "billing_failed"
	ErrCodeQueueFailed        = "queue_failed"
	ErrCodeRequestClosed      = "request_closed"
	ErrCodeNotFound           = "not_found"
	ErrCodeInvalidSignature   = "invalid_signature"
	ErrCodeInvalidPayload     = "invalid_payload"
	ErrCodeUnknownProvider    = "unknown_provider"
	ErrCodeInternal           = "internal_server_error"
)

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// httpError maps service errors to a status code and error body. The message
// never carries the wrapped cause.
func httpError(err error) (int, string, string) {
	switch {
	case errors.Is(err, fulfillment.ErrValidation):
		return fiber.StatusBadRequest, ErrCodeValidation, "Request is invalid"
	case errors.Is(err, fulfillment.ErrInsufficientCredit):
		return fiber.StatusPaymentRequired, ErrCodeInsufficientCredit, "No credit left and overage billing is not available"
	case errors.Is(err, fulfillment.ErrBillingFailed):
		return fiber.StatusServiceUnavailable, ErrCodeBillingFailed, "Overage charge could not be completed"
	case errors.Is(err, fulfillment.ErrQueueFailed):
		return fiber.StatusServiceUnavailable, ErrCodeQueueFailed, "Generation could not be queued, payment was returned"
	case errors.Is(err, fulfillment.ErrRequestClosed):
		return fiber.StatusConflict, ErrCodeRequestClosed, "This request_id was already refunded, retry with a new request_id"
	case errors.Is(err, fulfillment.ErrSessionNotFound):
		return fiber.StatusNotFound, ErrCodeNotFound, "Session not found"
	case errors.Is(err, billing.ErrInvalidSignature):
		return fiber.StatusUnauthorized, ErrCodeInvalidSignature, "Webhook signature verification failed"
	case errors.Is(err, billing.ErrInvalidPayload):
		return fiber.StatusBadRequest, ErrCodeInvalidPayload, "Webhook payload could not be decoded"
	case errors.Is(err, billing.ErrUnknownProvider):
		return fiber.StatusNotFound, ErrCodeUnknownProvider, "Unknown webhook provider"
	default:
		return fiber.StatusInternalServerError, ErrCodeInternal, "Internal error"
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status, code, message := httpError(err)
	return errorJSON(c, status, code, message)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
