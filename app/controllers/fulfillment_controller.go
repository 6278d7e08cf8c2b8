package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/accountcontext"
	"github.com/ManuelReschke/PixelForge/internal/pkg/fulfillment"
)

// SessionService runs and reads fulfillment sessions.
type SessionService interface {
	Fulfill(ctx context.Context, req fulfillment.Request) (*fulfillment.Result, error)
	Session(ctx context.Context, accountID uint, sessionID string) (*models.FulfillmentSession, error)
}

type FulfillmentController struct {
	sessions SessionService
}

func NewFulfillmentController(sessions SessionService) *FulfillmentController {
	return &FulfillmentController{sessions: sessions}
}

type createSessionRequest struct {
	RequestID string   `json:"request_id"`
	Prompt    string   `json:"prompt"`
	ImageURLs []string `json:"image_urls"`
	Channel   string   `json:"channel"`
}

// HandleCreateSession reserves payment for one generation and queues it.
// The request id may also be sent as Idempotency-Key header.
func (fc *FulfillmentController) HandleCreateSession(c *fiber.Ctx) error {
	ac := accountcontext.Get(c)
	if !ac.IsAuthenticated {
		return errorJSON(c, fiber.StatusUnauthorized, ErrCodeUnauthorized, "Missing or invalid authentication")
	}

	var body createSessionRequest
	if err := c.BodyParser(&body); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, ErrCodeValidation, "Request body must be JSON")
	}
	if strings.TrimSpace(body.RequestID) == "" {
		body.RequestID = c.Get("Idempotency-Key")
	}
	channel := strings.TrimSpace(body.Channel)
	if channel == "" {
		channel = ac.Channel
	}

	result, err := fc.sessions.Fulfill(c.UserContext(), fulfillment.Request{
		AccountID: ac.AccountID,
		RequestID: body.RequestID,
		Channel:   channel,
		Prompt:    body.Prompt,
		ImageURLs: body.ImageURLs,
	})
	if err != nil {
		log.Warnf("[Fulfillment] Account %d request %q rejected: %v", ac.AccountID, body.RequestID, err)
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"session_id": result.SessionID,
		"status":     result.Status,
		"replayed":   result.Replayed,
	})
}

// HandleGetSession returns a session of the authenticated account.
func (fc *FulfillmentController) HandleGetSession(c *fiber.Ctx) error {
	ac := accountcontext.Get(c)
	if !ac.IsAuthenticated {
		return errorJSON(c, fiber.StatusUnauthorized, ErrCodeUnauthorized, "Missing or invalid authentication")
	}

	session, err := fc.sessions.Session(c.UserContext(), ac.AccountID, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"session_id":     session.ID,
		"request_id":     session.RequestID,
		"status":         session.Status,
		"payment_source": session.PaymentSource(),
		"error_message":  session.ErrorMessage,
		"created_at":     session.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     formatTimePtr(&session.UpdatedAt),
	})
}
