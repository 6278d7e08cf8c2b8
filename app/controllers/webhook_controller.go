package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
)

// WebhookService verifies and applies processor webhooks.
type WebhookService interface {
	Verifier(provider string) (billing.Verifier, bool)
	HandleWebhook(ctx context.Context, provider string, payload []byte, signatureHeader string) (*billing.WebhookResult, error)
}

type WebhookController struct {
	svc WebhookService
}

func NewWebhookController(svc WebhookService) *WebhookController {
	return &WebhookController{svc: svc}
}

// HandleWebhook acknowledges a processor event. Any 5xx makes the processor
// redeliver, so only failures worth a retry end there.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	verifier, ok := wc.svc.Verifier(provider)
	if !ok {
		return respondError(c, billing.ErrUnknownProvider)
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	result, err := wc.svc.HandleWebhook(c.UserContext(), provider, rawBody, c.Get(verifier.SignatureHeader()))
	if err != nil {
		if errors.Is(err, billing.ErrGrantFailed) {
			log.Errorf("[Webhook] %s event could not be applied: %v", provider, err)
		}
		return respondError(c, err)
	}

	response := fiber.Map{"acknowledged": true}
	if result.Duplicate {
		response["duplicate"] = true
	}
	if result.Ignored {
		response["ignored"] = true
	}
	return c.JSON(response)
}
