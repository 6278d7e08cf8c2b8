package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/constants"
)

// WebhookRouter receives processor events. It sits outside /api so the
// processors are never rate limited or asked for an API key.
type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post(constants.WebhookRoute, h.deps.Webhooks.HandleWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
