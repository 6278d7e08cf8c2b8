package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PixelForge/app/models"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
	"github.com/ManuelReschke/PixelForge/internal/pkg/constants"
	"github.com/ManuelReschke/PixelForge/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New(limiter.Config{
		Max:        h.deps.RateLimitMax,
		Expiration: h.deps.RateLimitWindow,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			// per API key when one is sent, raw keys never reach the storage
			if key := c.Get("X-API-Key"); key != "" {
				return "key:" + models.HashAPIKey(key)
			}
			if auth := c.Get("Authorization"); auth != "" {
				return "auth:" + models.HashAPIKey(auth)
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group(constants.APIv1Route)
	apiv1.RegisterHandlers(v1, h.deps.APIServer, apiv1.ServerOptions{
		AuthMiddlewares: []fiber.Handler{middleware.APIKeyAuthMiddleware(h.deps.Accounts)},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
