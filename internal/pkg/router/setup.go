package router

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	"github.com/ManuelReschke/PixelForge/app/repository"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
)

// Router mounts one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and middleware dependencies of all routers.
type Dependencies struct {
	Accounts  repository.AccountRepository
	APIServer apiv1.ServerInterface
	Webhooks  *controllers.WebhookController
	Admin     *controllers.AdminController
	Health    *controllers.HealthController

	// Metrics serves the Prometheus exposition format.
	Metrics http.Handler

	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage  fiber.Storage
	RateLimitMax    int
	RateLimitWindow time.Duration

	MonitorUser     string
	MonitorPassword string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewSystemRouter(deps), NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
