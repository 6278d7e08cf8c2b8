package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/PixelForge/internal/pkg/constants"
)

// SystemRouter serves health, metrics and the operator endpoints.
type SystemRouter struct {
	deps Dependencies
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, h.deps.Health.HandleHealth)

	if h.deps.Metrics != nil {
		app.Get(constants.MetricsRoute, adaptor.HTTPHandler(h.deps.Metrics))
	}

	// operator endpoints are disabled without a password
	if h.deps.MonitorPassword == "" {
		return
	}
	admin := app.Group(constants.AdminRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.deps.MonitorUser: h.deps.MonitorPassword,
		},
	}))
	admin.Get("/monitor", monitor.New())
	admin.Get("/queue", h.deps.Admin.HandleQueueStats)
	admin.Get("/queue/jobs/:id", h.deps.Admin.HandleGetJob)
	admin.Post("/recovery/run", h.deps.Admin.HandleRunRecovery)
}

func NewSystemRouter(deps Dependencies) *SystemRouter {
	return &SystemRouter{deps: deps}
}
