// Package apiv1 exposes the public v1 API described in
// public/docs/v1/openapi.yml.
package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /sessions)
	PostSession(c *fiber.Ctx) error
	// (GET /sessions/{id})
	GetSession(c *fiber.Ctx, id string) error
	// (GET /credits)
	GetCredits(c *fiber.Ctx) error
}

// ServerOptions configures RegisterHandlers.
type ServerOptions struct {
	// AuthMiddlewares run before every operation that needs an account.
	AuthMiddlewares []fiber.Handler
}

type route struct {
	method    string
	path      string // fiber syntax
	specPath  string // openapi syntax
	protected bool
	handler   fiber.Handler
}

func routes(si ServerInterface) []route {
	return []route{
		{fiber.MethodGet, "/ping", "/ping", false, si.GetPing},
		{fiber.MethodPost, "/sessions", "/sessions", true, si.PostSession},
		{fiber.MethodGet, "/sessions/:id", "/sessions/{id}", true, func(c *fiber.Ctx) error {
			return si.GetSession(c, c.Params("id"))
		}},
		{fiber.MethodGet, "/credits", "/credits", true, si.GetCredits},
	}
}

// RegisterHandlers mounts si on router.
func RegisterHandlers(router fiber.Router, si ServerInterface, opts ServerOptions) {
	for _, r := range routes(si) {
		handlers := make([]fiber.Handler, 0, len(opts.AuthMiddlewares)+1)
		if r.protected {
			handlers = append(handlers, opts.AuthMiddlewares...)
		}
		handlers = append(handlers, r.handler)
		router.Add(r.method, r.path, handlers...)
	}
}

// Pong defines model for Pong.
type Pong struct {
	Ping string `json:"ping"`
}
