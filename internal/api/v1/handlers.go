package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/PixelForge/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	fulfillment *controllers.FulfillmentController
	credits     *controllers.CreditController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(fulfillment *controllers.FulfillmentController, credits *controllers.CreditController) *APIServer {
	return &APIServer{fulfillment: fulfillment, credits: credits}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostSession starts a generation for the authenticated account.
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) PostSession(c *fiber.Ctx) error {
	return s.fulfillment.HandleCreateSession(c)
}

// GetSession returns one session of the authenticated account.
func (s *APIServer) GetSession(c *fiber.Ctx, id string) error {
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id missing"})
	}
	return s.fulfillment.HandleGetSession(c)
}

func (s *APIServer) GetCredits(c *fiber.Ctx) error {
	return s.credits.HandleGetCredits(c)
}
