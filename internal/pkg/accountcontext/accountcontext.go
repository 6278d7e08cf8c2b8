package accountcontext

import "github.com/gofiber/fiber/v2"

// AccountContext is the authenticated merchant of a request
type AccountContext struct {
	AccountID       uint   `json:"account_id"`
	Name            string `json:"name"`
	Channel         string `json:"channel"`
	BillingMode     string `json:"billing_mode"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// Set stores ac on the request.
func Set(c *fiber.Ctx, ac AccountContext) {
	c.Locals(KeyAccountContext, ac)
	c.Locals(KeyAccountID, ac.AccountID)
	c.Locals(KeyChannel, ac.Channel)
}

// Get retrieves the account context from fiber context.
// Returns an unauthenticated context if none is set
func Get(c *fiber.Ctx) AccountContext {
	if ac, ok := c.Locals(KeyAccountContext).(AccountContext); ok {
		return ac
	}
	return AccountContext{}
}

func IsAuthenticated(c *fiber.Ctx) bool {
	return Get(c).IsAuthenticated
}

// GetAccountID returns the current account id, or 0 when unauthenticated
func GetAccountID(c *fiber.Ctx) uint {
	return Get(c).AccountID
}
