package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/internal/pkg/accountcontext"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
)

// BalanceReader reads the credit balance of an account.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID uint) (ledger.Balance, error)
}

type CreditController struct {
	balances BalanceReader
}

func NewCreditController(balances BalanceReader) *CreditController {
	return &CreditController{balances: balances}
}

// HandleGetCredits returns the prepaid credit balance of the authenticated account.
func (cc *CreditController) HandleGetCredits(c *fiber.Ctx) error {
	ac := accountcontext.Get(c)
	if !ac.IsAuthenticated {
		return errorJSON(c, fiber.StatusUnauthorized, ErrCodeUnauthorized, "Missing or invalid authentication")
	}

	balance, err := cc.balances.GetBalance(c.UserContext(), ac.AccountID)
	if err != nil {
		log.Errorf("[Credits] Failed to load balance for account %d: %v", ac.AccountID, err)
		return errorJSON(c, fiber.StatusInternalServerError, ErrCodeInternal, "Failed to load balance")
	}
	return c.JSON(balance)
}
