package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/config"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
	"github.com/ManuelReschke/PixelForge/internal/pkg/ledger"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Database unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repos := repository.NewRepositories(db)
	credits := ledger.New(db)

	switch os.Args[1] {
	case "create":
		account := &models.Account{
			Name:        os.Args[2],
			Channel:     argOr(3, "direct"),
			BillingMode: argOr(4, models.BillingModeAbsorb),
			IsActive:    true,
		}
		rawKey, err := account.IssueAPIKey()
		if err != nil {
			log.Fatalf("Failed to issue API key: %v", err)
		}
		if err := repos.Account.Create(ctx, account); err != nil {
			log.Fatalf("Failed to create account: %v", err)
		}
		fmt.Printf("account_id=%d\napi_key=%s\n", account.ID, rawKey)
		log.Println("Store the API key now, it cannot be shown again")

	case "grant":
		if len(os.Args) < 4 {
			printUsage()
			os.Exit(1)
		}
		account := mustAccount(ctx, repos.Account, os.Args[2])
		amount, err := strconv.ParseInt(os.Args[3], 10, 64)
		if err != nil || amount <= 0 {
			log.Fatalf("Invalid credit amount %q", os.Args[3])
		}
		// Re-running with the same reference does not grant twice.
		reference := argOr(4, uuid.NewString())
		if err := credits.Grant(ctx, account.ID, amount, models.CreditSourceManual, "manual:"+reference, "manual grant"); err != nil {
			log.Fatalf("Grant failed: %v", err)
		}
		log.Printf("Granted %d credits to account %d (reference %s)", amount, account.ID, reference)

	case "balance":
		account := mustAccount(ctx, repos.Account, os.Args[2])
		balance, err := credits.GetBalance(ctx, account.ID)
		if err != nil {
			log.Fatalf("Failed to read balance: %v", err)
		}
		fmt.Printf("balance=%d total_purchased=%d total_spent=%d\n", balance.Balance, balance.TotalPurchased, balance.TotalSpent)

	default:
		printUsage()
		os.Exit(1)
	}
}

func mustAccount(ctx context.Context, accounts repository.AccountRepository, rawID string) *models.Account {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		log.Fatalf("Invalid account id %q", rawID)
	}
	account, err := accounts.GetByID(ctx, uint(id))
	if err != nil {
		log.Fatalf("Account %d not found: %v", id, err)
	}
	return account
}

func argOr(i int, def string) string {
	if len(os.Args) > i && os.Args[i] != "" {
		return os.Args[i]
	}
	return def
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/account [command]")
	fmt.Println("Commands:")
	fmt.Println("  create NAME [CHANNEL] [BILLING_MODE] - create an account and print its API key")
	fmt.Println("  grant ID CREDITS [REFERENCE]         - grant prepaid credit, idempotent per reference")
	fmt.Println("  balance ID                           - show the credit balance")
}
