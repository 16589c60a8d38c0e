package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"stockfolio/internal/auth"
	"stockfolio/internal/config"
	"stockfolio/internal/db"
	"stockfolio/internal/ledger"
	"stockfolio/internal/models"
	"stockfolio/internal/quote"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Seed the database with demo users and a small trade ledger. Trades run
// through the same execution path as the server, against fixed prices.
func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if _, err := database.GetUserByUsername(ctx, "alice"); err == nil {
		fmt.Println("Database already seeded. Nothing to do.")
		os.Exit(0)
	}

	startingCash, err := decimal.NewFromString(cfg.Auth.StartingCash)
	if err != nil {
		log.Fatalf("Invalid starting cash in config: %v", err)
	}

	quotes := &quote.Static{Quotes: map[string]models.Quote{
		"AAPL": {Name: "Apple Inc", Symbol: "AAPL", Price: decimal.NewFromInt(150)},
		"NFLX": {Name: "Netflix Inc", Symbol: "NFLX", Price: decimal.NewFromInt(400)},
		"MSFT": {Name: "Microsoft Corporation", Symbol: "MSFT", Price: decimal.NewFromInt(310)},
	}}

	authService := auth.NewService(database, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLHours)*time.Hour, startingCash)
	ledgerService := ledger.NewService(database, quotes, zap.NewNop())

	alice, err := authService.Register(ctx, "alice", "password123", "password123")
	if err != nil {
		log.Fatalf("Failed to create alice: %v", err)
	}
	bob, err := authService.Register(ctx, "bob", "password123", "password123")
	if err != nil {
		log.Fatalf("Failed to create bob: %v", err)
	}

	trades := []struct {
		userID int64
		op     func(context.Context, int64, string, string) (*models.Order, error)
		symbol string
		shares string
	}{
		{alice.ID, ledgerService.Buy, "AAPL", "10"},
		{alice.ID, ledgerService.Buy, "NFLX", "5"},
		{alice.ID, ledgerService.Sell, "AAPL", "4"},
		{bob.ID, ledgerService.Buy, "MSFT", "8"},
	}

	for _, tr := range trades {
		if _, err := tr.op(ctx, tr.userID, tr.symbol, tr.shares); err != nil {
			log.Fatalf("Failed to seed trade %s x%s: %v", tr.symbol, tr.shares, err)
		}
	}

	fmt.Println("Successfully seeded the database with demo users and trades!")
}
