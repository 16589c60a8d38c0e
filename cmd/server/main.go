package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"stockfolio/internal/api"
	"stockfolio/internal/auth"
	"stockfolio/internal/config"
	"stockfolio/internal/db"
	"stockfolio/internal/ledger"
	"stockfolio/internal/logger"
	"stockfolio/internal/quote"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Main entry point: sets up the store, the quote client, and the HTTP server
func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	database, err := db.NewDB(ctx, cfg.Database.DSN)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	quotes := quote.NewClient(&cfg.Quote, zlog)

	startingCash, err := decimal.NewFromString(cfg.Auth.StartingCash)
	if err != nil {
		zlog.Fatal("Invalid starting cash in config", zap.Error(err))
	}

	authService := auth.NewService(database, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLHours)*time.Hour, startingCash)
	ledgerService := ledger.NewService(database, quotes, zlog)

	handler := api.NewHandler(ledgerService, authService, quotes, zlog)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handler.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	zlog.Info("Starting server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, r); err != nil {
		zlog.Fatal("Server failed", zap.Error(err))
	}
}
