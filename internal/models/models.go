package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user. Cash is the spendable balance in USD.
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Cash         decimal.Decimal `json:"cash"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Order is one immutable ledger entry. Positive shares record a buy,
// negative shares a sell. Price is the per-share price at execution time.
// Holdings are always derived from these rows, never stored.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Quote is a live price lookup result for a ticker symbol.
type Quote struct {
	Name   string          `json:"name"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Position is one row of a portfolio valuation: a held symbol priced at
// the current market quote.
type Position struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Shares int64           `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
}
