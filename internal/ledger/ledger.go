// Package ledger derives per-symbol holdings from the append-only order log
// and mediates cash-balance mutations for buy and sell executions against
// live market quotes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stockfolio/internal/models"
	"stockfolio/internal/quote"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Business-rule failures surfaced to the user.
var (
	ErrInvalidShares      = errors.New("shares must be a positive whole number")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrQuoteUnavailable   = errors.New("quote provider unavailable")
)

// Store is the persistence surface the ledger needs. ExecuteTrade must apply
// the cash update and the order append in a single transaction and re-check
// both affordability rules under a lock on the user row; it returns
// ErrInsufficientFunds or ErrInsufficientShares with no writes applied when a
// rule would be violated.
type Store interface {
	GetUserByID(ctx context.Context, userID int64) (*models.User, error)
	GetUserHoldings(ctx context.Context, userID int64) (map[string]int64, error)
	GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	ExecuteTrade(ctx context.Context, userID int64, symbol string, shares int64, price decimal.Decimal) (*models.Order, error)
}

// Valuation is the result of pricing a user's holdings at current quotes.
type Valuation struct {
	Positions []models.Position `json:"positions"`
	Cash      decimal.Decimal   `json:"cash"`
	Total     decimal.Decimal   `json:"total"`
}

// Service implements the holdings ledger over a store and a quote provider.
type Service struct {
	store  Store
	quotes quote.Provider
	logger *zap.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, quotes quote.Provider, logger *zap.Logger) *Service {
	return &Service{store: store, quotes: quotes, logger: logger}
}

// ParseShares validates a share-count form field. Only positive whole
// numbers are accepted: "0", "-3", "2.5" and "abc" are all rejected.
func ParseShares(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidShares
	}
	return n, nil
}

// Holdings returns the user's net share count per symbol, derived from the
// order log. Symbols whose signed counts sum to zero are absent.
func (s *Service) Holdings(ctx context.Context, userID int64) (map[string]int64, error) {
	return s.store.GetUserHoldings(ctx, userID)
}

// History returns the user's full order log, newest first.
func (s *Service) History(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetUserOrders(ctx, userID)
}

// Buy purchases shares of a symbol at the current quoted price. The cash
// debit and the order append are applied atomically or not at all.
func (s *Service) Buy(ctx context.Context, userID int64, symbol, shares string) (*models.Order, error) {
	n, err := ParseShares(shares)
	if err != nil {
		return nil, err
	}

	q, err := s.lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}

	order, err := s.store.ExecuteTrade(ctx, userID, q.Symbol, n, q.Price)
	if err != nil {
		return nil, err
	}

	s.logger.Info("buy executed",
		zap.Int64("user_id", userID),
		zap.String("symbol", q.Symbol),
		zap.Int64("shares", n),
		zap.String("price", q.Price.String()),
	)
	return order, nil
}

// Sell sells shares of a symbol at the current quoted price. The number of
// shares sold may not exceed the current derived holding.
func (s *Service) Sell(ctx context.Context, userID int64, symbol, shares string) (*models.Order, error) {
	n, err := ParseShares(shares)
	if err != nil {
		return nil, err
	}

	q, err := s.lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}

	held, err := s.store.GetUserHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if held[q.Symbol] < n {
		return nil, ErrInsufficientShares
	}

	// The store re-checks the holding under its row lock; the check above
	// only gives the common case a friendly early exit.
	order, err := s.store.ExecuteTrade(ctx, userID, q.Symbol, -n, q.Price)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sell executed",
		zap.Int64("user_id", userID),
		zap.String("symbol", q.Symbol),
		zap.Int64("shares", n),
		zap.String("price", q.Price.String()),
	)
	return order, nil
}

// Portfolio prices every held symbol at its current quote and returns the
// positions, the cash balance, and the total net worth. A failed quote for
// any held symbol fails the whole valuation.
func (s *Service) Portfolio(ctx context.Context, userID int64) (*Valuation, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	held, err := s.store.GetUserHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(held))
	for symbol := range held {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	total := user.Cash
	positions := make([]models.Position, 0, len(symbols))
	for _, symbol := range symbols {
		q, err := s.quotes.Lookup(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: pricing %s: %v", ErrQuoteUnavailable, symbol, err)
		}
		shares := held[symbol]
		value := q.Price.Mul(decimal.NewFromInt(shares))
		total = total.Add(value)
		positions = append(positions, models.Position{
			Symbol: symbol,
			Name:   q.Name,
			Shares: shares,
			Price:  q.Price,
			Value:  value,
		})
	}

	return &Valuation{Positions: positions, Cash: user.Cash, Total: total}, nil
}

func (s *Service) lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, ErrInvalidSymbol
	}
	q, err := s.quotes.Lookup(ctx, symbol)
	if err != nil {
		if errors.Is(err, quote.ErrSymbolNotFound) {
			return nil, ErrInvalidSymbol
		}
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	return q, nil
}
