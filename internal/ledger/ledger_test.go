package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stockfolio/internal/models"
	"stockfolio/internal/quote"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store with the same transactional semantics as
// the real one: a trade either applies both the cash update and the order
// append, or nothing.
type fakeStore struct {
	users  map[int64]*models.User
	orders []models.Order
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[int64]*models.User)}
}

func (f *fakeStore) addUser(id int64, cash string) *models.User {
	u := &models.User{
		ID:       id,
		Username: fmt.Sprintf("user%d", id),
		Cash:     decimal.RequireFromString(cash),
	}
	f.users[id] = u
	return u
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) GetUserHoldings(ctx context.Context, userID int64) (map[string]int64, error) {
	holdings := make(map[string]int64)
	for _, o := range f.orders {
		if o.UserID == userID {
			holdings[o.Symbol] += o.Shares
		}
	}
	for symbol, shares := range holdings {
		if shares == 0 {
			delete(holdings, symbol)
		}
	}
	return holdings, nil
}

func (f *fakeStore) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	for i := len(f.orders) - 1; i >= 0; i-- {
		if f.orders[i].UserID == userID {
			orders = append(orders, f.orders[i])
		}
	}
	return orders, nil
}

func (f *fakeStore) ExecuteTrade(ctx context.Context, userID int64, symbol string, shares int64, price decimal.Decimal) (*models.Order, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("not found")
	}

	newCash := u.Cash.Sub(price.Mul(decimal.NewFromInt(shares)))
	if newCash.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	if shares < 0 {
		held, _ := f.GetUserHoldings(ctx, userID)
		if held[symbol]+shares < 0 {
			return nil, ErrInsufficientShares
		}
	}

	f.nextID++
	order := models.Order{
		ID:        f.nextID,
		UserID:    userID,
		Symbol:    symbol,
		Shares:    shares,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	u.Cash = newCash
	f.orders = append(f.orders, order)
	return &order, nil
}

// failingProvider simulates an unreachable quote provider.
type failingProvider struct{}

func (failingProvider) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	return nil, errors.New("connection refused")
}

func staticQuotes(prices map[string]string) *quote.Static {
	quotes := make(map[string]models.Quote, len(prices))
	for symbol, price := range prices {
		quotes[symbol] = models.Quote{
			Name:   symbol + " Inc",
			Symbol: symbol,
			Price:  decimal.RequireFromString(price),
		}
	}
	return &quote.Static{Quotes: quotes}
}

func newTestService(store *fakeStore, prices map[string]string) *Service {
	return NewService(store, staticQuotes(prices), zap.NewNop())
}

func TestParseShares(t *testing.T) {
	tests := []struct {
		input     string
		want      int64
		expectErr bool
	}{
		{"10", 10, false},
		{" 7 ", 7, false},
		{"1", 1, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"2.5", 0, true},
		{"", 0, true},
		{"+", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseShares(tt.input)
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrInvalidShares)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHoldings(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, "10000")
	store.addUser(2, "10000")
	s := newTestService(store, map[string]string{"AAPL": "150", "NFLX": "400"})
	ctx := context.Background()

	// Build up a ledger through the service itself.
	_, err := s.Buy(ctx, 1, "AAPL", "10")
	require.NoError(t, err)
	_, err = s.Buy(ctx, 1, "NFLX", "5")
	require.NoError(t, err)
	_, err = s.Sell(ctx, 1, "AAPL", "10")
	require.NoError(t, err)

	held, err := s.Holdings(ctx, 1)
	require.NoError(t, err)

	// AAPL nets to zero and must be absent from the result.
	assert.Equal(t, map[string]int64{"NFLX": 5}, held)

	// A user with no orders has an empty mapping.
	held, err = s.Holdings(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestBuy(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		order, err := s.Buy(ctx, 1, "aapl", "10")
		require.NoError(t, err)

		assert.Equal(t, "AAPL", order.Symbol)
		assert.Equal(t, int64(10), order.Shares)
		assert.True(t, order.Price.Equal(decimal.NewFromInt(150)))
		assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(8500)),
			"cash should be 8500, got %s", store.users[1].Cash)
		assert.Len(t, store.orders, 1)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "100")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		// No state change on failure.
		assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(100)))
		assert.Empty(t, store.orders)
	})

	t.Run("ExactAffordability", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "1500")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		require.NoError(t, err)
		assert.True(t, store.users[1].Cash.IsZero())
	})

	t.Run("InvalidSymbol", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "ZZZZ", "10")
		assert.ErrorIs(t, err, ErrInvalidSymbol)
		assert.Empty(t, store.orders)

		_, err = s.Buy(ctx, 1, "", "10")
		assert.ErrorIs(t, err, ErrInvalidSymbol)
	})

	t.Run("InvalidShares", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		for _, shares := range []string{"0", "-3", "abc", "2.5"} {
			_, err := s.Buy(ctx, 1, "AAPL", shares)
			assert.ErrorIs(t, err, ErrInvalidShares, "shares=%q", shares)
		}
		assert.Empty(t, store.orders)
		assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(10000)))
	})

	t.Run("QuoteProviderDown", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := NewService(store, failingProvider{}, zap.NewNop())

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		assert.ErrorIs(t, err, ErrQuoteUnavailable)
		assert.Empty(t, store.orders)
	})
}

func TestSell(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		require.NoError(t, err)

		order, err := s.Sell(ctx, 1, "AAPL", "4")
		require.NoError(t, err)

		assert.Equal(t, int64(-4), order.Shares)
		// 10000 - 1500 + 600
		assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(9100)),
			"cash should be 9100, got %s", store.users[1].Cash)

		held, err := s.Holdings(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"AAPL": 6}, held)
	})

	t.Run("InsufficientShares", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		require.NoError(t, err)
		cashBefore := store.users[1].Cash

		_, err = s.Sell(ctx, 1, "AAPL", "11")
		assert.ErrorIs(t, err, ErrInsufficientShares)

		assert.True(t, store.users[1].Cash.Equal(cashBefore))
		assert.Len(t, store.orders, 1)
	})

	t.Run("NothingHeld", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Sell(ctx, 1, "AAPL", "1")
		assert.ErrorIs(t, err, ErrInsufficientShares)
	})

	t.Run("InvalidShares", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Sell(ctx, 1, "AAPL", "2.5")
		assert.ErrorIs(t, err, ErrInvalidShares)
	})
}

// The worked example: buy 10 AAPL at 150, then sell 4 at 160.
func TestBuyThenSellAtNewPrice(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addUser(1, "10000")

	s := newTestService(store, map[string]string{"AAPL": "150"})
	_, err := s.Buy(ctx, 1, "AAPL", "10")
	require.NoError(t, err)
	assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(8500)))

	// Market moves; the sell executes at the new quote.
	s = newTestService(store, map[string]string{"AAPL": "160"})
	_, err = s.Sell(ctx, 1, "AAPL", "4")
	require.NoError(t, err)

	assert.True(t, store.users[1].Cash.Equal(decimal.NewFromInt(9140)),
		"cash should be 9140, got %s", store.users[1].Cash)
	held, err := s.Holdings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"AAPL": 6}, held)
}

func TestPortfolio(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyEqualsCash", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{})

		v, err := s.Portfolio(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, v.Positions)
		assert.True(t, v.Total.Equal(decimal.NewFromInt(10000)))
		assert.True(t, v.Cash.Equal(v.Total))
	})

	t.Run("ValuesHoldingsAtCurrentQuotes", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150", "NFLX": "400"})

		_, err := s.Buy(ctx, 1, "NFLX", "5")
		require.NoError(t, err)
		_, err = s.Buy(ctx, 1, "AAPL", "10")
		require.NoError(t, err)

		v, err := s.Portfolio(ctx, 1)
		require.NoError(t, err)

		require.Len(t, v.Positions, 2)
		// Positions come back sorted by symbol.
		assert.Equal(t, "AAPL", v.Positions[0].Symbol)
		assert.Equal(t, int64(10), v.Positions[0].Shares)
		assert.True(t, v.Positions[0].Value.Equal(decimal.NewFromInt(1500)))
		assert.Equal(t, "NFLX", v.Positions[1].Symbol)
		assert.True(t, v.Positions[1].Value.Equal(decimal.NewFromInt(2000)))

		// cash 6500 + 1500 + 2000
		assert.True(t, v.Cash.Equal(decimal.NewFromInt(6500)))
		assert.True(t, v.Total.Equal(decimal.NewFromInt(10000)))
	})

	t.Run("QuoteFailureIsFatal", func(t *testing.T) {
		store := newFakeStore()
		store.addUser(1, "10000")
		s := newTestService(store, map[string]string{"AAPL": "150"})

		_, err := s.Buy(ctx, 1, "AAPL", "10")
		require.NoError(t, err)

		// The held symbol no longer resolves: no partial valuation.
		s = NewService(store, staticQuotes(map[string]string{}), zap.NewNop())
		_, err = s.Portfolio(ctx, 1)
		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addUser(1, "10000")
	s := newTestService(store, map[string]string{"AAPL": "150"})

	_, err := s.Buy(ctx, 1, "AAPL", "10")
	require.NoError(t, err)
	_, err = s.Sell(ctx, 1, "AAPL", "4")
	require.NoError(t, err)

	orders, err := s.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	// Newest first; the sell is recorded with negative shares.
	assert.Equal(t, int64(-4), orders[0].Shares)
	assert.Equal(t, int64(10), orders[1].Shares)
}
