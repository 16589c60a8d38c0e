package quote

import (
	"context"
	"strings"

	"stockfolio/internal/models"
)

// Static serves fixed quotes from memory. Used by the seeder and in tests
// where no live provider is available.
type Static struct {
	Quotes map[string]models.Quote
}

var _ Provider = (*Static)(nil)

// Lookup returns the fixed quote for a symbol, or ErrSymbolNotFound.
func (s *Static) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	q, ok := s.Quotes[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, ErrSymbolNotFound
	}
	return &q, nil
}
