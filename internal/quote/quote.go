package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockfolio/internal/config"
	"stockfolio/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrSymbolNotFound is returned when the provider has no quote for a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// Provider resolves a ticker symbol to a live market quote.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (*models.Quote, error)
}

// Client is a client for the quote provider's REST API.
// It implements the Provider interface.
type Client struct {
	client  *resty.Client
	apiKey  string
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure Client implements the interface
var _ Provider = (*Client)(nil)

// NewClient creates a new quote provider client.
func NewClient(cfg *config.Quote, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:  client,
		apiKey:  cfg.APIKey,
		logger:  logger,
		limiter: limiter,
	}
}

// lookupResponse is the provider's quote payload.
type lookupResponse struct {
	CompanyName string  `json:"companyName"`
	Symbol      string  `json:"symbol"`
	LatestPrice float64 `json:"latestPrice"`
}

// Lookup fetches the current quote for a ticker symbol.
func (c *Client) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrSymbolNotFound
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&lookupResponse{}).
		SetPathParam("symbol", symbol).
		SetQueryParam("token", c.apiKey)

	resp, err := c.doRequest(ctx, http.MethodGet, "/stock/{symbol}/quote", req)
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, ErrSymbolNotFound
		}
		c.logger.Error("Quote lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("failed to look up %s: %w", symbol, err)
	}

	result := resp.Result().(*lookupResponse)
	if result.Symbol == "" {
		return nil, ErrSymbolNotFound
	}

	return &models.Quote{
		Name:   result.CompanyName,
		Symbol: strings.ToUpper(result.Symbol),
		Price:  decimal.NewFromFloat(result.LatestPrice),
	}, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return resp, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return resp, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
