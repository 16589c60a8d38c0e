package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"stockfolio/internal/auth"
	"stockfolio/internal/ledger"
	"stockfolio/internal/quote"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type contextKey string

// userIDKey carries the authenticated user's id through the request context.
const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Ledger *ledger.Service
	Auth   *auth.Service
	Quotes quote.Provider
	Logger *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ledgerSvc *ledger.Service, authSvc *auth.Service, quotes quote.Provider, logger *zap.Logger) *Handler {
	return &Handler{Ledger: ledgerSvc, Auth: authSvc, Quotes: quotes, Logger: logger}
}

// sharesField accepts the share count as either a JSON number or a string,
// deferring validation of the value itself to the ledger.
type sharesField string

func (s *sharesField) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*s = sharesField(n.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = sharesField(str)
		return nil
	}
	return errors.New("shares must be a number or a string")
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// tradeError maps ledger and upstream failures onto user-visible responses.
func (h *Handler) tradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidShares),
		errors.Is(err, ledger.ErrInvalidSymbol),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrQuoteUnavailable):
		respondError(w, http.StatusBadGateway, "quote provider unavailable")
	default:
		h.Logger.Error("trade failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		Password     string `json:"password"`
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password, req.Confirmation)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDuplicateUsername):
			respondError(w, http.StatusConflict, err.Error())
		default:
			h.Logger.Error("registration failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to register user")
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"cash":     user.Cash,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Logout acknowledges a logout. Tokens are stateless; the client discards
// its copy and the token expires on its own.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// ChangePassword replaces the user's password after verifying the old one
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		OldPassword  string `json:"old_password"`
		NewPassword  string `json:"new_password"`
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.Auth.ChangePassword(r.Context(), req.Username, req.OldPassword, req.NewPassword, req.Confirmation)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, err.Error())
		default:
			h.Logger.Error("password change failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			respondError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// GetQuote looks up the current price for a symbol
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	q, err := h.Quotes.Lookup(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, quote.ErrSymbolNotFound) {
			respondError(w, http.StatusNotFound, "invalid symbol")
			return
		}
		h.Logger.Error("quote lookup failed", zap.String("symbol", symbol), zap.Error(err))
		respondError(w, http.StatusBadGateway, "quote provider unavailable")
		return
	}

	respondJSON(w, http.StatusOK, q)
}

// Buy purchases shares at the current market price
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Symbol string      `json:"symbol"`
		Shares sharesField `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.Ledger.Buy(r.Context(), userID, req.Symbol, string(req.Shares))
	if err != nil {
		h.tradeError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "purchase executed",
		"order":   order,
	})
}

// Sell sells shares at the current market price
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Symbol string      `json:"symbol"`
		Shares sharesField `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.Ledger.Sell(r.Context(), userID, req.Symbol, string(req.Shares))
	if err != nil {
		h.tradeError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "sale executed",
		"order":   order,
	})
}

// GetPortfolio returns the user's holdings priced at current quotes
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	valuation, err := h.Ledger.Portfolio(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrQuoteUnavailable) {
			respondError(w, http.StatusBadGateway, "quote provider unavailable")
			return
		}
		h.Logger.Error("portfolio valuation failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to value portfolio")
		return
	}

	respondJSON(w, http.StatusOK, valuation)
}

// GetHistory returns the user's full transaction log
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		h.Logger.Error("history fetch failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}

	respondJSON(w, http.StatusOK, orders)
}

// Routes mounts all handlers on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/auth/logout", h.Logout)
		r.Post("/auth/password", h.ChangePassword)
		r.Get("/quote/{symbol}", h.GetQuote)
		r.Post("/buy", h.Buy)
		r.Post("/sell", h.Sell)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/history", h.GetHistory)
	})
}
