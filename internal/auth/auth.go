package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockfolio/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrValidation wraps missing or malformed registration/password input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials covers bad username/password combinations.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrDuplicateUsername is returned when the username is already taken.
	ErrDuplicateUsername = errors.New("username already taken")
)

// Store is the persistence surface the auth service needs.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string, cash decimal.Decimal) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error
}

// Service handles user authentication
type Service struct {
	store        Store
	secret       []byte
	tokenTTL     time.Duration
	startingCash decimal.Decimal
}

// NewService creates a new auth service
func NewService(store Store, secret string, tokenTTL time.Duration, startingCash decimal.Decimal) *Service {
	return &Service{
		store:        store,
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		startingCash: startingCash,
	}
}

// Register creates a new user with a hashed password and the configured
// starting cash balance.
func (s *Service) Register(ctx context.Context, username, password, confirmation string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrValidation)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrValidation)
	}
	if confirmation == "" {
		return nil, fmt.Errorf("%w: password confirmation required", ErrValidation)
	}
	if password != confirmation {
		return nil, fmt.Errorf("%w: passwords do not match", ErrValidation)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrValidation)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 characters)", ErrValidation)
	}

	// The unique constraint on username is the real guard; this check just
	// produces a friendlier error for the common case.
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrDuplicateUsername
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword), s.startingCash)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ChangePassword verifies the old password and replaces it with the new one.
// The new password must differ from the old and match its confirmation.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword, confirmation string) error {
	if username == "" {
		return fmt.Errorf("%w: username cannot be empty", ErrValidation)
	}
	if oldPassword == "" {
		return fmt.Errorf("%w: current password cannot be empty", ErrValidation)
	}
	if newPassword == "" {
		return fmt.Errorf("%w: new password cannot be empty", ErrValidation)
	}
	if newPassword == oldPassword {
		return fmt.Errorf("%w: new password must differ from the current one", ErrValidation)
	}
	if newPassword != confirmation {
		return fmt.Errorf("%w: passwords do not match", ErrValidation)
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if err := s.store.UpdateUserPassword(ctx, user.ID, string(hashedPassword)); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// GetUserFromToken extracts the user ID from a JWT
func (s *Service) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}
	return int64(userID), nil
}
