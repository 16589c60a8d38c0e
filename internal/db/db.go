package db

import (
	"context"
	"errors"
	"fmt"

	"stockfolio/internal/ledger"
	"stockfolio/internal/models"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// compile-time check that the store satisfies the ledger's surface
var _ ledger.Store = (*DB)(nil)

// NewDB initializes a new database connection pool. Every connection gets
// the shopspring decimal codec so NUMERIC columns scan into decimal.Decimal.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user with a starting cash balance and returns the
// row with its generated identifier.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, cash decimal.Decimal) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, cash) VALUES ($1, $2, $3) RETURNING id, username, password_hash, cash, created_at",
		username, passwordHash, cash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Cash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, cash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Cash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, cash, created_at FROM users WHERE id = $1",
		userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Cash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserPassword replaces a user's password hash.
func (db *DB) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET password_hash = $1 WHERE id = $2", passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserOrders retrieves a user's order log, newest first.
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, symbol, shares, price, created_at FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Symbol, &order.Shares, &order.Price, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetUserHoldings reduces the user's order log to net shares per symbol.
// Summation is commutative, so the reduction is pushed down to SQL; symbols
// whose signed counts sum to zero are filtered out.
func (db *DB) GetUserHoldings(ctx context.Context, userID int64) (map[string]int64, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT symbol, SUM(shares)::BIGINT FROM orders WHERE user_id = $1 GROUP BY symbol HAVING SUM(shares) <> 0",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	holdings := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var shares int64
		if err := rows.Scan(&symbol, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings[symbol] = shares
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return holdings, nil
}

// ExecuteTrade applies one buy (positive shares) or sell (negative shares)
// as a single transaction: the user row is locked, the cash balance is
// recomputed at the given price, and the order is appended. Affordability is
// enforced under the lock so concurrent trades against the same balance
// cannot lose updates; a violated rule rolls everything back.
func (db *DB) ExecuteTrade(ctx context.Context, userID int64, symbol string, shares int64, price decimal.Decimal) (*models.Order, error) {
	if shares == 0 {
		return nil, fmt.Errorf("shares must be non-zero")
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("price must be non-negative")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var cash decimal.Decimal
	err = tx.QueryRow(ctx, "SELECT cash FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&cash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cash balance: %w", err)
	}

	// Buys debit cash, sells credit it.
	newCash := cash.Sub(price.Mul(decimal.NewFromInt(shares)))
	if newCash.IsNegative() {
		return nil, ledger.ErrInsufficientFunds
	}

	if shares < 0 {
		var held int64
		err = tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(shares), 0)::BIGINT FROM orders WHERE user_id = $1 AND symbol = $2",
			userID, symbol).Scan(&held)
		if err != nil {
			return nil, fmt.Errorf("failed to get holding: %w", err)
		}
		if held+shares < 0 {
			return nil, ledger.ErrInsufficientShares
		}
	}

	_, err = tx.Exec(ctx, "UPDATE users SET cash = $1 WHERE id = $2", newCash, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update cash balance: %w", err)
	}

	order := &models.Order{}
	err = tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, shares, price) VALUES ($1, $2, $3, $4) RETURNING id, user_id, symbol, shares, price, created_at",
		userID, symbol, shares, price).Scan(
		&order.ID, &order.UserID, &order.Symbol, &order.Shares, &order.Price, &order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return order, nil
}
