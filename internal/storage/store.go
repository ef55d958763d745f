package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a reservation would exceed the
	// user's available (unlocked) balance or asset amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState is returned when an operation targets an order that is
	// not in the state the operation requires.
	ErrInvalidState = errors.New("invalid order state")

	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict maps serialization failures, deadlocks and lock
	// timeouts. Callers may retry or defer the operation.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrEmailExists = errors.New("email already registered")
)

// decimalScale is the fixed scale for all money and asset arithmetic.
// Every multiplication truncates back to this scale.
const decimalScale = 18

func mul18(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(decimalScale)
}

// Store owns all database access. Mutating operations run as whole
// serializable transactions so that a settlement either fully happens or
// leaves no trace.
type Store struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	commissionRate decimal.Decimal
}

func New(pool *pgxpool.Pool, logger *slog.Logger, commissionRate decimal.Decimal) *Store {
	return &Store{
		pool:           pool,
		logger:         logger,
		commissionRate: commissionRate,
	}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

var txOptions = pgx.TxOptions{IsoLevel: pgx.Serializable}

// mapError converts driver-level failures into the store's sentinel errors.
// Serialization failures (40001), deadlocks (40P01) and lock timeouts
// (55P03) all surface as ErrConcurrencyConflict.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		case "23505":
			if pgErr.ConstraintName == "users_email_key" {
				return ErrEmailExists
			}
		}
	}
	return err
}

func (s *Store) ListSymbols(ctx context.Context) ([]Symbol, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM symbols ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", mapError(err))
	}
	defer rows.Close()

	var symbols []Symbol
	for rows.Next() {
		var sym Symbol
		if err := rows.Scan(&sym.ID, &sym.Name); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *Store) GetSymbolByName(ctx context.Context, name string) (Symbol, error) {
	var sym Symbol
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM symbols WHERE name = $1`, name).
		Scan(&sym.ID, &sym.Name)
	if err != nil {
		return Symbol{}, fmt.Errorf("get symbol %q: %w", name, mapError(err))
	}
	return sym, nil
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, balance, locked_balance)
		 VALUES ($1, $2, 0, 0)
		 RETURNING id`,
		email, passwordHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", mapError(err))
	}
	return id, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var (
		u                     User
		balanceStr, lockedStr string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, balance::text, locked_balance::text, updated_at
		 FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &balanceStr, &lockedStr, &u.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", mapError(err))
	}
	if u.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return User{}, fmt.Errorf("parse balance: %w", err)
	}
	if u.LockedBalance, err = decimal.NewFromString(lockedStr); err != nil {
		return User{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return u, nil
}

func (s *Store) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	var (
		p                     Profile
		balanceStr, lockedStr string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text, locked_balance::text FROM users WHERE id = $1`,
		userID,
	).Scan(&balanceStr, &lockedStr)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", mapError(err))
	}
	if p.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return Profile{}, fmt.Errorf("parse balance: %w", err)
	}
	if p.LockedBalance, err = decimal.NewFromString(lockedStr); err != nil {
		return Profile{}, fmt.Errorf("parse locked balance: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.name, a.amount::text, a.locked_amount::text
		 FROM assets a JOIN symbols s ON s.id = a.symbol_id
		 WHERE a.user_id = $1
		 ORDER BY s.name`,
		userID,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("list assets: %w", mapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ab                  AssetBalance
			amountStr, lockStr2 string
		)
		if err := rows.Scan(&ab.Symbol, &amountStr, &lockStr2); err != nil {
			return Profile{}, fmt.Errorf("scan asset: %w", err)
		}
		if ab.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return Profile{}, fmt.Errorf("parse asset amount: %w", err)
		}
		if ab.LockedAmount, err = decimal.NewFromString(lockStr2); err != nil {
			return Profile{}, fmt.Errorf("parse asset locked amount: %w", err)
		}
		p.Assets = append(p.Assets, ab)
	}
	return p, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	var (
		o                   Order
		priceStr, amountStr string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, symbol_id, side, price::text, amount::text, status, created_at, updated_at
		 FROM orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.SymbolID, &o.Side, &priceStr, &amountStr, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("get order %d: %w", orderID, mapError(err))
	}
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Order{}, fmt.Errorf("parse price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Order{}, fmt.Errorf("parse amount: %w", err)
	}
	return o, nil
}
