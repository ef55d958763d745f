package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nizigama/trading-platform-be/internal/security"
)

const demoPassword = "demopass0001"

func main() {
	env := getEnv("EXCH_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: EXCH_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "exchange")
	user := getEnv("POSTGRES_USER", "exchange")
	password := getEnv("POSTGRES_PASSWORD", "exchange")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	symbolIDs, err := seedSymbols(ctx, pool)
	if err != nil {
		log.Fatalf("seed symbols: %v", err)
	}
	fmt.Println("✓ Symbols seeded")

	userIDs, err := seedUsers(ctx, pool)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedAssets(ctx, pool, userIDs, symbolIDs); err != nil {
		log.Fatalf("seed assets: %v", err)
	}
	fmt.Println("✓ Assets seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("Demo users: buyer@example.com / seller@example.com (password %q)\n", demoPassword)
}

func seedSymbols(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	ids := make(map[string]int64)
	for _, name := range []string{"GOLD", "SILVER"} {
		var id int64
		err := pool.QueryRow(ctx,
			`INSERT INTO symbols (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`,
			name,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert symbol %s: %w", name, err)
		}
		ids[name] = id
	}
	return ids, nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	hash, err := security.HashPassword(demoPassword, security.DefaultArgon2Params())
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}

	users := map[string]string{
		"buyer@example.com":  "100000",
		"seller@example.com": "1000",
	}
	ids := make(map[string]int64)
	for email, balance := range users {
		var id int64
		err := pool.QueryRow(ctx,
			`INSERT INTO users (email, password_hash, balance, locked_balance)
			 VALUES ($1, $2, $3, 0)
			 ON CONFLICT (email) DO UPDATE SET balance = EXCLUDED.balance, locked_balance = 0
			 RETURNING id`,
			email, hash, balance,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert user %s: %w", email, err)
		}
		ids[email] = id
	}
	return ids, nil
}

func seedAssets(ctx context.Context, pool *pgxpool.Pool, userIDs map[string]int64, symbolIDs map[string]int64) error {
	sellerID, ok := userIDs["seller@example.com"]
	if !ok {
		return fmt.Errorf("seller user missing")
	}
	for name, symbolID := range symbolIDs {
		_, err := pool.Exec(ctx,
			`INSERT INTO assets (user_id, symbol_id, amount, locked_amount)
			 VALUES ($1, $2, 100, 0)
			 ON CONFLICT (user_id, symbol_id) DO UPDATE SET amount = EXCLUDED.amount, locked_amount = 0`,
			sellerID, symbolID,
		)
		if err != nil {
			return fmt.Errorf("insert asset %s: %w", name, err)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
