package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// SetupPool creates a pgxpool.Pool for integration tests against TEST_DATABASE_URL.
// The test is skipped when no database is configured. price_history is dropped
// before and after the test so each run starts empty.
func SetupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	_ = godotenv.Load("../../.env")

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	dropTable := func() {
		if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS price_history`); err != nil {
			t.Logf("drop price_history: %v", err)
		}
	}
	dropTable()
	t.Cleanup(func() {
		dropTable()
		pool.Close()
	})
	return pool
}

func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
