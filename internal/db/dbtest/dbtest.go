// Package dbtest provides a migrated PostgreSQL database for integration tests.
//
// It uses DATABASE_URL when set and otherwise starts a throwaway container.
// Tests are skipped when neither is available.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rentshield/rentshield/internal/db"
	"github.com/rentshield/rentshield/migrations"
)

const image = "postgres:16-alpine"

// New returns a migrated database. Every table named in truncate is emptied
// before the test and the connection is closed when the test ends.
func New(t testing.TB, truncate ...string) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		url = startContainer(ctx, t)
	}

	conn, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrations.Up(ctx, conn); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	if len(truncate) > 0 {
		if _, err := conn.ExecContext(ctx, "TRUNCATE "+strings.Join(truncate, ", ")); err != nil {
			t.Fatalf("failed to truncate %v: %v", truncate, err)
		}
	}
	return conn
}

func startContainer(ctx context.Context, t testing.TB) string {
	t.Helper()

	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("rentshield"),
		postgres.WithUsername("rentshield"),
		postgres.WithPassword("rentshield"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("DATABASE_URL not set and postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get container connection string: %v", err)
	}
	return url
}
