package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// testPool connects to the database named by DATABASE_URL and runs migrations.
// Tests that need it are skipped when the variable is unset, so the unit suite
// stays runnable without Postgres.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	cleanTables(t, pool)
	return pool
}

// cleanTables truncates everything so each test starts from an empty schema.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE votes, sponsorships, memberships, events, bills, committees,
			representatives, jurisdictions, scraping_runs, session_phases,
			loading_sessions, data_quality_issues, audit_log CASCADE
	`)
	require.NoError(t, err)
}
