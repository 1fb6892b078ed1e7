// Package dbtest starts a migrated PostgreSQL container for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/lotledger/internal/platform/db"
)

// EnvFlag enables container-backed tests.
const EnvFlag = "INTEGRATION_TESTS"

// NewPool starts postgres, applies migrations and returns a pool. The test is
// skipped unless INTEGRATION_TESTS=1.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(EnvFlag) != "1" {
		t.Skipf("set %s=1 to run postgres integration tests", EnvFlag)
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("lotledger_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := db.NewMigrator(dsn)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	pool, err := db.New(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
