package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestPostgresStore connects to TEST_POSTGRES_DSN when set, otherwise
// starts a throwaway container. Without Docker the test is skipped.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		if testing.Short() {
			t.Skip("short mode, skipping Postgres container")
		}
		testcontainers.SkipIfProviderIsNotHealthy(t)

		ctx := context.Background()
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("tradeboard"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "failed to get connection string")
	}

	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	s := newTestPostgresStore(t)
	require.NoError(t, s.Ping(context.Background()))

	// Migrations run on every start.
	require.NoError(t, s.migrate())

	runStoreSuite(t, s)
}
