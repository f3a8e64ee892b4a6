package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDatabaseURLEnv optionally points database tests at an already-running
// Postgres instance, bypassing the container. Useful where Docker is not
// available or a CI job provides a database service directly.
const TestDatabaseURLEnv = "OFFPOST_TEST_DATABASE_URL"

// NewTestDB creates a new Postgres test container, applies the schema, and
// returns a connection pool. The container and the pool are cleaned up when
// the test finishes. When OFFPOST_TEST_DATABASE_URL is set that database is
// used instead of a container.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()

	connStr := os.Getenv(TestDatabaseURLEnv)
	if connStr == "" {
		connStr = startPostgres(ctx, t)
	}

	// Same pool configuration as production
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := applySchema(ctx, pool); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return pool
}

// startPostgres runs a throwaway Postgres container for one test and returns
// its connection string.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("offpost_test"),
		postgres.WithUsername("offpost"),
		postgres.WithPassword("offpost"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return connStr
}

// ResetTables empties every ingestion table so tests start from a clean
// database without re-applying the schema.
func ResetTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(), `
		TRUNCATE thread_processing_errors,
		         thread_email_mapping,
		         imap_folder_status,
		         thread_email_attachments,
		         thread_emails,
		         threads
	`)
	if err != nil {
		t.Fatalf("Failed to reset tables: %v", err)
	}
}

// applySchema runs scripts/schema.sql. The schema only uses CREATE ... IF
// NOT EXISTS, so applying it repeatedly is safe.
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema, err := readSchema()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, schema)
	return err
}

func readSchema() (string, error) {
	// Tests run from their package directory, so try the paths between
	// here and the repository root.
	paths := []string{
		"scripts/schema.sql",
		"../scripts/schema.sql",
		"../../scripts/schema.sql",
		"../../../scripts/schema.sql",
	}
	var lastErr error
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err == nil {
			return string(content), nil
		}
		lastErr = err
	}
	return "", lastErr
}
