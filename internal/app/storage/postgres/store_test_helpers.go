package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/modelforge/controlplane/internal/platform/database"
	"github.com/modelforge/controlplane/internal/platform/migrations"
)

// newTestStore opens a real Postgres connection for integration tests, gated
// on TEST_POSTGRES_DSN so the suite skips cleanly in environments without a
// database (CI smoke runs, local `go test ./...` without Postgres).
func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	for _, table := range []string{"predictions", "jobs", "models"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}

	return New(db), ctx
}
