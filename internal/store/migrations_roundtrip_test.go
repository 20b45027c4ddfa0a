package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DOCUPDATER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCUPDATER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func testMigrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := ApplyMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
	if err := RevertMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&remaining); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected all migrations reverted, %d remain", remaining)
	}

	if err := ApplyMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}
