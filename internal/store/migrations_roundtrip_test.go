package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

var domainTables = []string{
	"users", "refresh_sessions", "revoked_access_tokens", "decisions", "judgments",
	"comments", "attachments", "audit_logs", "nonprofit_profiles", "decision_nonprofits",
	"grant_opportunities", "grant_alerts", "org_grant_history",
}

// The round trip drops the public schema, so it only runs against a
// database named for it.
func TestMigrationsRollBackAndReapply(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CLARVOY_MIGRATIONS_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CLARVOY_MIGRATIONS_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	first, err := ApplyMigrations(ctx, db, migrationsDir())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected migrations to be applied on an empty schema")
	}
	assertTables(t, ctx, db, true)

	again, err := ApplyMigrations(ctx, db, migrationsDir())
	if err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}

	if err := rollBackAll(ctx, db); err != nil {
		t.Fatalf("roll back: %v", err)
	}
	assertTables(t, ctx, db, false)

	second, err := ApplyMigrations(ctx, db, migrationsDir())
	if err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
	if strings.Join(second, ",") != strings.Join(first, ",") {
		t.Fatalf("expected %v after rollback, got %v", first, second)
	}
	assertTables(t, ctx, db, true)
}

func assertTables(t *testing.T, ctx context.Context, db *sql.DB, present bool) {
	t.Helper()
	for _, table := range domainTables {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if exists != present {
			t.Fatalf("table %s: expected present=%t", table, present)
		}
	}
}

// rollBackAll runs every down file newest first and forgets the versions.
func rollBackAll(ctx context.Context, db *sql.DB) error {
	downs, err := filepath.Glob(filepath.Join(migrationsDir(), "*.down.sql"))
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return err
		}
	}
	_, err = db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	return err
}
