// Package testutil prepares a throwaway Postgres schema for store tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/johndosdos/huddle/sql/schema"
)

func ProjectRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "../../")
}

// DbInit connects to TEST_DB_URL and resets the schema to the latest
// migration. The test is skipped when TEST_DB_URL is not set. The schema is
// torn down again when the test finishes.
func DbInit(t testing.TB) *pgxpool.Pool {
	t.Helper()

	if err := godotenv.Load(filepath.Join(ProjectRoot(), ".env")); err != nil {
		t.Logf("no .env file loaded: %v", err)
	}

	testURL := os.Getenv("TEST_DB_URL")
	if testURL == "" {
		t.Skip("TEST_DB_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, testURL)
	if err != nil {
		t.Fatalf("could not connect to the postgresql database: %v", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	DbGooseReset(t, db)
	DbGooseUp(t, db)

	t.Cleanup(func() {
		DbGooseReset(t, db)
		if err := db.Close(); err != nil {
			t.Errorf("db.Close() error = %+v", err)
		}
		pool.Close()
	})
	return pool
}

func setup(t testing.TB) {
	t.Helper()
	goose.SetBaseFS(schema.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("goose.SetDialect() error = %+v", err)
	}
}

func DbGooseUp(t testing.TB, db *sql.DB) {
	t.Helper()
	setup(t)
	if err := goose.Up(db, "."); err != nil {
		t.Fatalf("goose.Up() error = %+v", err)
	}
}

func DbGooseReset(t testing.TB, db *sql.DB) {
	t.Helper()
	setup(t)
	if err := goose.Reset(db, "."); err != nil {
		t.Fatalf("goose.Reset() error = %+v", err)
	}
}
