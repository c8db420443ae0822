// Package migrate brings the pipeline schema up to date at process
// start. Every role runs it, so a fresh database needs no manual setup.
package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "db/migrations"

// Run applies any pending goose migrations against dsn. It uses a
// short-lived handle of its own rather than the store's pool, since
// migrations finish before the store is constructed.
func Run(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open db: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", migrationsDir, err)
	}
	return nil
}
