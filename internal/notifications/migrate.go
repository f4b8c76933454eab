package notifications

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed all:migrationfiles
var migrationFS embed.FS

// Migrate applies every pending migration embedded in the binary to the
// database identified by dsn. It opens its own short-lived database/sql
// connection since golang-migrate's postgres driver expects one, separate
// from the pgxpool used for request traffic.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrationfiles")
	if err != nil {
		return fmt.Errorf("open embedded migration source: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "notify", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
