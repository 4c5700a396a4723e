// Package migrations wires golang-migrate execution for the gateway's schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	dbmigrations "github.com/vayulabs/vayu-gateway/db/migrations"
)

// Apply runs every pending migration from the embedded SQL bundle against the
// Postgres instance reachable via dsn. Migrations are append-only and
// idempotent; re-running an up-to-date schema is a noop. A nil logger
// disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	return run(ctx, dsn, logger, func(m *migrate.Migrate) error { return m.Up() }, "apply")
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, dsn string, logger *log.Logger) error {
	return run(ctx, dsn, logger, func(m *migrate.Migrate) error { return m.Steps(-1) }, "rollback")
}

func run(ctx context.Context, dsn string, logger *log.Logger, step func(*migrate.Migrate) error, verb string) error {
	source, err := sourceFromEmbed()
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("migrations db close: %v", dbErr)
		}
	}()

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("database schema up-to-date")
			}
			return nil
		}
		return fmt.Errorf("%s migrations: %w", verb, err)
	}

	if logger != nil {
		logger.Printf("database migrations %s completed", verb)
	}
	return nil
}

func sourceFromEmbed() (source.Driver, error) {
	driver, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("initialise embedded migrations: %w", err)
	}
	return driver, nil
}
