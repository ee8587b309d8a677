package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultMigrationsPath is where the migrations live in the source tree.
const DefaultMigrationsPath = "internal/storage/postgres/migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// The functions below read migrations from dir when it is set and from the
// copy compiled into the binary otherwise.

func MigrateUp(databaseURL, dir string) error {
	return withMigrator(databaseURL, dir, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

func MigrateDown(databaseURL, dir string, steps int) error {
	if steps <= 0 {
		return errors.New("migrate down: steps must be > 0")
	}
	return withMigrator(databaseURL, dir, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version and whether the last
// migration failed halfway. A fresh database reports version 0.
func MigrationVersion(databaseURL, dir string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, dir, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		switch {
		case errors.Is(verr, migrate.ErrNilVersion):
			version, dirty = 0, false
		case verr != nil:
			return fmt.Errorf("migration version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}

func withMigrator(databaseURL, dir string, fn func(*migrate.Migrate) error) error {
	m, err := newMigrator(databaseURL, dir)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	return fn(m)
}

func newMigrator(databaseURL, dir string) (*migrate.Migrate, error) {
	var (
		m   *migrate.Migrate
		err error
	)
	if dir != "" {
		m, err = migrate.New("file://"+dir, databaseURL)
	} else {
		src, serr := iofs.New(embeddedMigrations, "migrations")
		if serr != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, databaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}
