package calibdb

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrateUp applies all pending schema migrations. Already-current databases
// are a no-op.
func (db *DB) migrateUp(migrationsFS fs.FS) error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	// The migrate instance is not closed: the sqlite driver's Close would
	// close the shared *sql.DB connection this DB still owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("calibdb: migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty state. A
// fresh database reports version 0.
func (db *DB) SchemaVersion() (version uint, dirty bool, err error) {
	migrationsFS, err := fs.Sub(migrationsRoot, "migrations")
	if err != nil {
		return 0, false, err
	}
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate(migrationsFS fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("calibdb: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("calibdb: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("calibdb: migrate init: %w", err)
	}
	return m, nil
}
