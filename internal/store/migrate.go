package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/ethchat/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
	// Recovered is set when a migration interrupted by a crash was replayed.
	Recovered bool
}

// Migrate runs all pending migrations on the cache. Every migration is
// written to be replayable, so a version left dirty by a crash is rolled
// back one step and applied again instead of refusing to start.
func (db *DB) Migrate() (*MigrateResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	result := &MigrateResult{}
	if version, dirty, err := m.Version(); err == nil && dirty {
		if err := m.Force(previousVersion(src, version)); err != nil {
			return nil, fmt.Errorf("reset dirty version %d: %w", version, err)
		}
		result.Recovered = true
	}

	err = m.Up()
	result.Changed = true
	if errors.Is(err, migrate.ErrNoChange) {
		result.Changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	result.Version, result.Dirty, _ = m.Version()
	return result, nil
}

// previousVersion is the version before version, or none for the first one.
func previousVersion(src source.Driver, version uint) int {
	prev, err := src.Prev(version)
	if err != nil {
		return database.NilVersion
	}
	return int(prev)
}
