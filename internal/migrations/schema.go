// Package migrations applies the embedded schema migrations.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	// Fresh is true when no migration has ever been applied.
	Fresh bool
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migrations: db cannot be nil")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, dirty, verr := m.Version(); verr == nil {
		currentVersion = v
		log.WithFields(logrus.Fields{"version": v, "dirty": dirty}).Info("current schema version")
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		log.Info("no existing migration version (fresh database)")
	} else {
		log.WithError(verr).Warn("unable to determine current schema version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.WithField("version", currentVersion).Info("database schema is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.WithField("version", v).Info("migrations applied")
	} else {
		log.WithError(err).Warn("migrations applied but new version is unreadable")
	}
	return nil
}

// UpWithDirtyFix runs Up and, when the schema is marked dirty, rolls the
// version marker back to the last clean version and retries once.
func UpWithDirtyFix(db *sql.DB, logger logrus.FieldLogger) error {
	err := Up(db, logger)
	var dirty migrate.ErrDirty
	if !errors.As(err, &dirty) {
		return err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("version", dirty.Version).Warn("dirty database detected, attempting to fix")
	if fixErr := FixDirtyDatabase(db); fixErr != nil {
		logger.WithError(fixErr).Error("failed to fix dirty database")
		return err
	}
	return Up(db, logger)
}

// FixDirtyDatabase clears the dirty flag by forcing the version before the
// failed migration. The failed migration runs again on the next Up.
func FixDirtyDatabase(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		return nil
	}

	target := int(v) - 1
	if target < 1 {
		target = -1
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	return nil
}

// ForceVersion sets the recorded schema version without running migrations.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// CurrentStatus reports the schema version recorded in the database.
func CurrentStatus(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Fresh: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: v, Dirty: dirty}, nil
}
