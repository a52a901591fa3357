package directory

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations for one database.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens its own connection to dsn; Close releases it.
func NewMigrator(driver, dsn string) (*Migrator, error) {
	sqlDriver, dir, err := driverNames(driver)
	if err != nil {
		return nil, err
	}
	if err := ensureDataDir(driver, dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open(sqlDriver, sqlDSN(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	var inst database.Driver
	switch driver {
	case DriverSQLite:
		inst, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DriverPostgres:
		inst, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		inst.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, inst)
	if err != nil {
		inst.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version; 0 means none.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Migrate brings the schema at dsn up to date.
func Migrate(driver, dsn string) error {
	mg, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}

func driverNames(driver string) (sqlDriver, migrationsDir string, err error) {
	switch driver {
	case DriverSQLite:
		return "sqlite", "sqlite", nil
	case DriverPostgres:
		return "pgx", "postgres", nil
	default:
		return "", "", fmt.Errorf("driver %q has no SQL schema", driver)
	}
}
