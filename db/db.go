// Package db opens the seahub, seafile and ccnet databases.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/option"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Handles groups the three databases used by seafevents.
// With a single SQLite file all three point to the same *sqlx.DB.
type Handles struct {
	Seahub  *sqlx.DB
	Seafile *sqlx.DB
	Ccnet   *sqlx.DB
}

// Close closes every distinct handle once.
func (h *Handles) Close() error {
	var firstErr error
	closed := make(map[*sqlx.DB]bool)
	for _, d := range []*sqlx.DB{h.Seahub, h.Seafile, h.Ccnet} {
		if d == nil || closed[d] {
			continue
		}
		closed[d] = true
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenAll opens the databases described by option.
func OpenAll() (*Handles, error) {
	handles := new(Handles)
	opened := make(map[string]*sqlx.DB)
	open := func(opts option.DBOptions) (*sqlx.DB, error) {
		driver, dsn, err := DSN(opts)
		if err != nil {
			return nil, err
		}
		if d, ok := opened[dsn]; ok {
			return d, nil
		}
		d, err := Open(opts)
		if err != nil {
			return nil, err
		}
		opened[dsn] = d
		log.Debugf("Opened %s database %s", driver, opts.Name)
		return d, nil
	}

	var err error
	if handles.Seahub, err = open(option.SeahubDB); err != nil {
		return nil, fmt.Errorf("failed to open seahub database: %w", err)
	}
	if handles.Seafile, err = open(option.SeafileDB); err != nil {
		handles.Close()
		return nil, fmt.Errorf("failed to open seafile database: %w", err)
	}
	if handles.Ccnet, err = open(option.CcnetDB); err != nil {
		handles.Close()
		return nil, fmt.Errorf("failed to open ccnet database: %w", err)
	}

	return handles, nil
}

// DSN returns the driver name and data source name for opts.
func DSN(opts option.DBOptions) (string, string, error) {
	switch strings.ToLower(opts.Type) {
	case "mysql":
		var dsn string
		if opts.UnixSocket == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?tls=%t&parseTime=true&loc=UTC&charset=%s",
				opts.User, opts.Password, opts.Host, opts.Port, opts.Name, opts.UseTLS, opts.Charset)
		} else {
			dsn = fmt.Sprintf("%s:%s@unix(%s)/%s?parseTime=true&loc=UTC&charset=%s",
				opts.User, opts.Password, opts.UnixSocket, opts.Name, opts.Charset)
		}
		return "mysql", dsn, nil
	case "sqlite":
		if opts.Path == "" {
			return "", "", fmt.Errorf("no path for sqlite database")
		}
		return "sqlite3", opts.Path + "?_busy_timeout=5000&_loc=UTC", nil
	}
	return "", "", fmt.Errorf("unsupported database %s", opts.Type)
}

// Open opens one database. SQLite databases are migrated to the embedded schema.
func Open(opts option.DBOptions) (*sqlx.DB, error) {
	driver, dsn, err := DSN(opts)
	if err != nil {
		return nil, err
	}
	d, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		if err := MigrateUp(d.DB); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// OpenSQLite opens and migrates a SQLite database file.
func OpenSQLite(path string) (*sqlx.DB, error) {
	return Open(option.DBOptions{Type: "sqlite", Path: path})
}

// MigrateUp creates or upgrades the SQLite schema.
func MigrateUp(d *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(d, &sqlite3.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close d.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// IsSQLite reports whether d uses the sqlite3 driver.
func IsSQLite(d *sqlx.DB) bool {
	return d.DriverName() == "sqlite3"
}

// LikeEscape is the ESCAPE clause matching EscapeLike. '!' reads the same in
// MySQL and SQLite string literals.
const LikeEscape = "ESCAPE '!'"

// EscapeLike escapes s for use in a LIKE pattern followed by LikeEscape.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return r.Replace(s)
}
