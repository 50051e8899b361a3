package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// RunMigrations applies the embedded Postgres migrations.
func RunMigrations(config Config) error {
	return runMigrations("migrations/postgres", config.MigrationURL())
}

// RunSQLiteMigrations applies the embedded SQLite migrations to the database file at path.
func RunSQLiteMigrations(path string) error {
	return runMigrations("migrations/sqlite", "sqlite3://"+path)
}

// MigrationURL renders the connection as a golang-migrate pgx/v5 URL.
func (c Config) MigrationURL() string {
	if c.URL != "" {
		for _, scheme := range []string{"postgresql://", "postgres://"} {
			if strings.HasPrefix(c.URL, scheme) {
				return "pgx5://" + strings.TrimPrefix(c.URL, scheme)
			}
		}
		return c.URL
	}
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func runMigrations(dir, databaseURL string) error {
	sub, err := fs.Sub(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Debug("migrations applied", "dir", dir, "version", version, "dirty", dirty)
	return nil
}
