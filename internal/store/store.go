// Package store is the SQLite control store: form groups, forms, raw
// submissions, mapping definitions and the processing error log.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/internal/connector"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists control data in a SQLite database
type Store struct {
	conn   *connector.DatabaseConnector
	db     *sql.DB
	logger *logrus.Logger
}

// Open migrates the database at path to the latest schema and opens it
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Store, error) {
	if err := Migrate(ctx, path, logger); err != nil {
		return nil, err
	}
	conn, err := open(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{conn: conn, db: conn.DB, logger: logger}, nil
}

func open(ctx context.Context, path string, logger *logrus.Logger) (*connector.DatabaseConnector, error) {
	conn, err := connector.NewDatabaseConnector(connector.Config{
		Driver:   "sqlite",
		Database: path,
		DSN:      path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return conn, nil
}

// Migrate applies pending migrations. It is safe to call repeatedly.
func Migrate(ctx context.Context, path string, logger *logrus.Logger) error {
	conn, err := open(ctx, path, logger)
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	driver, err := sqlite.WithInstance(conn.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warnf("Failed to close migration source: %v", srcErr)
		}
		if dbErr != nil {
			logger.Warnf("Failed to close migration database: %v", dbErr)
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("No migrations to apply (store up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, _, _ := m.Version()
	logger.Infof("Applied store migrations, version %d", version)
	return nil
}

// Close closes the store
func (s *Store) Close() {
	s.conn.Disconnect()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// placeholders returns n comma separated bind markers
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
