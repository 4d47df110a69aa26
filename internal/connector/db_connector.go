package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vitebski/survey-loader/internal/sqlbuilder"
)

// Config holds destination connection parameters
type Config struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Database string
	DSN      string
}

// Queryer is satisfied by both *sql.DB and *sql.Tx
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DatabaseConnector handles the destination connection and query execution
type DatabaseConnector struct {
	Dialect  sqlbuilder.Dialect
	Host     string
	User     string
	Password string
	Database string
	Port     string
	DSN      string
	DB       *sql.DB
	Logger   *logrus.Logger
}

// NewDatabaseConnector creates a new database connector. Empty fields fall
// back to DEST_* environment variables.
func NewDatabaseConnector(cfg Config, logger *logrus.Logger) (*DatabaseConnector, error) {
	if cfg.Driver == "" {
		cfg.Driver = getEnvOrDefault("DEST_DRIVER", "mysql")
	}
	dialect, err := sqlbuilder.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = getEnvOrDefault("DEST_HOST", "localhost")
	}
	if cfg.User == "" {
		cfg.User = getEnvOrDefault("DEST_USER", "root")
	}
	if cfg.Password == "" {
		cfg.Password = getEnvOrDefault("DEST_PASSWORD", "")
	}
	if cfg.Database == "" {
		cfg.Database = getEnvOrDefault("DEST_DATABASE", "")
	}
	if cfg.Port == "" {
		cfg.Port = getEnvOrDefault("DEST_PORT", defaultPort(dialect))
	}
	if cfg.DSN == "" {
		cfg.DSN = getEnvOrDefault("DEST_DSN", "")
	}

	return &DatabaseConnector{
		Dialect:  dialect,
		Host:     cfg.Host,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Port:     cfg.Port,
		DSN:      cfg.DSN,
		Logger:   logger,
	}, nil
}

// NewFromDB wraps an already open handle
func NewFromDB(db *sql.DB, dialect sqlbuilder.Dialect, database string, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{Dialect: dialect, Database: database, DB: db, Logger: logger}
}

func defaultPort(d sqlbuilder.Dialect) string {
	switch d {
	case sqlbuilder.Postgres:
		return "5432"
	case sqlbuilder.SQLite:
		return ""
	}
	return "3306"
}

// driverName returns the database/sql driver and data source name
func (dc *DatabaseConnector) driverName() (string, string) {
	switch dc.Dialect {
	case sqlbuilder.Postgres:
		if dc.DSN != "" {
			return "pgx", dc.DSN
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dc.User, dc.Password),
			Host:     dc.Host + ":" + dc.Port,
			Path:     "/" + dc.Database,
			RawQuery: "sslmode=disable",
		}
		return "pgx", u.String()
	case sqlbuilder.SQLite:
		if dc.DSN != "" {
			return "sqlite", dc.DSN
		}
		return "sqlite", dc.Database + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	if dc.DSN != "" {
		return "mysql", dc.DSN
	}
	return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", dc.User, dc.Password, dc.Host, dc.Port, dc.Database)
}

// Connect establishes a connection to the destination database
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.Database == "" && dc.DSN == "" {
		return fmt.Errorf("database name must be provided either as an argument or as DEST_DATABASE environment variable")
	}

	driver, dsn := dc.driverName()
	db, err := sql.Open(driver, dsn)
	if err != nil {
		dc.Logger.Errorf("Error connecting to %s database: %v", dc.Dialect, err)
		return err
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		dc.Logger.Errorf("Error pinging %s database: %v", dc.Dialect, err)
		db.Close()
		return err
	}

	dc.DB = db
	dc.Logger.Infof("Connected to %s database: %s", dc.Dialect, dc.Database)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB != nil {
		err := dc.DB.Close()
		if err != nil {
			dc.Logger.Errorf("Error closing database connection: %v", err)
		} else {
			dc.Logger.Infof("%s connection closed", dc.Dialect)
		}
		dc.DB = nil
	}
}

func (dc *DatabaseConnector) ensure(ctx context.Context) error {
	if dc.DB == nil {
		return dc.Connect(ctx)
	}
	return nil
}

// ExecuteQuery executes a SQL query and returns the results
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...any) ([]map[string]any, error) {
	if err := dc.ensure(ctx); err != nil {
		return nil, err
	}
	results, err := QueryMaps(ctx, dc.DB, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing query: %v", err)
		return nil, err
	}
	return results, nil
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...any) (int64, error) {
	if err := dc.ensure(ctx); err != nil {
		return 0, err
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing statement: %v", err)
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}

	return affected, nil
}

// BeginTx starts a transaction on the destination
func (dc *DatabaseConnector) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if err := dc.ensure(ctx); err != nil {
		return nil, err
	}
	tx, err := dc.DB.BeginTx(ctx, nil)
	if err != nil {
		dc.Logger.Errorf("Error starting transaction: %v", err)
		return nil, err
	}
	return tx, nil
}

// SQLDialect returns the connector's dialect
func (dc *DatabaseConnector) SQLDialect() sqlbuilder.Dialect {
	return dc.Dialect
}

// DatabaseName returns the schema name used for introspection
func (dc *DatabaseConnector) DatabaseName() string {
	return dc.Database
}

// QueryMaps runs a query and returns each row as a column name to value map.
// []byte values are converted to strings.
func QueryMaps(ctx context.Context, q Queryer, query string, params ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// IsUniqueViolation reports whether err is a unique or primary key violation
// raised by any of the supported drivers
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// primary result code only, when extended codes are off
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	return false
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer value from an environment variable
func GetEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// ToString renders a scanned column value as text
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

// ToInt64 converts a scanned column value to int64
func ToInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float64:
		return int64(t), nil
	}
	return strconv.ParseInt(ToString(v), 10, 64)
}
