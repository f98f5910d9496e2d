// Package config loads pupcommits runtime configuration from the environment
// and turns it into a database, dialect, serializer and engine.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	// database/sql drivers selectable through PUPCOMMITS_DRIVER
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/caarlos0/env/v11"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/adapters/duckdb"
	"github.com/getpup/pupcommits/es/adapters/mysql"
	"github.com/getpup/pupcommits/es/adapters/postgres"
	"github.com/getpup/pupcommits/es/adapters/sqlite"
	"github.com/getpup/pupcommits/es/serialization"
	"github.com/getpup/pupcommits/es/sqlpersistence"
)

// ErrUnsupportedDriver is returned for a driver name without a dialect.
var ErrUnsupportedDriver = errors.New("unsupported driver")

// ErrMissingDSN is returned when no data source name is configured.
var ErrMissingDSN = errors.New("PUPCOMMITS_DSN is required")

// Config is the environment configuration of the pupcommits command.
type Config struct {
	Driver         string        `env:"PUPCOMMITS_DRIVER" envDefault:"sqlite"`
	DSN            string        `env:"PUPCOMMITS_DSN"`
	CommitsTable   string        `env:"PUPCOMMITS_COMMITS_TABLE" envDefault:"commits"`
	SnapshotsTable string        `env:"PUPCOMMITS_SNAPSHOTS_TABLE" envDefault:"snapshots"`
	Serializer     string        `env:"PUPCOMMITS_SERIALIZER" envDefault:"json"`
	LogLevel       string        `env:"PUPCOMMITS_LOG_LEVEL" envDefault:"info"`
	ConnectTimeout time.Duration `env:"PUPCOMMITS_CONNECT_TIMEOUT" envDefault:"10s"`
}

// Load reads Config from the environment. The driver name is normalized to
// lower case.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	return cfg, nil
}

// Tables returns the configured table names.
func (c Config) Tables() sqlpersistence.TableConfig {
	return sqlpersistence.NewTableConfig(
		sqlpersistence.WithCommitsTable(c.CommitsTable),
		sqlpersistence.WithSnapshotsTable(c.SnapshotsTable),
	)
}

// Dialect resolves the dialect for the configured driver.
func (c Config) Dialect() (sqlpersistence.Dialect, error) {
	return DialectFor(c.Driver, c.Tables())
}

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string, tables sqlpersistence.TableConfig) (sqlpersistence.Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return postgres.NewDialect(tables), nil
	case "mysql":
		return mysql.NewDialect(tables), nil
	case "sqlite":
		return sqlite.NewDialect(tables), nil
	case "duckdb":
		return duckdb.NewDialect(tables), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: postgres, pgx, mysql, sqlite, duckdb)", ErrUnsupportedDriver, driver)
	}
}

// Open opens and pings the configured database.
func (c Config) Open(ctx context.Context) (*sql.DB, error) {
	if c.DSN == "" {
		return nil, ErrMissingDSN
	}
	if _, err := c.Dialect(); err != nil {
		return nil, err
	}

	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", c.Driver, err)
	}
	return db, nil
}

// NewSerializer returns the configured serializer.
func (c Config) NewSerializer() (serialization.Serializer, error) {
	return serialization.ForName(c.Serializer)
}

// Logger returns an es.Logger writing text records to stderr at the
// configured level.
func (c Config) Logger() (es.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return es.NewSlogLogger(slog.New(handler)), nil
}

// NewEngine builds a persistence engine over db from the configuration.
func (c Config) NewEngine(db *sql.DB, logger es.Logger) (*sqlpersistence.Engine, error) {
	dialect, err := c.Dialect()
	if err != nil {
		return nil, err
	}
	serializer, err := c.NewSerializer()
	if err != nil {
		return nil, err
	}
	return sqlpersistence.NewEngine(
		sqlpersistence.NewDBConnectionFactory(db),
		dialect,
		serializer,
		sqlpersistence.WithLogger(logger),
	), nil
}
