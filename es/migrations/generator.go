// Package migrations renders the commit storage schema to SQL migration files.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getpup/pupcommits/es/adapters/duckdb"
	"github.com/getpup/pupcommits/es/adapters/mysql"
	"github.com/getpup/pupcommits/es/adapters/postgres"
	"github.com/getpup/pupcommits/es/adapters/sqlite"
	"github.com/getpup/pupcommits/es/sqlpersistence"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// CommitsTable is the name of the commits table
	CommitsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	tables := sqlpersistence.DefaultTableConfig()
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_commits.sql", timestamp),
		CommitsTable:   tables.CommitsTable,
		SnapshotsTable: tables.SnapshotsTable,
	}
}

// Tables returns the table names of config.
func (c *Config) Tables() sqlpersistence.TableConfig {
	return sqlpersistence.NewTableConfig(
		sqlpersistence.WithCommitsTable(c.CommitsTable),
		sqlpersistence.WithSnapshotsTable(c.SnapshotsTable),
	)
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(postgres.NewDialect(config.Tables()), "PostgreSQL", config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(mysql.NewDialect(config.Tables()), "MySQL/MariaDB", config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(sqlite.NewDialect(config.Tables()), "SQLite", config)
}

// GenerateDuckDB generates a DuckDB migration file.
func GenerateDuckDB(config *Config) error {
	return Generate(duckdb.NewDialect(config.Tables()), "DuckDB", config)
}

// Generate writes the storage DDL of dialect to the configured file.
func Generate(dialect sqlpersistence.Dialect, engine string, config *Config) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	sql := Render(dialect, engine)

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// Render returns the storage DDL of dialect as a single SQL script.
func Render(dialect sqlpersistence.Dialect, engine string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Commit Storage Migration (%s)\n", engine)
	fmt.Fprintf(&b, "-- Generated: %s\n", time.Now().Format(time.RFC3339))
	b.WriteString("--\n")
	b.WriteString("-- Commits are append-only. (stream_id, commit_sequence), (stream_id, commit_id)\n")
	b.WriteString("-- and (stream_id, stream_revision) are unique; the engine relies on them for\n")
	b.WriteString("-- optimistic concurrency. Headers and payload hold serializer output.\n")
	for _, statement := range dialect.InitializeStorage() {
		b.WriteString("\n")
		b.WriteString(statement)
		b.WriteString(";\n")
	}
	return b.String()
}
