// Package sqlite provides the SQLite dialect for commit persistence.
package sqlite

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupcommits/es/sqlpersistence"
)

// Dialect is the SQLite dialect. SQLite understands the common statements,
// so only the DDL and duplicate detection are specific.
type Dialect struct {
	sqlpersistence.CommonDialect
}

var _ sqlpersistence.Dialect = Dialect{}

// NewDialect creates a SQLite dialect for the given tables.
func NewDialect(tables sqlpersistence.TableConfig) Dialect {
	return Dialect{CommonDialect: sqlpersistence.NewCommonDialect(tables)}
}

// InitializeStorage implements sqlpersistence.Dialect.
func (d Dialect) InitializeStorage() []string {
	c, s := d.Tables.CommitsTable, d.Tables.SnapshotsTable
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + c + ` (
    stream_id TEXT NOT NULL,
    stream_name TEXT NOT NULL DEFAULT '',
    commit_id TEXT NOT NULL,
    commit_sequence INTEGER NOT NULL CHECK (commit_sequence > 0),
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    commit_stamp INTEGER NOT NULL,
    dispatched INTEGER NOT NULL DEFAULT 0,
    headers BLOB,
    payload BLOB NOT NULL,
    PRIMARY KEY (stream_id, commit_sequence)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_` + c + `_commit_id ON ` + c + ` (stream_id, commit_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_` + c + `_revisions ON ` + c + ` (stream_id, stream_revision)`,
		`CREATE INDEX IF NOT EXISTS ix_` + c + `_dispatched ON ` + c + ` (dispatched, commit_stamp)`,
		`CREATE TABLE IF NOT EXISTS ` + s + ` (
    stream_id TEXT NOT NULL,
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    payload BLOB NOT NULL,
    PRIMARY KEY (stream_id, stream_revision)
)`,
	}
}

// IsDuplicate implements sqlpersistence.Dialect.
func (Dialect) IsDuplicate(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// primary code only, when extended result codes are off
			return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
		default:
			return false
		}
	}

	// Fallback: other drivers and wrapped messages
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		sqlpersistence.IsDuplicateMessage(err)
}
