// Package postgres provides the PostgreSQL dialect for commit persistence.
// Errors from both github.com/lib/pq and github.com/jackc/pgx/v5 are classified.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/getpup/pupcommits/es/sqlpersistence"
)

// SQLSTATE codes.
const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// Dialect is the PostgreSQL dialect.
type Dialect struct {
	sqlpersistence.CommonDialect
}

var _ sqlpersistence.Dialect = Dialect{}

// NewDialect creates a PostgreSQL dialect for the given tables.
func NewDialect(tables sqlpersistence.TableConfig) Dialect {
	return Dialect{CommonDialect: sqlpersistence.NewCommonDialect(tables)}
}

// InitializeStorage implements sqlpersistence.Dialect.
func (d Dialect) InitializeStorage() []string {
	c, s := d.Tables.CommitsTable, d.Tables.SnapshotsTable
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id UUID NOT NULL,
    stream_name TEXT NOT NULL DEFAULT '',
    commit_id UUID NOT NULL,
    commit_sequence INTEGER NOT NULL CHECK (commit_sequence > 0),
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    commit_stamp BIGINT NOT NULL,
    dispatched BOOLEAN NOT NULL DEFAULT FALSE,
    headers BYTEA,
    payload BYTEA NOT NULL,
    PRIMARY KEY (stream_id, commit_sequence)
)`, c),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ix_%s_commit_id ON %s (stream_id, commit_id)`, c, c),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ix_%s_revisions ON %s (stream_id, stream_revision)`, c, c),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_undispatched ON %s (commit_stamp) WHERE dispatched = FALSE`, c, c),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id UUID NOT NULL,
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    payload BYTEA NOT NULL,
    PRIMARY KEY (stream_id, stream_revision)
)`, s),
	}
}

// PersistCommitAttempt implements sqlpersistence.Dialect.
// Parameters in a SELECT list carry no type, so each one is cast to its column type.
func (d Dialect) PersistCommitAttempt() []string {
	values := strings.Join([]string{
		"CAST(" + d.StreamID() + " AS UUID)",
		"CAST(" + d.StreamName() + " AS TEXT)",
		"CAST(" + d.CommitID() + " AS UUID)",
		"CAST(" + d.CommitSequence() + " AS INTEGER)",
		"CAST(" + d.StreamRevision() + " AS INTEGER)",
		"CAST(" + d.CommitStamp() + " AS BIGINT)",
		"CAST(" + d.Headers() + " AS BYTEA)",
		"CAST(" + d.Payload() + " AS BYTEA)",
	}, ", ")
	return []string{d.InsertCommitIfAbsent(values, "")}
}

// Placeholder implements sqlpersistence.Dialect with "$n" markers.
func (Dialect) Placeholder(position int) string {
	return sqlpersistence.DollarPlaceholder(position)
}

// IsDuplicate implements sqlpersistence.Dialect.
func (Dialect) IsDuplicate(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// lib/pq
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	// pgx
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint") ||
		sqlpersistence.IsDuplicateMessage(err)
}

// IsWriteConflict implements sqlpersistence.Dialect.
func (Dialect) IsWriteConflict(err error) bool {
	return IsSerializationFailure(err)
}

// IsSerializationFailure checks if an error is a PostgreSQL serialization
// failure or deadlock. This is exported for testing purposes.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == serializationFailure || code == deadlockDetected
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}

	return sqlpersistence.IsWriteConflictMessage(err)
}
