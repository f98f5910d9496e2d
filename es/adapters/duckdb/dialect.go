// Package duckdb provides the DuckDB dialect for commit persistence.
// It is meant for embedded and analytical deployments that replay commits
// into columnar storage.
package duckdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/getpup/pupcommits/es/sqlpersistence"
)

// Dialect is the DuckDB dialect.
type Dialect struct {
	sqlpersistence.CommonDialect
}

var _ sqlpersistence.Dialect = Dialect{}

// NewDialect creates a DuckDB dialect for the given tables.
func NewDialect(tables sqlpersistence.TableConfig) Dialect {
	return Dialect{CommonDialect: sqlpersistence.NewCommonDialect(tables)}
}

// InitializeStorage implements sqlpersistence.Dialect.
// DuckDB rewrites updated rows as delete plus insert, so the dispatched flag
// is left unindexed to keep MarkCommitAsDispatched clear of index conflicts.
func (d Dialect) InitializeStorage() []string {
	c, s := d.Tables.CommitsTable, d.Tables.SnapshotsTable
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id VARCHAR NOT NULL,
    stream_name VARCHAR NOT NULL DEFAULT '',
    commit_id VARCHAR NOT NULL,
    commit_sequence INTEGER NOT NULL CHECK (commit_sequence > 0),
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    commit_stamp BIGINT NOT NULL,
    dispatched BOOLEAN NOT NULL DEFAULT FALSE,
    headers BLOB,
    payload BLOB NOT NULL,
    PRIMARY KEY (stream_id, commit_sequence)
)`, c),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ix_%s_commit_id ON %s (stream_id, commit_id)`, c, c),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ix_%s_revisions ON %s (stream_id, stream_revision)`, c, c),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id VARCHAR NOT NULL,
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    payload BLOB NOT NULL,
    PRIMARY KEY (stream_id, stream_revision)
)`, s),
	}
}

// PersistCommitAttempt implements sqlpersistence.Dialect.
func (d Dialect) PersistCommitAttempt() []string {
	values := strings.Join([]string{
		"CAST(" + d.StreamID() + " AS VARCHAR)",
		"CAST(" + d.StreamName() + " AS VARCHAR)",
		"CAST(" + d.CommitID() + " AS VARCHAR)",
		"CAST(" + d.CommitSequence() + " AS INTEGER)",
		"CAST(" + d.StreamRevision() + " AS INTEGER)",
		"CAST(" + d.CommitStamp() + " AS BIGINT)",
		"CAST(" + d.Headers() + " AS BLOB)",
		"CAST(" + d.Payload() + " AS BLOB)",
	}, ", ")
	return []string{d.InsertCommitIfAbsent(values, "")}
}

// IsDuplicate implements sqlpersistence.Dialect.
func (Dialect) IsDuplicate(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a DuckDB unique constraint violation.
// DuckDB reports CHECK and NOT NULL failures with the same error type, so the
// message is inspected as well.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		if duckErr.Type != duckdb.ErrorTypeConstraint {
			return false
		}
		return isDuplicateKeyMessage(duckErr.Msg)
	}

	return isDuplicateKeyMessage(err.Error())
}

func isDuplicateKeyMessage(msg string) bool {
	upper := strings.ToUpper(msg)
	return strings.Contains(upper, "DUPLICATE KEY") ||
		strings.Contains(upper, "UNIQUE") ||
		strings.Contains(upper, "PRIMARY KEY")
}

// IsWriteConflict implements sqlpersistence.Dialect.
func (Dialect) IsWriteConflict(err error) bool {
	return IsTransactionConflict(err)
}

// IsTransactionConflict checks if an error is a DuckDB transaction conflict,
// raised when concurrent transactions write the same rows or keys. Key
// collisions detected at commit time are reported this way too.
func IsTransactionConflict(err error) bool {
	if err == nil {
		return false
	}

	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		return duckErr.Type == duckdb.ErrorTypeTransaction && isConflictMessage(duckErr.Msg)
	}

	msg := err.Error()
	return sqlpersistence.IsWriteConflictMessage(err) ||
		(strings.HasPrefix(msg, "TransactionContext Error") && isConflictMessage(msg))
}

func isConflictMessage(msg string) bool {
	return strings.Contains(strings.ToUpper(msg), "CONFLICT") || isDuplicateKeyMessage(msg)
}
