// Package mysql provides the MySQL/MariaDB dialect for commit persistence.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es/sqlpersistence"
)

const (
	// erDupEntry is ER_DUP_ENTRY.
	erDupEntry = 1062

	// erLockDeadlock is ER_LOCK_DEADLOCK.
	erLockDeadlock = 1213
)

// Dialect is the MySQL/MariaDB dialect. Identifiers are stored as BINARY(16).
type Dialect struct {
	sqlpersistence.CommonDialect
}

var _ sqlpersistence.Dialect = Dialect{}

// NewDialect creates a MySQL dialect for the given tables.
func NewDialect(tables sqlpersistence.TableConfig) Dialect {
	return Dialect{CommonDialect: sqlpersistence.NewCommonDialect(tables)}
}

// InitializeStorage implements sqlpersistence.Dialect.
// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
func (d Dialect) InitializeStorage() []string {
	c, s := d.Tables.CommitsTable, d.Tables.SnapshotsTable
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id BINARY(16) NOT NULL,
    stream_name VARCHAR(1000) NOT NULL DEFAULT '',
    commit_id BINARY(16) NOT NULL,
    commit_sequence INT NOT NULL,
    stream_revision INT NOT NULL,
    commit_stamp BIGINT NOT NULL,
    dispatched BOOLEAN NOT NULL DEFAULT FALSE,
    headers LONGBLOB,
    payload LONGBLOB NOT NULL,
    PRIMARY KEY (stream_id, commit_sequence),
    UNIQUE KEY ix_%s_commit_id (stream_id, commit_id),
    UNIQUE KEY ix_%s_revisions (stream_id, stream_revision),
    KEY ix_%s_dispatched (dispatched, commit_stamp),
    CHECK (commit_sequence > 0),
    CHECK (stream_revision > 0)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, c, c, c, c),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id BINARY(16) NOT NULL,
    stream_revision INT NOT NULL,
    payload LONGBLOB NOT NULL,
    PRIMARY KEY (stream_id, stream_revision),
    CHECK (stream_revision > 0)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, s),
	}
}

// PersistCommitAttempt implements sqlpersistence.Dialect.
// MySQL requires FROM DUAL for a WHERE clause without tables.
func (d Dialect) PersistCommitAttempt() []string {
	values := strings.Join([]string{
		d.StreamID(), d.StreamName(), d.CommitID(), d.CommitSequence(),
		d.StreamRevision(), d.CommitStamp(), d.Headers(), d.Payload(),
	}, ", ")
	return []string{d.InsertCommitIfAbsent(values, "FROM DUAL")}
}

// PersistTxOptions implements sqlpersistence.Dialect.
// Under REPEATABLE READ the NOT EXISTS guard takes shared next-key locks and
// two writers racing for the same stream deadlock on their inserts. READ
// COMMITTED makes the guard a consistent read, so the loser waits on the
// winner's row lock and fails with ER_DUP_ENTRY instead.
func (Dialect) PersistTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// BindValue implements sqlpersistence.Dialect.
// UUIDs bind as 16 raw bytes to match the BINARY(16) columns.
func (d Dialect) BindValue(name string, value any) (any, error) {
	if id, ok := value.(uuid.UUID); ok {
		b, err := id.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		return b, nil
	}
	return d.CommonDialect.BindValue(name, value)
}

// IsDuplicate implements sqlpersistence.Dialect.
func (Dialect) IsDuplicate(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == erDupEntry
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		sqlpersistence.IsDuplicateMessage(err)
}

// IsWriteConflict implements sqlpersistence.Dialect.
func (Dialect) IsWriteConflict(err error) bool {
	return IsDeadlock(err)
}

// IsDeadlock checks if an error is a MySQL deadlock (1213).
// This is exported for testing purposes.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == erLockDeadlock
	}

	return sqlpersistence.IsWriteConflictMessage(err)
}
