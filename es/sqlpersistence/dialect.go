// Package sqlpersistence persists commit streams to SQL databases.
//
// Engine-specific details (DDL, statement text, placeholder syntax, value
// coercion, duplicate-key detection) live behind the Dialect interface.
// CommonDialect supplies defaults that engine adapters embed and selectively
// override. Engine orchestrates connections, binding, optimistic-concurrency
// resolution and error translation on top of a Dialect.
package sqlpersistence

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect isolates every database-engine-specific detail.
// Implementations must be stateless and safe for concurrent use.
type Dialect interface {
	// InitializeStorage returns the DDL statements creating the schema.
	// Re-running them against an existing schema may fail; the engine
	// suppresses those failures.
	InitializeStorage() []string

	// PersistCommitAttempt returns statements inserting exactly one commit row.
	// A different commit holding the same sequence or revision must result
	// in zero affected rows. Re-inserting the same commit id must raise a
	// uniqueness violation.
	PersistCommitAttempt() []string

	// PersistTxOptions returns the options for the transaction running
	// PersistCommitAttempt, or nil for the driver defaults. The insert guard
	// must not take locks that let two racing writers deadlock.
	PersistTxOptions() *sql.TxOptions

	// CommitExists returns a query counting rows for (stream id, commit id).
	CommitExists() string

	GetCommitsFromStartingRevision() string
	GetCommitsFromSnapshotUntilRevision() string
	GetUndispatchedCommits() string

	// MarkCommitAsDispatched must affect zero or one rows and never fail
	// because the commit is already dispatched or absent.
	MarkCommitAsDispatched() string

	GetStreamsRequiringSnapshots() string
	AppendSnapshotToCommit() []string
	GetSnapshot() string

	// Parameter tokens. The semantic slot is fixed; the spelling is not.
	StreamID() string
	StreamName() string
	CommitID() string
	CommitSequence() string
	StreamRevision() string
	CommitStamp() string
	Headers() string
	Payload() string
	Threshold() string

	// Placeholder returns the driver's positional marker for the
	// 1-based parameter position.
	Placeholder(position int) string

	// BindValue coerces a value for the driver before it is bound to the
	// parameter named name.
	BindValue(name string, value any) (any, error)

	// IsDuplicate reports whether err is a uniqueness-constraint violation.
	IsDuplicate(err error) bool

	// IsWriteConflict reports whether err aborted the transaction because
	// it raced another writer (deadlock, serialization or write-write
	// conflict).
	IsWriteConflict(err error) bool
}

// TableConfig names the tables used by a dialect.
// Configuration is immutable after construction.
type TableConfig struct {
	// CommitsTable is the name of the commits table
	CommitsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string
}

// DefaultTableConfig returns the default table names.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		CommitsTable:   "commits",
		SnapshotsTable: "snapshots",
	}
}

// TableOption is a functional option for configuring a TableConfig.
type TableOption func(*TableConfig)

// WithCommitsTable sets a custom commits table name.
func WithCommitsTable(tableName string) TableOption {
	return func(c *TableConfig) {
		c.CommitsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) TableOption {
	return func(c *TableConfig) {
		c.SnapshotsTable = tableName
	}
}

// NewTableConfig starts from DefaultTableConfig and applies opts.
func NewTableConfig(opts ...TableOption) TableConfig {
	config := DefaultTableConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// commitColumns is the column list every commit query selects, in scan order.
const commitColumns = `stream_id, stream_name, commit_id, commit_sequence, stream_revision, commit_stamp, headers, payload`

// CommonDialect provides the default statements, parameter tokens, binder and
// duplicate detection. Engine adapters embed it and override what differs.
type CommonDialect struct {
	Tables TableConfig
}

// NewCommonDialect creates a CommonDialect for the given tables.
func NewCommonDialect(tables TableConfig) CommonDialect {
	return CommonDialect{Tables: tables}
}

// InitializeStorage implements Dialect with portable DDL.
func (d CommonDialect) InitializeStorage() []string {
	c, s := d.Tables.CommitsTable, d.Tables.SnapshotsTable
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id CHAR(36) NOT NULL,
    stream_name VARCHAR(1000) NOT NULL DEFAULT '',
    commit_id CHAR(36) NOT NULL,
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
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_dispatched ON %s (dispatched, commit_stamp)`, c, c),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id CHAR(36) NOT NULL,
    stream_revision INTEGER NOT NULL CHECK (stream_revision > 0),
    payload BLOB NOT NULL,
    PRIMARY KEY (stream_id, stream_revision)
)`, s),
	}
}

// PersistCommitAttempt implements Dialect.
func (d CommonDialect) PersistCommitAttempt() []string {
	values := strings.Join([]string{
		d.StreamID(), d.StreamName(), d.CommitID(), d.CommitSequence(),
		d.StreamRevision(), d.CommitStamp(), d.Headers(), d.Payload(),
	}, ", ")
	return []string{d.InsertCommitIfAbsent(values, "")}
}

// PersistTxOptions implements Dialect with the driver defaults.
func (CommonDialect) PersistTxOptions() *sql.TxOptions { return nil }

// InsertCommitIfAbsent builds the insert-if-absent commit statement from a
// select list and an optional FROM clause (e.g. "FROM DUAL"). The row is
// skipped when a different commit already holds the sequence or revision.
func (d CommonDialect) InsertCommitIfAbsent(selectList, from string) string {
	c := d.Tables.CommitsTable
	if from != "" {
		from = " " + from
	}
	return fmt.Sprintf(`INSERT INTO %s (stream_id, stream_name, commit_id, commit_sequence, stream_revision, commit_stamp, headers, payload)
SELECT %s%s
WHERE NOT EXISTS (
    SELECT 1 FROM %s
    WHERE stream_id = %s AND commit_id <> %s
    AND (commit_sequence = %s OR stream_revision = %s)
)`, c, selectList, from, c, d.StreamID(), d.CommitID(), d.CommitSequence(), d.StreamRevision())
}

// CommitExists implements Dialect.
func (d CommonDialect) CommitExists() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE stream_id = %s AND commit_id = %s`,
		d.Tables.CommitsTable, d.StreamID(), d.CommitID())
}

// GetCommitsFromStartingRevision implements Dialect.
func (d CommonDialect) GetCommitsFromStartingRevision() string {
	return fmt.Sprintf(`SELECT %s
FROM %s
WHERE stream_id = %s AND stream_revision >= %s
ORDER BY stream_revision ASC`, commitColumns, d.Tables.CommitsTable, d.StreamID(), d.StreamRevision())
}

// GetCommitsFromSnapshotUntilRevision implements Dialect.
// Commits at or below the newest snapshot that is itself at or below the
// requested revision are skipped.
func (d CommonDialect) GetCommitsFromSnapshotUntilRevision() string {
	return fmt.Sprintf(`SELECT %s
FROM %s
WHERE stream_id = %s AND stream_revision <= %s
AND stream_revision > COALESCE((
    SELECT MAX(stream_revision) FROM %s
    WHERE stream_id = %s AND stream_revision <= %s
), 0)
ORDER BY stream_revision ASC`, commitColumns, d.Tables.CommitsTable, d.StreamID(), d.StreamRevision(),
		d.Tables.SnapshotsTable, d.StreamID(), d.StreamRevision())
}

// GetUndispatchedCommits implements Dialect.
func (d CommonDialect) GetUndispatchedCommits() string {
	return fmt.Sprintf(`SELECT %s
FROM %s
WHERE dispatched = FALSE
ORDER BY commit_stamp ASC, stream_id ASC, commit_sequence ASC`, commitColumns, d.Tables.CommitsTable)
}

// MarkCommitAsDispatched implements Dialect.
func (d CommonDialect) MarkCommitAsDispatched() string {
	return fmt.Sprintf(`UPDATE %s SET dispatched = TRUE WHERE stream_id = %s AND commit_sequence = %s`,
		d.Tables.CommitsTable, d.StreamID(), d.CommitSequence())
}

// GetStreamsRequiringSnapshots implements Dialect.
func (d CommonDialect) GetStreamsRequiringSnapshots() string {
	return fmt.Sprintf(`SELECT c.stream_id, MAX(c.stream_revision)
FROM %s c
LEFT OUTER JOIN (
    SELECT stream_id, MAX(stream_revision) AS stream_revision
    FROM %s
    GROUP BY stream_id
) s ON s.stream_id = c.stream_id
GROUP BY c.stream_id, s.stream_revision
HAVING MAX(c.stream_revision) - COALESCE(s.stream_revision, 0) > %s
ORDER BY c.stream_id ASC`, d.Tables.CommitsTable, d.Tables.SnapshotsTable, d.Threshold())
}

// AppendSnapshotToCommit implements Dialect.
func (d CommonDialect) AppendSnapshotToCommit() []string {
	return []string{fmt.Sprintf(`INSERT INTO %s (stream_id, stream_revision, payload) VALUES (%s, %s, %s)`,
		d.Tables.SnapshotsTable, d.StreamID(), d.StreamRevision(), d.Payload())}
}

// GetSnapshot implements Dialect.
func (d CommonDialect) GetSnapshot() string {
	return fmt.Sprintf(`SELECT stream_id, stream_revision, payload
FROM %s
WHERE stream_id = %s AND stream_revision <= %s
ORDER BY stream_revision DESC
LIMIT 1`, d.Tables.SnapshotsTable, d.StreamID(), d.StreamRevision())
}

// StreamID implements Dialect.
func (CommonDialect) StreamID() string { return "@StreamId" }

// StreamName implements Dialect.
func (CommonDialect) StreamName() string { return "@StreamName" }

// CommitID implements Dialect.
func (CommonDialect) CommitID() string { return "@CommitId" }

// CommitSequence implements Dialect.
func (CommonDialect) CommitSequence() string { return "@CommitSequence" }

// StreamRevision implements Dialect.
func (CommonDialect) StreamRevision() string { return "@StreamRevision" }

// CommitStamp implements Dialect.
func (CommonDialect) CommitStamp() string { return "@CommitStamp" }

// Headers implements Dialect.
func (CommonDialect) Headers() string { return "@Headers" }

// Payload implements Dialect.
func (CommonDialect) Payload() string { return "@Payload" }

// Threshold implements Dialect.
func (CommonDialect) Threshold() string { return "@Threshold" }

// Placeholder implements Dialect with "?" markers.
func (CommonDialect) Placeholder(int) string { return "?" }

// BindValue implements Dialect. UUIDs bind as their canonical string and
// times as unix nanoseconds.
func (CommonDialect) BindValue(_ string, value any) (any, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v.String(), nil
	case time.Time:
		return v.UnixNano(), nil
	default:
		return value, nil
	}
}

// IsDuplicate implements Dialect by message inspection only.
// Adapters should check structured driver error codes first.
func (CommonDialect) IsDuplicate(err error) bool {
	return IsDuplicateMessage(err)
}

// IsDuplicateMessage reports whether err's message contains "DUPLICATE" or
// "UNIQUE", ignoring case. This is a fallback heuristic: driver messages are
// localized and vary between versions.
func IsDuplicateMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "DUPLICATE") || strings.Contains(msg, "UNIQUE")
}

// IsWriteConflict implements Dialect by message inspection only.
func (CommonDialect) IsWriteConflict(err error) bool {
	return IsWriteConflictMessage(err)
}

// IsWriteConflictMessage reports whether err's message names a deadlock, a
// serialization failure or a write-write conflict, ignoring case.
func IsWriteConflictMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "DEADLOCK") ||
		strings.Contains(msg, "COULD NOT SERIALIZE") ||
		strings.Contains(msg, "WRITE-WRITE CONFLICT")
}

// DollarPlaceholder renders PostgreSQL-style "$n" markers.
func DollarPlaceholder(position int) string {
	return "$" + strconv.Itoa(position)
}
