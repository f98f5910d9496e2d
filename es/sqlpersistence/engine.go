package sqlpersistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/serialization"
	"github.com/getpup/pupcommits/es/store"
)

// EngineConfig contains configuration for the Engine.
type EngineConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption func(*EngineConfig)

// WithLogger sets a logger for the engine.
func WithLogger(logger es.Logger) EngineOption {
	return func(c *EngineConfig) {
		c.Logger = logger
	}
}

// Engine is the SQL implementation of store.PersistStreams.
//
// Every operation opens its own connection from the factory and releases it
// before returning (or, for sequences, when ranging stops). Modifying
// operations run in a local transaction on that connection; the engine never
// joins a transaction owned by the caller. No locks are held across calls:
// write conflicts are resolved by the database's uniqueness constraints.
type Engine struct {
	factory    ConnectionFactory
	dialect    Dialect
	serializer serialization.Serializer
	config     EngineConfig
}

var _ store.PersistStreams = (*Engine)(nil)

// NewEngine creates an engine. factory, dialect and serializer are shared
// read-only by concurrent callers.
func NewEngine(factory ConnectionFactory, dialect Dialect, serializer serialization.Serializer, opts ...EngineOption) *Engine {
	config := EngineConfig{}
	for _, opt := range opts {
		opt(&config)
	}
	return &Engine{
		factory:    factory,
		dialect:    dialect,
		serializer: serializer,
		config:     config,
	}
}

// Initialize implements store.PersistStreams.
// Each failing DDL statement is logged and skipped. Only a failure to obtain
// a connection is returned.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.execute(ctx, "initialize", uuid.Nil, func(conn Connection, cmd *command) error {
		_, err := cmd.executeAndSuppress(ctx, conn, e.dialect.InitializeStorage(), e.suppressAndLog(ctx, "initialize"))
		return err
	})
}

// GetFrom implements store.PersistStreams.
func (e *Engine) GetFrom(ctx context.Context, streamID uuid.UUID, minRevision int) iter.Seq2[es.Commit, error] {
	return e.fetch(ctx, "get_from", streamID, minRevision, e.dialect.GetCommitsFromStartingRevision())
}

// GetUntil implements store.PersistStreams.
func (e *Engine) GetUntil(ctx context.Context, streamID uuid.UUID, maxRevision int) iter.Seq2[es.Commit, error] {
	return e.fetch(ctx, "get_until", streamID, maxRevision, e.dialect.GetCommitsFromSnapshotUntilRevision())
}

func (e *Engine) fetch(ctx context.Context, op string, streamID uuid.UUID, revision int, statement string) iter.Seq2[es.Commit, error] {
	return querySeq(ctx, e, op, streamID, statement,
		func(cmd *command) {
			cmd.addParameter(e.dialect.StreamID(), streamID)
			cmd.addParameter(e.dialect.StreamRevision(), revision)
		},
		e.scanCommit,
	)
}

// Persist implements store.PersistStreams.
//
// Zero affected rows means a different commit already holds the revision or
// sequence: store.ErrConcurrency. A uniqueness violation or a write conflict
// (deadlock, serialization failure) is disambiguated by looking the commit id
// up after rollback: present means store.ErrDuplicateCommit, absent means the
// attempt lost a race for the revision and store.ErrConcurrency is returned.
// Anything else is a *store.PersistenceError.
//
//nolint:gocritic // hugeParam: attempts are value objects
func (e *Engine) Persist(ctx context.Context, attempt es.CommitAttempt) error {
	return e.execute(ctx, "persist", attempt.StreamID, func(conn Connection, cmd *command) error {
		commit := attempt.ToCommit()

		headers, err := e.serializer.Serialize(commit.Headers)
		if err != nil {
			return fmt.Errorf("serialize headers: %w", err)
		}
		payload, err := e.serializer.Serialize(commit.Events)
		if err != nil {
			return fmt.Errorf("serialize events: %w", err)
		}

		cmd.addParameter(e.dialect.StreamID(), commit.StreamID)
		cmd.addParameter(e.dialect.StreamName(), commit.StreamName)
		cmd.addParameter(e.dialect.CommitID(), commit.CommitID)
		cmd.addParameter(e.dialect.CommitSequence(), commit.CommitSequence)
		cmd.addParameter(e.dialect.StreamRevision(), commit.StreamRevision)
		cmd.addParameter(e.dialect.CommitStamp(), commit.CommitStamp)
		cmd.addParameter(e.dialect.Headers(), headers)
		cmd.addParameter(e.dialect.Payload(), payload)

		err = e.tryPersist(ctx, conn, cmd)
		switch {
		case err == nil:
			if e.config.Logger != nil {
				e.config.Logger.Debug(ctx, "commit persisted",
					"stream_id", commit.StreamID,
					"commit_id", commit.CommitID,
					"commit_sequence", commit.CommitSequence,
					"stream_revision", commit.StreamRevision)
			}
			return nil
		case errors.Is(err, store.ErrConcurrency):
			if e.config.Logger != nil {
				e.config.Logger.Info(ctx, "concurrency conflict",
					"stream_id", commit.StreamID,
					"commit_sequence", commit.CommitSequence,
					"stream_revision", commit.StreamRevision)
			}
			return err
		case e.dialect.IsDuplicate(err):
			return e.resolveCollision(ctx, conn, cmd, &commit, err, store.ErrDuplicateCommit)
		case e.dialect.IsWriteConflict(err):
			return e.resolveCollision(ctx, conn, cmd, &commit, err, store.ErrConcurrency)
		default:
			return err
		}
	})
}

func (e *Engine) tryPersist(ctx context.Context, conn Connection, cmd *command) error {
	return inTx(ctx, conn, e.dialect.PersistTxOptions(), func(tx *sql.Tx) error {
		affected, err := cmd.executeNonQuery(ctx, tx, e.dialect.PersistCommitAttempt())
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrConcurrency
		}
		return nil
	})
}

// resolveCollision decides between store.ErrDuplicateCommit and
// store.ErrConcurrency after the persist transaction was rolled back by a
// uniqueness violation or a write conflict. The commit id is looked up:
// present means the same commit was stored before, absent means another
// commit won the race for the revision. unresolved is reported when the
// lookup itself fails.
func (e *Engine) resolveCollision(ctx context.Context, conn Connection, cmd *command, commit *es.Commit, cause, unresolved error) error {
	row, err := cmd.queryRow(ctx, conn, e.dialect.CommitExists())
	var count int
	if err == nil {
		err = row.Scan(&count)
	}
	if err != nil {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "commit lookup failed after collision",
				"stream_id", commit.StreamID,
				"commit_id", commit.CommitID,
				"reported", unresolved,
				"error", err)
		}
		return fmt.Errorf("%w: %w", unresolved, cause)
	}

	if count > 0 {
		if e.config.Logger != nil {
			e.config.Logger.Info(ctx, "duplicate commit",
				"stream_id", commit.StreamID,
				"commit_id", commit.CommitID)
		}
		return fmt.Errorf("%w: %w", store.ErrDuplicateCommit, cause)
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "concurrency conflict",
			"stream_id", commit.StreamID,
			"commit_sequence", commit.CommitSequence,
			"stream_revision", commit.StreamRevision)
	}
	return fmt.Errorf("%w: stream revision %d already taken: %w", store.ErrConcurrency, commit.StreamRevision, cause)
}

// GetUndispatchedCommits implements store.PersistStreams.
func (e *Engine) GetUndispatchedCommits(ctx context.Context) iter.Seq2[es.Commit, error] {
	return querySeq(ctx, e, "get_undispatched_commits", uuid.Nil, e.dialect.GetUndispatchedCommits(),
		func(*command) {},
		e.scanCommit,
	)
}

// MarkCommitAsDispatched implements store.PersistStreams.
// Failures are logged and swallowed; an absent or already dispatched commit
// simply affects no rows.
//
//nolint:gocritic // hugeParam: commits are value objects
func (e *Engine) MarkCommitAsDispatched(ctx context.Context, commit es.Commit) {
	err := e.execute(ctx, "mark_commit_as_dispatched", commit.StreamID, func(conn Connection, cmd *command) error {
		cmd.addParameter(e.dialect.StreamID(), commit.StreamID)
		cmd.addParameter(e.dialect.CommitSequence(), commit.CommitSequence)
		return inTx(ctx, conn, nil, func(tx *sql.Tx) error {
			_, err := cmd.executeAndSuppress(ctx, tx, []string{e.dialect.MarkCommitAsDispatched()},
				e.suppressAndLog(ctx, "mark_commit_as_dispatched"))
			return err
		})
	})
	if err != nil && e.config.Logger != nil {
		e.config.Logger.Error(ctx, "mark commit as dispatched failed",
			"stream_id", commit.StreamID,
			"commit_sequence", commit.CommitSequence,
			"error", err)
	}
}

// GetStreamsToSnapshot implements store.PersistStreams.
func (e *Engine) GetStreamsToSnapshot(ctx context.Context, maxThreshold int) iter.Seq2[es.StreamToSnapshot, error] {
	return querySeq(ctx, e, "get_streams_to_snapshot", uuid.Nil, e.dialect.GetStreamsRequiringSnapshots(),
		func(cmd *command) {
			cmd.addParameter(e.dialect.Threshold(), maxThreshold)
		},
		scanStreamToSnapshot,
	)
}

// GetSnapshot implements store.PersistStreams.
func (e *Engine) GetSnapshot(ctx context.Context, streamID uuid.UUID, maxRevision int) (es.Snapshot, error) {
	var snapshot es.Snapshot
	err := e.execute(ctx, "get_snapshot", streamID, func(conn Connection, cmd *command) error {
		cmd.addParameter(e.dialect.StreamID(), streamID)
		cmd.addParameter(e.dialect.StreamRevision(), maxRevision)

		row, err := cmd.queryRow(ctx, conn, e.dialect.GetSnapshot())
		if err != nil {
			return err
		}
		var payload []byte
		err = row.Scan(&snapshot.StreamID, &snapshot.StreamRevision, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrSnapshotNotFound
		}
		if err != nil {
			return fmt.Errorf("scan snapshot: %w", err)
		}
		if err := e.serializer.Deserialize(payload, &snapshot.Payload); err != nil {
			return fmt.Errorf("deserialize snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return es.Snapshot{}, err
	}
	return snapshot, nil
}

// AddSnapshot implements store.PersistStreams.
// Snapshots are an optimization, so every failure is logged and swallowed.
func (e *Engine) AddSnapshot(ctx context.Context, streamID uuid.UUID, streamRevision int, payload any) {
	err := e.execute(ctx, "add_snapshot", streamID, func(conn Connection, cmd *command) error {
		data, err := e.serializer.Serialize(payload)
		if err != nil {
			return fmt.Errorf("serialize snapshot: %w", err)
		}
		cmd.addParameter(e.dialect.StreamID(), streamID)
		cmd.addParameter(e.dialect.StreamRevision(), streamRevision)
		cmd.addParameter(e.dialect.Payload(), data)
		return inTx(ctx, conn, nil, func(tx *sql.Tx) error {
			_, err := cmd.executeAndSuppress(ctx, tx, e.dialect.AppendSnapshotToCommit(), e.suppressAndLog(ctx, "add_snapshot"))
			return err
		})
	})
	if err != nil && e.config.Logger != nil {
		e.config.Logger.Error(ctx, "add snapshot failed",
			"stream_id", streamID,
			"stream_revision", streamRevision,
			"error", err)
	}
}

// execute opens a connection for streamID, runs fn and releases the
// connection. Concurrency, duplicate and not-found signals pass through;
// every other failure becomes a *store.PersistenceError.
func (e *Engine) execute(ctx context.Context, op string, streamID uuid.UUID, fn func(conn Connection, cmd *command) error) error {
	conn, err := e.factory.Open(ctx, streamID)
	if err != nil {
		return &store.PersistenceError{Op: op, Err: err}
	}
	defer conn.Close()

	if err := fn(conn, newCommand(e.dialect)); err != nil {
		return translate(op, err)
	}
	return nil
}

func translate(op string, err error) error {
	if errors.Is(err, store.ErrConcurrency) ||
		errors.Is(err, store.ErrDuplicateCommit) ||
		errors.Is(err, store.ErrSnapshotNotFound) {
		return err
	}
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &store.PersistenceError{Op: op, Err: err}
}

func (e *Engine) suppressAndLog(ctx context.Context, op string) SuppressionPolicy {
	return func(statement string, err error) bool {
		if e.config.Logger != nil {
			e.config.Logger.Error(ctx, "statement failed, suppressed",
				"op", op,
				"statement", statement,
				"error", err)
		}
		return true
	}
}

// inTx runs fn in a local transaction on conn. The transaction is rolled
// back on every path that does not commit. A nil opts uses the driver
// defaults.
func inTx(ctx context.Context, conn Connection, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querySeq returns a single-use lazy sequence over the rows of statement.
// The connection is opened when ranging starts and closed when it stops.
func querySeq[T any](
	ctx context.Context,
	e *Engine,
	op string,
	streamID uuid.UUID,
	statement string,
	bind func(*command),
	scan func(rowScanner) (T, error),
) iter.Seq2[T, error] {
	var consumed atomic.Bool
	return func(yield func(T, error) bool) {
		var zero T
		if !consumed.CompareAndSwap(false, true) {
			yield(zero, store.ErrSequenceConsumed)
			return
		}

		conn, err := e.factory.Open(ctx, streamID)
		if err != nil {
			yield(zero, &store.PersistenceError{Op: op, Err: err})
			return
		}
		defer conn.Close()

		cmd := newCommand(e.dialect)
		bind(cmd)
		rows, err := cmd.query(ctx, conn, statement)
		if err != nil {
			yield(zero, &store.PersistenceError{Op: op, Err: err})
			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				yield(zero, &store.PersistenceError{Op: op, Err: err})
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, &store.PersistenceError{Op: op, Err: fmt.Errorf("rows error: %w", err)})
		}
	}
}

func (e *Engine) scanCommit(row rowScanner) (es.Commit, error) {
	var (
		c       es.Commit
		stamp   int64
		headers []byte
		payload []byte
	)
	err := row.Scan(
		&c.StreamID,
		&c.StreamName,
		&c.CommitID,
		&c.CommitSequence,
		&c.StreamRevision,
		&stamp,
		&headers,
		&payload,
	)
	if err != nil {
		return es.Commit{}, fmt.Errorf("scan commit: %w", err)
	}
	c.CommitStamp = time.Unix(0, stamp).UTC()

	if len(headers) > 0 {
		if err := e.serializer.Deserialize(headers, &c.Headers); err != nil {
			return es.Commit{}, fmt.Errorf("deserialize headers: %w", err)
		}
	}
	if err := e.serializer.Deserialize(payload, &c.Events); err != nil {
		return es.Commit{}, fmt.Errorf("deserialize events: %w", err)
	}
	return c, nil
}

func scanStreamToSnapshot(row rowScanner) (es.StreamToSnapshot, error) {
	var s es.StreamToSnapshot
	if err := row.Scan(&s.StreamID, &s.StreamRevision); err != nil {
		return es.StreamToSnapshot{}, fmt.Errorf("scan stream to snapshot: %w", err)
	}
	return s, nil
}
