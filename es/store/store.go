// Package store provides the commit persistence contract and its error taxonomy.
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
)

var (
	// ErrConcurrency indicates another writer already claimed the stream
	// revision or commit sequence of the attempt. The caller should re-read
	// the stream and retry with a fresh attempt.
	ErrConcurrency = errors.New("concurrency conflict")

	// ErrDuplicateCommit indicates the exact commit id was already durably
	// persisted for the stream. Callers may treat the write as succeeded.
	ErrDuplicateCommit = errors.New("duplicate commit")

	// ErrPersistence matches every PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence failure")

	// ErrSnapshotNotFound indicates no snapshot exists at or below the requested revision.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSequenceConsumed is yielded when a result sequence is ranged more than once.
	ErrSequenceConsumed = errors.New("result sequence already consumed")
)

// PersistenceError is the catch-all failure of a storage operation:
// connectivity, syntax, timeouts, unclassified constraint violations.
type PersistenceError struct {
	// Op names the engine operation that failed
	Op  string
	Err error
}

// Error implements error.
func (e *PersistenceError) Error() string {
	return e.Op + ": " + ErrPersistence.Error() + ": " + e.Err.Error()
}

// Unwrap returns the underlying failure.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// PersistStreams is the persistence contract for commit streams.
//
// Read operations return lazy, forward-only sequences. The query runs when
// ranging starts, and the underlying connection is released when ranging
// stops. A sequence can be ranged only once.
type PersistStreams interface {
	// Initialize creates the storage schema if absent.
	// Failing DDL statements are treated as "already initialized".
	Initialize(ctx context.Context) error

	// GetFrom returns the commits of a stream whose revision is at least
	// minRevision, ordered by ascending stream revision.
	GetFrom(ctx context.Context, streamID uuid.UUID, minRevision int) iter.Seq2[es.Commit, error]

	// GetUntil returns the commits of a stream after its newest snapshot at
	// or below maxRevision, up to and including maxRevision.
	GetUntil(ctx context.Context, streamID uuid.UUID, maxRevision int) iter.Seq2[es.Commit, error]

	// Persist durably writes the attempt as an undispatched commit.
	// Returns ErrConcurrency, ErrDuplicateCommit, or a *PersistenceError.
	Persist(ctx context.Context, attempt es.CommitAttempt) error

	// GetUndispatchedCommits returns all commits not yet marked dispatched.
	GetUndispatchedCommits(ctx context.Context) iter.Seq2[es.Commit, error]

	// MarkCommitAsDispatched acknowledges delivery of a commit.
	// It is idempotent and never fails.
	MarkCommitAsDispatched(ctx context.Context, commit es.Commit)

	// GetStreamsToSnapshot returns streams whose revision exceeds their last
	// snapshot revision by more than maxThreshold.
	GetStreamsToSnapshot(ctx context.Context, maxThreshold int) iter.Seq2[es.StreamToSnapshot, error]

	// GetSnapshot returns the newest snapshot at or below maxRevision.
	// Returns ErrSnapshotNotFound when there is none.
	GetSnapshot(ctx context.Context, streamID uuid.UUID, maxRevision int) (es.Snapshot, error)

	// AddSnapshot stores a snapshot at the given revision. Best-effort:
	// failures are logged, never returned.
	AddSnapshot(ctx context.Context, streamID uuid.UUID, streamRevision int, payload any)
}

// Collect ranges seq and returns all values, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
