// Package dispatch publishes undispatched commits to downstream consumers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/store"
)

var (
	// ErrPublish wraps a publisher failure. The commit stays undispatched.
	ErrPublish = errors.New("publish failed")

	// ErrStalled is returned by DispatchAll when a commit it already
	// published is still reported as undispatched.
	ErrStalled = errors.New("published commits remain undispatched")
)

// Publisher delivers a commit downstream.
// Delivery is at-least-once: a commit published right before a crash is
// published again on the next pass.
type Publisher interface {
	Publish(ctx context.Context, commit es.Commit) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, commit es.Commit) error

// Publish implements Publisher.
//
//nolint:gocritic // hugeParam: commits are value objects
func (f PublisherFunc) Publish(ctx context.Context, commit es.Commit) error {
	return f(ctx, commit)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// PollInterval is the wait between passes that found less than a full batch
	PollInterval time.Duration

	// BatchSize is the maximum number of commits read per pass
	BatchSize int
}

// DefaultDispatcherConfig returns the default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: time.Second,
		BatchSize:    100,
	}
}

// Dispatcher moves undispatched commits to a Publisher in commit order and
// marks each one as dispatched after it was published.
type Dispatcher struct {
	persistence store.PersistStreams
	publisher   Publisher
	config      DispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(persistence store.PersistStreams, publisher Publisher, config DispatcherConfig) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultDispatcherConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultDispatcherConfig().PollInterval
	}
	return &Dispatcher{
		persistence: persistence,
		publisher:   publisher,
		config:      config,
	}
}

// commitKey identifies a commit within a dispatch run.
type commitKey struct {
	streamID uuid.UUID
	sequence int
}

// DispatchOnce publishes up to one batch of undispatched commits and returns
// how many were published. It stops at the first publish failure; that
// commit and everything after it are left for the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	n, _, err := d.dispatch(ctx, nil)
	return n, err
}

// DispatchAll makes a single pass over the undispatched commits, one batch
// at a time, and returns how many were published. Each commit is published
// at most once per call. If a commit published earlier in the call is still
// reported as undispatched, its acknowledgement was lost: the pass finishes
// and DispatchAll returns ErrStalled.
func (d *Dispatcher) DispatchAll(ctx context.Context) (int, error) {
	published := make(map[commitKey]struct{})
	total := 0
	stalled := false
	for {
		n, repeated, err := d.dispatch(ctx, published)
		total += n
		stalled = stalled || repeated
		if err != nil {
			return total, err
		}
		if n < d.config.BatchSize {
			break
		}
	}
	if stalled {
		return total, fmt.Errorf("%w: %d published", ErrStalled, total)
	}
	return total, nil
}

// dispatch publishes one batch. Commits found in seen are skipped and
// reported as repeated; published commits are added to seen. A nil seen
// disables the check.
func (d *Dispatcher) dispatch(ctx context.Context, seen map[commitKey]struct{}) (int, bool, error) {
	// The batch is read completely before publishing so the read connection
	// is released before MarkCommitAsDispatched needs one.
	batch := make([]es.Commit, 0, d.config.BatchSize)
	repeated := false
	for commit, err := range d.persistence.GetUndispatchedCommits(ctx) {
		if err != nil {
			return 0, false, fmt.Errorf("failed to read undispatched commits: %w", err)
		}
		if _, ok := seen[commitKey{commit.StreamID, commit.CommitSequence}]; ok {
			repeated = true
			continue
		}
		batch = append(batch, commit)
		if len(batch) == d.config.BatchSize {
			break
		}
	}

	for i := range batch {
		commit := batch[i]
		if err := d.publisher.Publish(ctx, commit); err != nil {
			if d.config.Logger != nil {
				d.config.Logger.Error(ctx, "publish failed",
					"stream_id", commit.StreamID,
					"commit_sequence", commit.CommitSequence,
					"error", err)
			}
			return i, repeated, fmt.Errorf("%w: stream %s commit %d: %w", ErrPublish, commit.StreamID, commit.CommitSequence, err)
		}
		d.persistence.MarkCommitAsDispatched(ctx, commit)
		if seen != nil {
			seen[commitKey{commit.StreamID, commit.CommitSequence}] = struct{}{}
		}
	}

	if d.config.Logger != nil {
		if len(batch) > 0 {
			d.config.Logger.Debug(ctx, "dispatched commits", "count", len(batch))
		}
		if repeated {
			d.config.Logger.Error(ctx, "published commits still undispatched, acknowledgement failed")
		}
	}
	return len(batch), repeated, nil
}

// Run dispatches until ctx is cancelled. Failed passes are logged and
// retried after PollInterval. A full batch is followed immediately by the
// next pass. Commits published since the last wait are not published again
// until PollInterval has passed, even if their acknowledgement was lost.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.config.Logger != nil {
		d.config.Logger.Info(ctx, "dispatcher started",
			"poll_interval", d.config.PollInterval,
			"batch_size", d.config.BatchSize)
	}

	// seen holds the commits published since the last wait.
	seen := make(map[commitKey]struct{})
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.config.Logger != nil {
				d.config.Logger.Info(ctx, "dispatcher stopped")
			}
			return ctx.Err()
		case <-timer.C:
		}

		n, _, err := d.dispatch(ctx, seen)
		if err != nil && ctx.Err() == nil && d.config.Logger != nil && !errors.Is(err, ErrPublish) {
			d.config.Logger.Error(ctx, "dispatch pass failed", "error", err)
		}

		wait := d.config.PollInterval
		if err == nil && n == d.config.BatchSize {
			wait = 0
		} else {
			clear(seen)
		}
		timer.Reset(wait)
	}
}
