// Package sqlpersistencetest is a conformance suite for sqlpersistence
// dialects. Adapter integration tests run it against a live database.
package sqlpersistencetest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/serialization"
	"github.com/getpup/pupcommits/es/sqlpersistence"
	"github.com/getpup/pupcommits/es/store"
)

// Harness describes the database under test.
type Harness struct {
	// DB is an open pool for the database under test
	DB *sql.DB

	// NewDialect builds the dialect for a set of tables
	NewDialect func(tables sqlpersistence.TableConfig) sqlpersistence.Dialect

	// Writers is the number of concurrent writers in the race test.
	// Zero means 8.
	Writers int
}

// Run executes the suite. Every subtest works on its own pair of tables,
// which are dropped afterwards.
func Run(t *testing.T, h Harness) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, e *sqlpersistence.Engine)
	}{
		{"InitializeIsRepeatable", testInitializeIsRepeatable},
		{"RoundTrip", testRoundTrip},
		{"Conflict", testConflict},
		{"DuplicateCommit", testDuplicateCommit},
		{"ConcurrentWriters", func(t *testing.T, e *sqlpersistence.Engine) { testConcurrentWriters(t, e, h.Writers) }},
		{"Dispatch", testDispatch},
		{"Snapshots", testSnapshots},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newEngine(t, h))
		})
	}
}

func newEngine(t *testing.T, h Harness) *sqlpersistence.Engine {
	t.Helper()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	tables := sqlpersistence.NewTableConfig(
		sqlpersistence.WithCommitsTable("commits_"+suffix),
		sqlpersistence.WithSnapshotsTable("snapshots_"+suffix),
	)
	t.Cleanup(func() {
		for _, table := range []string{tables.CommitsTable, tables.SnapshotsTable} {
			if _, err := h.DB.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				t.Logf("Failed to drop %s: %v", table, err)
			}
		}
	})

	engine := sqlpersistence.NewEngine(
		sqlpersistence.NewDBConnectionFactory(h.DB),
		h.NewDialect(tables),
		serialization.JSON{},
	)
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize storage: %v", err)
	}
	return engine
}

// Attempt returns a one-event commit attempt for streamID.
func Attempt(streamID uuid.UUID, sequence, revision int) es.CommitAttempt {
	return es.CommitAttempt{
		StreamID:       streamID,
		StreamName:     fmt.Sprintf("stream-%s", streamID),
		CommitID:       uuid.New(),
		CommitSequence: sequence,
		StreamRevision: revision,
		CommitStamp:    time.Date(2024, 5, 1, 12, 0, sequence, 500, time.UTC),
		Headers:        map[string]any{"tenant": "acme"},
		Events:         []es.EventMessage{{Body: fmt.Sprintf("event %d", revision)}},
	}
}

func persist(t *testing.T, e *sqlpersistence.Engine, attempts ...es.CommitAttempt) {
	t.Helper()
	for _, a := range attempts {
		if err := e.Persist(context.Background(), a); err != nil {
			t.Fatalf("Failed to persist commit %d: %v", a.CommitSequence, err)
		}
	}
}

func testInitializeIsRepeatable(t *testing.T, e *sqlpersistence.Engine) {
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Second initialize failed: %v", err)
	}
}

func testRoundTrip(t *testing.T, e *sqlpersistence.Engine) {
	ctx := context.Background()
	streamID := uuid.New()
	first := Attempt(streamID, 1, 1)
	persist(t, e, first, Attempt(streamID, 2, 3))

	commits, err := store.Collect(e.GetFrom(ctx, streamID, 0))
	if err != nil {
		t.Fatalf("Failed to read commits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("Expected 2 commits, got %d", len(commits))
	}

	got, want := commits[0], first.ToCommit()
	if got.StreamID != want.StreamID || got.CommitID != want.CommitID || got.StreamName != want.StreamName {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if !got.CommitStamp.Equal(want.CommitStamp) {
		t.Errorf("Expected stamp %v, got %v", want.CommitStamp, got.CommitStamp)
	}
	if !reflect.DeepEqual(got.Headers, want.Headers) || !reflect.DeepEqual(got.Events, want.Events) {
		t.Errorf("Expected headers %v events %v, got %v %v", want.Headers, want.Events, got.Headers, got.Events)
	}
	if commits[1].StreamRevision != 3 {
		t.Errorf("Expected revision 3, got %d", commits[1].StreamRevision)
	}
}

func testConflict(t *testing.T, e *sqlpersistence.Engine) {
	streamID := uuid.New()
	persist(t, e, Attempt(streamID, 1, 1))

	for _, a := range []es.CommitAttempt{Attempt(streamID, 1, 1), Attempt(streamID, 2, 1), Attempt(streamID, 1, 2)} {
		if err := e.Persist(context.Background(), a); !errors.Is(err, store.ErrConcurrency) {
			t.Errorf("Expected ErrConcurrency for sequence %d revision %d, got %v", a.CommitSequence, a.StreamRevision, err)
		}
	}
}

func testDuplicateCommit(t *testing.T, e *sqlpersistence.Engine) {
	streamID := uuid.New()
	first := Attempt(streamID, 1, 1)
	persist(t, e, first)

	if err := e.Persist(context.Background(), first); !errors.Is(err, store.ErrDuplicateCommit) {
		t.Errorf("Expected ErrDuplicateCommit, got %v", err)
	}
}

func testConcurrentWriters(t *testing.T, e *sqlpersistence.Engine, writers int) {
	if writers <= 0 {
		writers = 8
	}
	streamID := uuid.New()

	// Later rounds race against existing rows of the stream.
	const rounds = 3
	for round := 1; round <= rounds; round++ {
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- e.Persist(context.Background(), Attempt(streamID, round, round))
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrConcurrency):
			default:
				t.Errorf("Round %d: expected nil or ErrConcurrency, got %v", round, err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("Round %d: expected exactly one successful writer, got %d", round, succeeded)
		}
	}

	commits, err := store.Collect(e.GetFrom(context.Background(), streamID, 0))
	if err != nil {
		t.Fatalf("Failed to read commits: %v", err)
	}
	if len(commits) != rounds {
		t.Errorf("Expected %d commits, got %d", rounds, len(commits))
	}
}

func testDispatch(t *testing.T, e *sqlpersistence.Engine) {
	ctx := context.Background()
	streamID := uuid.New()
	persist(t, e, Attempt(streamID, 1, 1), Attempt(streamID, 2, 2))

	commits, err := store.Collect(e.GetUndispatchedCommits(ctx))
	if err != nil {
		t.Fatalf("Failed to read undispatched commits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("Expected 2 undispatched commits, got %d", len(commits))
	}

	e.MarkCommitAsDispatched(ctx, commits[0])
	e.MarkCommitAsDispatched(ctx, commits[0])

	commits, err = store.Collect(e.GetUndispatchedCommits(ctx))
	if err != nil {
		t.Fatalf("Failed to read undispatched commits: %v", err)
	}
	if len(commits) != 1 || commits[0].CommitSequence != 2 {
		t.Errorf("Expected only sequence 2 undispatched, got %+v", commits)
	}
}

func testSnapshots(t *testing.T, e *sqlpersistence.Engine) {
	ctx := context.Background()
	streamID := uuid.New()
	persist(t, e, Attempt(streamID, 1, 1), Attempt(streamID, 2, 2), Attempt(streamID, 3, 3))

	candidates, err := store.Collect(e.GetStreamsToSnapshot(ctx, 2))
	if err != nil {
		t.Fatalf("Failed to read snapshot candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].StreamID != streamID || candidates[0].StreamRevision != 3 {
		t.Fatalf("Expected %s at revision 3, got %+v", streamID, candidates)
	}

	e.AddSnapshot(ctx, streamID, 2, "state at 2")
	e.AddSnapshot(ctx, streamID, 2, "ignored")

	snapshot, err := e.GetSnapshot(ctx, streamID, 3)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if snapshot.StreamRevision != 2 || snapshot.Payload != "state at 2" {
		t.Errorf("Expected snapshot at 2, got %+v", snapshot)
	}

	commits, err := store.Collect(e.GetUntil(ctx, streamID, 3))
	if err != nil {
		t.Fatalf("Failed to read commits: %v", err)
	}
	if len(commits) != 1 || commits[0].StreamRevision != 3 {
		t.Errorf("Expected revision 3 only, got %+v", commits)
	}

	candidates, err = store.Collect(e.GetStreamsToSnapshot(ctx, 2))
	if err != nil {
		t.Fatalf("Failed to read snapshot candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("Expected no candidates, got %+v", candidates)
	}
}
