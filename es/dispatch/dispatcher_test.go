package dispatch_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/dispatch"
	"github.com/getpup/pupcommits/es/store"
)

// memoryStore keeps commits in memory and implements just enough of
// store.PersistStreams for dispatching.
type memoryStore struct {
	mu         sync.Mutex
	commits    []es.Commit
	dispatched map[uuid.UUID]bool
	readErr    error
	dropMarks  bool
}

func newMemoryStore(commits ...es.Commit) *memoryStore {
	return &memoryStore{commits: commits, dispatched: make(map[uuid.UUID]bool)}
}

func (s *memoryStore) Initialize(context.Context) error { return nil }

func (s *memoryStore) GetFrom(context.Context, uuid.UUID, int) iter.Seq2[es.Commit, error] {
	return func(func(es.Commit, error) bool) {}
}

func (s *memoryStore) GetUntil(context.Context, uuid.UUID, int) iter.Seq2[es.Commit, error] {
	return func(func(es.Commit, error) bool) {}
}

func (s *memoryStore) Persist(context.Context, es.CommitAttempt) error { return nil }

func (s *memoryStore) GetUndispatchedCommits(context.Context) iter.Seq2[es.Commit, error] {
	return func(yield func(es.Commit, error) bool) {
		s.mu.Lock()
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			yield(es.Commit{}, err)
			return
		}
		var pending []es.Commit
		for _, c := range s.commits {
			if !s.dispatched[c.CommitID] {
				pending = append(pending, c)
			}
		}
		s.mu.Unlock()

		for _, c := range pending {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *memoryStore) MarkCommitAsDispatched(_ context.Context, commit es.Commit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropMarks {
		return
	}
	s.dispatched[commit.CommitID] = true
}

func (s *memoryStore) GetStreamsToSnapshot(context.Context, int) iter.Seq2[es.StreamToSnapshot, error] {
	return func(func(es.StreamToSnapshot, error) bool) {}
}

func (s *memoryStore) GetSnapshot(context.Context, uuid.UUID, int) (es.Snapshot, error) {
	return es.Snapshot{}, store.ErrSnapshotNotFound
}

func (s *memoryStore) AddSnapshot(context.Context, uuid.UUID, int, any) {}

func (s *memoryStore) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits) - len(s.dispatched)
}

var _ store.PersistStreams = (*memoryStore)(nil)

func commits(n int) []es.Commit {
	streamID := uuid.New()
	out := make([]es.Commit, n)
	for i := range out {
		out[i] = es.Commit{
			StreamID:       streamID,
			CommitID:       uuid.New(),
			CommitSequence: i + 1,
			StreamRevision: i + 1,
		}
	}
	return out
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []es.Commit
	failOn    int // 1-based call number to fail on, 0 never
	calls     int
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) Publish(_ context.Context, commit es.Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == p.failOn {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, commit)
	return nil
}

func TestDispatchOnce(t *testing.T) {
	s := newMemoryStore(commits(3)...)
	publisher := &recordingPublisher{}
	d := dispatch.NewDispatcher(s, publisher, dispatch.DefaultDispatcherConfig())

	n, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 dispatched, got %d", n)
	}
	for i, c := range publisher.published {
		if c.CommitSequence != i+1 {
			t.Errorf("Position %d: expected sequence %d, got %d", i, i+1, c.CommitSequence)
		}
	}
	if s.pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", s.pending())
	}

	n, err = d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 dispatched on second pass, got %d", n)
	}
}

func TestDispatchOnce_StopsAtPublishFailure(t *testing.T) {
	s := newMemoryStore(commits(3)...)
	publisher := &recordingPublisher{failOn: 2}
	d := dispatch.NewDispatcher(s, publisher, dispatch.DefaultDispatcherConfig())

	n, err := d.DispatchOnce(context.Background())
	if !errors.Is(err, dispatch.ErrPublish) {
		t.Fatalf("Expected ErrPublish, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 dispatched before the failure, got %d", n)
	}
	if s.pending() != 2 {
		t.Errorf("Expected 2 pending, got %d", s.pending())
	}

	// the failed commit is retried first on the next pass
	n, err = d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 dispatched, got %d", n)
	}
	if got := publisher.published[1].CommitSequence; got != 2 {
		t.Errorf("Expected sequence 2 to be retried first, got %d", got)
	}
}

func TestDispatchOnce_BatchSize(t *testing.T) {
	s := newMemoryStore(commits(5)...)
	publisher := &recordingPublisher{}
	config := dispatch.DefaultDispatcherConfig()
	config.BatchSize = 2
	d := dispatch.NewDispatcher(s, publisher, config)

	n, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 dispatched, got %d", n)
	}
	if s.pending() != 3 {
		t.Errorf("Expected 3 pending, got %d", s.pending())
	}
}

func TestDispatchOnce_ReadError(t *testing.T) {
	s := newMemoryStore(commits(1)...)
	s.readErr = &store.PersistenceError{Op: "get_undispatched_commits", Err: errors.New("connection refused")}
	d := dispatch.NewDispatcher(s, &recordingPublisher{}, dispatch.DefaultDispatcherConfig())

	_, err := d.DispatchOnce(context.Background())
	if !errors.Is(err, store.ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}
}

func TestRun_DispatchesUntilCancelled(t *testing.T) {
	s := newMemoryStore(commits(5)...)
	publisher := &recordingPublisher{}

	config := dispatch.DefaultDispatcherConfig()
	config.BatchSize = 2
	config.PollInterval = 10 * time.Millisecond
	config.Logger = es.NoOpLogger{}
	d := dispatch.NewDispatcher(s, publisher, config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out with %d commits pending", s.pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.published) != 5 {
		t.Errorf("Expected 5 published commits, got %d", len(publisher.published))
	}
}

func TestPublisherFunc(t *testing.T) {
	var got es.Commit
	f := dispatch.PublisherFunc(func(_ context.Context, commit es.Commit) error {
		got = commit
		return nil
	})
	want := commits(1)[0]
	if err := f.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.CommitID != want.CommitID {
		t.Errorf("Expected commit %s, got %s", want.CommitID, got.CommitID)
	}
}

func TestNewDispatcher_Defaults(t *testing.T) {
	s := newMemoryStore(commits(150)...)
	publisher := &recordingPublisher{}
	d := dispatch.NewDispatcher(s, publisher, dispatch.DispatcherConfig{})

	n, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce failed: %v", err)
	}
	if n != dispatch.DefaultDispatcherConfig().BatchSize {
		t.Errorf("Expected default batch size %d, got %d", dispatch.DefaultDispatcherConfig().BatchSize, n)
	}
}

func TestDispatchAll(t *testing.T) {
	s := newMemoryStore(commits(5)...)
	publisher := &recordingPublisher{}

	config := dispatch.DefaultDispatcherConfig()
	config.BatchSize = 2
	d := dispatch.NewDispatcher(s, publisher, config)

	n, err := d.DispatchAll(context.Background())
	if err != nil {
		t.Fatalf("DispatchAll failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 published, got %d", n)
	}
	if s.pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", s.pending())
	}
}

func TestDispatchAll_StopsWhenMarksAreLost(t *testing.T) {
	tests := []struct {
		name      string
		commits   int
		batchSize int
	}{
		{"single commit, batch of one", 1, 1},
		{"several full batches", 4, 2},
		{"uneven batches", 5, 2},
		{"partial batch", 3, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemoryStore(commits(tt.commits)...)
			s.dropMarks = true
			publisher := &recordingPublisher{}

			config := dispatch.DefaultDispatcherConfig()
			config.BatchSize = tt.batchSize
			d := dispatch.NewDispatcher(s, publisher, config)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := d.DispatchAll(ctx)
			if ctx.Err() != nil {
				t.Fatal("DispatchAll did not return before the deadline")
			}

			if n != tt.commits {
				t.Errorf("Expected %d published, got %d", tt.commits, n)
			}
			if publisher.count() != tt.commits {
				t.Errorf("Expected each commit published once, got %d publications", publisher.count())
			}
			// A partial first batch ends the pass before anything is re-read.
			if tt.commits >= tt.batchSize && !errors.Is(err, dispatch.ErrStalled) {
				t.Errorf("Expected ErrStalled, got %v", err)
			}
			if tt.commits < tt.batchSize && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if s.pending() != tt.commits {
				t.Errorf("Expected %d still pending, got %d", tt.commits, s.pending())
			}
		})
	}
}

func TestRun_WaitsWhenMarksAreLost(t *testing.T) {
	s := newMemoryStore(commits(1)...)
	s.dropMarks = true
	publisher := &recordingPublisher{}

	config := dispatch.DefaultDispatcherConfig()
	config.BatchSize = 1
	config.PollInterval = 50 * time.Millisecond
	d := dispatch.NewDispatcher(s, publisher, config)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	// Roughly one publication per poll interval; a hot loop would publish
	// thousands of times.
	if got := publisher.count(); got < 2 || got > 20 {
		t.Errorf("Expected republishing at the poll interval, got %d publications", got)
	}
}
