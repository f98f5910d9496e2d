// Command pupcommits operates a commit store.
//
// Connection settings come from the environment:
//
//	PUPCOMMITS_DRIVER           postgres, pgx, mysql, sqlite or duckdb (default sqlite)
//	PUPCOMMITS_DSN              data source name for the driver
//	PUPCOMMITS_COMMITS_TABLE    commits table name (default commits)
//	PUPCOMMITS_SNAPSHOTS_TABLE  snapshots table name (default snapshots)
//	PUPCOMMITS_SERIALIZER       json or cbor (default json)
//	PUPCOMMITS_LOG_LEVEL        debug, info, warn or error (default info)
//
// Usage:
//
//	pupcommits init
//	pupcommits ddl -driver postgres -output migrations -filename init.sql
//	pupcommits undispatched
//	pupcommits dispatch [-follow] [-interval 1s]
//	pupcommits mark-dispatched -stream 6ba7b810-9dad-11d1-80b4-00c04fd430c8 -sequence 3
//	pupcommits snapshot-candidates -threshold 50
//	pupcommits version
//
// Or generate migrations with go generate:
//
//	//go:generate go run github.com/getpup/pupcommits/cmd/pupcommits ddl -driver postgres -output migrations
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/es/dispatch"
	"github.com/getpup/pupcommits/es/migrations"
	"github.com/getpup/pupcommits/es/sqlpersistence"
	"github.com/getpup/pupcommits/internal/config"
	pupcommits "github.com/getpup/pupcommits/pkg"
)

const usage = `usage: pupcommits <command> [flags]

commands:
  init                  create the commit and snapshot tables
  ddl                   print or write the schema DDL for a driver
  undispatched          list undispatched commits as JSON lines
  dispatch              print undispatched commits as JSON lines and mark them dispatched
  mark-dispatched       mark one commit as dispatched
  snapshot-candidates   list streams that drifted too far from their last snapshot
  version               print the library version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "init":
		err = runInit(ctx, args[1:])
	case "ddl":
		err = runDDL(args[1:], stdout)
	case "undispatched":
		err = runUndispatched(ctx, args[1:], stdout)
	case "dispatch":
		err = runDispatch(ctx, args[1:], stdout)
	case "mark-dispatched":
		err = runMarkDispatched(ctx, args[1:])
	case "snapshot-candidates":
		err = runSnapshotCandidates(ctx, args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, pupcommits.Version())
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "Error: unknown command '%s'\n\n%s", args[0], usage)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// session is an opened database with its engine.
type session struct {
	engine *sqlpersistence.Engine
	logger es.Logger
	close  func() error
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	db, err := cfg.Open(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := cfg.NewEngine(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{engine: engine, logger: logger, close: db.Close}, nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.engine.Initialize(ctx); err != nil {
		return err
	}
	s.logger.Info(ctx, "storage initialized")
	return nil
}

func runDDL(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("ddl", flag.ContinueOnError)
	var (
		driver         = fs.String("driver", cfg.Driver, "Database driver: postgres, pgx, mysql, sqlite, or duckdb")
		outputFolder   = fs.String("output", "", "Output folder for migration file (default: print to stdout)")
		outputFilename = fs.String("filename", "", "Output filename (default: timestamp-based)")
		commitsTable   = fs.String("commits-table", cfg.CommitsTable, "Name of commits table")
		snapshotsTable = fs.String("snapshots-table", cfg.SnapshotsTable, "Name of snapshots table")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	migration := migrations.DefaultConfig()
	migration.CommitsTable = *commitsTable
	migration.SnapshotsTable = *snapshotsTable
	if *outputFilename != "" {
		migration.OutputFilename = *outputFilename
	}

	dialect, err := config.DialectFor(*driver, migration.Tables())
	if err != nil {
		return err
	}

	if *outputFolder == "" {
		_, err := io.WriteString(stdout, migrations.Render(dialect, *driver))
		return err
	}

	migration.OutputFolder = *outputFolder
	if err := migrations.Generate(dialect, *driver, &migration); err != nil {
		return fmt.Errorf("generating migration: %w", err)
	}
	fmt.Fprintf(stdout, "Generated %s migration: %s/%s\n", *driver, migration.OutputFolder, migration.OutputFilename)
	return nil
}

// commitLine is the JSON rendering of a commit.
type commitLine struct {
	StreamID       uuid.UUID         `json:"stream_id"`
	StreamName     string            `json:"stream_name,omitempty"`
	CommitID       uuid.UUID         `json:"commit_id"`
	CommitSequence int               `json:"commit_sequence"`
	StreamRevision int               `json:"stream_revision"`
	CommitStamp    time.Time         `json:"commit_stamp"`
	Headers        map[string]any    `json:"headers,omitempty"`
	Events         []es.EventMessage `json:"events"`
}

func newCommitLine(c *es.Commit) commitLine {
	return commitLine{
		StreamID:       c.StreamID,
		StreamName:     c.StreamName,
		CommitID:       c.CommitID,
		CommitSequence: c.CommitSequence,
		StreamRevision: c.StreamRevision,
		CommitStamp:    c.CommitStamp,
		Headers:        c.Headers,
		Events:         c.Events,
	}
}

func runUndispatched(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("undispatched", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	enc := json.NewEncoder(stdout)
	for commit, err := range s.engine.GetUndispatchedCommits(ctx) {
		if err != nil {
			return err
		}
		if err := enc.Encode(newCommitLine(&commit)); err != nil {
			return fmt.Errorf("write commit: %w", err)
		}
	}
	return nil
}

func runDispatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	var (
		follow    = fs.Bool("follow", false, "Keep polling until interrupted")
		interval  = fs.Duration("interval", time.Second, "Poll interval with -follow")
		batchSize = fs.Int("batch-size", 100, "Maximum commits per pass")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	enc := json.NewEncoder(stdout)
	publisher := dispatch.PublisherFunc(func(_ context.Context, commit es.Commit) error {
		return enc.Encode(newCommitLine(&commit))
	})
	dispatcher := dispatch.NewDispatcher(s.engine, publisher, dispatch.DispatcherConfig{
		Logger:       s.logger,
		PollInterval: *interval,
		BatchSize:    *batchSize,
	})

	if *follow {
		err := dispatcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	_, err = dispatcher.DispatchAll(ctx)
	return err
}

func runMarkDispatched(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mark-dispatched", flag.ContinueOnError)
	var (
		stream   = fs.String("stream", "", "Stream id")
		sequence = fs.Int("sequence", 0, "Commit sequence")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	streamID, err := uuid.Parse(*stream)
	if err != nil {
		return fmt.Errorf("invalid -stream: %w", err)
	}
	if *sequence <= 0 {
		return errors.New("-sequence must be positive")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	s.engine.MarkCommitAsDispatched(ctx, es.Commit{StreamID: streamID, CommitSequence: *sequence})
	return nil
}

func runSnapshotCandidates(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("snapshot-candidates", flag.ContinueOnError)
	threshold := fs.Int("threshold", 50, "Minimum revisions since the last snapshot, exclusive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	for stream, err := range s.engine.GetStreamsToSnapshot(ctx, *threshold) {
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%d\n", stream.StreamID, stream.StreamRevision)
	}
	return nil
}
