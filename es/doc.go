// Package es provides the core types of commit-based event sourcing.
//
// # Overview
//
// A stream is an ordered sequence of commits identified by a UUID. Each
// commit carries a batch of events and is addressed by three coordinates:
//   - CommitSequence: the per-stream commit counter, starting at 1
//   - StreamRevision: the running event count after the commit
//   - CommitID: a client-generated id used to detect retried writes
//
// Callers propose a CommitAttempt. A persistence engine either accepts it
// as a Commit or rejects it with a concurrency conflict or a duplicate
// commit error (see the store package).
//
// # Quick Start
//
// 1. Open a database and create the schema:
//
//	import (
//	    "github.com/getpup/pupcommits/es/adapters/postgres"
//	    "github.com/getpup/pupcommits/es/serialization"
//	    "github.com/getpup/pupcommits/es/sqlpersistence"
//	)
//
//	engine := sqlpersistence.NewEngine(
//	    sqlpersistence.NewDBConnectionFactory(db),
//	    postgres.NewDialect(sqlpersistence.DefaultTableConfig()),
//	    serialization.JSON{},
//	)
//	if err := engine.Initialize(ctx); err != nil {
//	    return err
//	}
//
// 2. Persist a commit:
//
//	err := engine.Persist(ctx, es.CommitAttempt{
//	    StreamID:       orderID,
//	    CommitID:       uuid.New(),
//	    CommitSequence: 1,
//	    StreamRevision: 1,
//	    Events:         []es.EventMessage{{Body: OrderPlaced{...}}},
//	})
//	if errors.Is(err, store.ErrConcurrency) {
//	    // reload the stream and retry
//	}
//
// 3. Read it back:
//
//	for commit, err := range engine.GetFrom(ctx, orderID, 0) {
//	    ...
//	}
//
// # Optimistic Concurrency
//
// No locks are taken across calls. Two writers racing for the same
// revision are resolved by the database's uniqueness constraints: exactly
// one wins and the other receives ErrConcurrency.
//
// # Dispatching
//
// Every commit starts undispatched. The dispatch package publishes
// undispatched commits in commit order and marks them as dispatched.
package es
