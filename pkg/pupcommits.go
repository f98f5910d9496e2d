// Package pupcommits provides commit-based event stream persistence for Go
// applications.
//
// This package serves as the main entry point for the pupcommits library.
// For the core functionality, see the es package and its subpackages:
//
//	es                 - Core commit types and the logger interface
//	es/store           - Persistence contract and error taxonomy
//	es/sqlpersistence  - SQL engine, dialect contract and connection factories
//	es/adapters/...    - PostgreSQL, MySQL, SQLite and DuckDB dialects
//	es/serialization   - JSON and CBOR serializers
//	es/dispatch        - Polling dispatcher for undispatched commits
//	es/migrations      - Migration generation
//
// Quick Start:
//
//  1. Create the schema:
//     go run github.com/getpup/pupcommits/cmd/pupcommits init
//
//  2. Persist commits:
//     engine := sqlpersistence.NewEngine(factory, postgres.NewDialect(tables), serialization.JSON{})
//     err := engine.Persist(ctx, attempt)
//
//  3. Dispatch them:
//     dispatcher := dispatch.NewDispatcher(engine, publisher, dispatch.DefaultDispatcherConfig())
//     dispatcher.Run(ctx)
package pupcommits

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
