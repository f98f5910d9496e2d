// Package migrations provides SQL migration generation.
//
// Engine.Initialize creates the schema at runtime. Deployments that manage
// their schema with a migration tool can render the same DDL ahead of time
// with the pupcommits command:
//
//	go run github.com/getpup/pupcommits/cmd/pupcommits ddl -driver postgres -output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupcommits/cmd/pupcommits ddl -driver sqlite -output ../../migrations
//
// Then run:
//
//	go generate ./...
package migrations
