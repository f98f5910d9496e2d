package sqlite_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/getpup/pupcommits/es/adapters/sqlite"
	"github.com/getpup/pupcommits/es/sqlpersistence"
	"github.com/getpup/pupcommits/es/sqlpersistence/sqlpersistencetest"
)

func TestEngine(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "engine.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlpersistencetest.Run(t, sqlpersistencetest.Harness{
		DB: db,
		NewDialect: func(tables sqlpersistence.TableConfig) sqlpersistence.Dialect {
			return sqlite.NewDialect(tables)
		},
	})
}
