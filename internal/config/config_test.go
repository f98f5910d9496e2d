package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getpup/pupcommits/es/adapters/duckdb"
	"github.com/getpup/pupcommits/es/adapters/mysql"
	"github.com/getpup/pupcommits/es/adapters/postgres"
	"github.com/getpup/pupcommits/es/adapters/sqlite"
	"github.com/getpup/pupcommits/es/serialization"
	"github.com/getpup/pupcommits/es/sqlpersistence"
	"github.com/getpup/pupcommits/es/store"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.Driver)
	}
	if cfg.CommitsTable != "commits" || cfg.SnapshotsTable != "snapshots" {
		t.Errorf("unexpected tables %q/%q", cfg.CommitsTable, cfg.SnapshotsTable)
	}
	if cfg.Serializer != "json" {
		t.Errorf("expected json serializer, got %q", cfg.Serializer)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"connect timeout word", "PUPCOMMITS_CONNECT_TIMEOUT", "soon", "ConnectTimeout"},
		{"connect timeout spelled out", "PUPCOMMITS_CONNECT_TIMEOUT", "10 seconds", "ConnectTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "load config:") || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected load config error naming %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PUPCOMMITS_DRIVER", " PGX ")
	t.Setenv("PUPCOMMITS_DSN", "postgres://localhost/commits")
	t.Setenv("PUPCOMMITS_COMMITS_TABLE", "order_commits")
	t.Setenv("PUPCOMMITS_SNAPSHOTS_TABLE", "order_snapshots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Driver != "pgx" {
		t.Errorf("expected normalized driver pgx, got %q", cfg.Driver)
	}
	tables := cfg.Tables()
	if tables.CommitsTable != "order_commits" || tables.SnapshotsTable != "order_snapshots" {
		t.Errorf("unexpected tables %+v", tables)
	}
}

func TestDialectFor(t *testing.T) {
	tables := sqlpersistence.DefaultTableConfig()

	tests := []struct {
		driver string
		check  func(sqlpersistence.Dialect) bool
	}{
		{"postgres", func(d sqlpersistence.Dialect) bool { _, ok := d.(postgres.Dialect); return ok }},
		{"pgx", func(d sqlpersistence.Dialect) bool { _, ok := d.(postgres.Dialect); return ok }},
		{"mysql", func(d sqlpersistence.Dialect) bool { _, ok := d.(mysql.Dialect); return ok }},
		{"sqlite", func(d sqlpersistence.Dialect) bool { _, ok := d.(sqlite.Dialect); return ok }},
		{"duckdb", func(d sqlpersistence.Dialect) bool { _, ok := d.(duckdb.Dialect); return ok }},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := DialectFor(tt.driver, tables)
			if err != nil {
				t.Fatalf("dialect for %s: %v", tt.driver, err)
			}
			if !tt.check(d) {
				t.Errorf("unexpected dialect %T for %s", d, tt.driver)
			}
		})
	}

	if _, err := DialectFor("oracle", tables); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	cfg := Config{Driver: "sqlite"}
	if _, err := cfg.Open(context.Background()); !errors.Is(err, ErrMissingDSN) {
		t.Errorf("expected ErrMissingDSN, got %v", err)
	}
}

func TestNewSerializer(t *testing.T) {
	cfg := Config{Serializer: "cbor"}
	s, err := cfg.NewSerializer()
	if err != nil {
		t.Fatalf("serializer: %v", err)
	}
	if _, ok := s.(*serialization.CBOR); !ok {
		t.Errorf("expected CBOR serializer, got %T", s)
	}

	cfg.Serializer = "xml"
	if _, err := cfg.NewSerializer(); err == nil {
		t.Error("expected error for unknown serializer")
	}
}

func TestLogger(t *testing.T) {
	if _, err := (Config{LogLevel: "debug"}).Logger(); err != nil {
		t.Errorf("debug level: %v", err)
	}
	if _, err := (Config{LogLevel: "loud"}).Logger(); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestOpenAndNewEngine(t *testing.T) {
	t.Setenv("PUPCOMMITS_DSN", filepath.Join(t.TempDir(), "config.db"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := context.Background()
	db, err := cfg.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	engine, err := cfg.NewEngine(db, logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := engine.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	commits, err := store.Collect(engine.GetUndispatchedCommits(ctx))
	if err != nil {
		t.Fatalf("undispatched: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("expected empty store, got %d commits", len(commits))
	}
}
