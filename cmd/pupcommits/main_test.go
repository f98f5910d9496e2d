package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupcommits/es"
	"github.com/getpup/pupcommits/internal/config"
	pupcommits "github.com/getpup/pupcommits/pkg"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PUPCOMMITS_DRIVER", "sqlite")
	t.Setenv("PUPCOMMITS_DSN", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("PUPCOMMITS_LOG_LEVEL", "error")
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func persist(t *testing.T, attempts ...es.CommitAttempt) {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	db, err := cfg.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	engine, err := cfg.NewEngine(db, es.NoOpLogger{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	for _, a := range attempts {
		if err := engine.Persist(context.Background(), a); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if strings.TrimSpace(stdout) != pupcommits.Version() {
		t.Errorf("expected %q, got %q", pupcommits.Version(), stdout)
	}
}

func TestRunUsage(t *testing.T) {
	if code, _, stderr := runCLI(t); code != 2 || !strings.Contains(stderr, "usage:") {
		t.Errorf("expected usage with exit 2, got %d %q", code, stderr)
	}
	if code, _, stderr := runCLI(t, "frobnicate"); code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Errorf("expected unknown command with exit 2, got %d %q", code, stderr)
	}
}

func TestRunDDL(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := runCLI(t, "ddl", "-driver", "postgres", "-commits-table", "order_commits")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "CREATE TABLE IF NOT EXISTS order_commits") {
		t.Errorf("expected postgres DDL, got:\n%s", stdout)
	}

	dir := t.TempDir()
	code, _, stderr = runCLI(t, "ddl", "-driver", "mysql", "-output", dir, "-filename", "init.sql")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr)
	}
	content, err := os.ReadFile(filepath.Join(dir, "init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(content), "ENGINE=InnoDB") {
		t.Errorf("expected mysql DDL, got:\n%s", content)
	}

	if code, _, _ := runCLI(t, "ddl", "-driver", "oracle"); code != 1 {
		t.Errorf("expected exit 1 for unsupported driver, got %d", code)
	}
}

func TestRunCommitLifecycle(t *testing.T) {
	setupEnv(t)

	if code, _, stderr := runCLI(t, "init"); code != 0 {
		t.Fatalf("init failed: %d %s", code, stderr)
	}

	streamID := uuid.New()
	var attempts []es.CommitAttempt
	for i := 1; i <= 3; i++ {
		attempts = append(attempts, es.CommitAttempt{
			StreamID:       streamID,
			CommitID:       uuid.New(),
			CommitSequence: i,
			StreamRevision: i,
			Events:         []es.EventMessage{{Body: "event"}},
		})
	}
	persist(t, attempts...)

	code, stdout, stderr := runCLI(t, "undispatched")
	if code != 0 {
		t.Fatalf("undispatched failed: %d %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 commits, got %d:\n%s", len(lines), stdout)
	}
	var first commitLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if first.StreamID != streamID || first.CommitSequence != 1 {
		t.Errorf("unexpected first commit %+v", first)
	}

	code, _, stderr = runCLI(t, "mark-dispatched", "-stream", streamID.String(), "-sequence", "1")
	if code != 0 {
		t.Fatalf("mark-dispatched failed: %d %s", code, stderr)
	}

	code, stdout, _ = runCLI(t, "snapshot-candidates", "-threshold", "2")
	if code != 0 {
		t.Fatalf("snapshot-candidates failed: %d", code)
	}
	if !strings.HasPrefix(stdout, streamID.String()+"\t3") {
		t.Errorf("expected stream at revision 3, got %q", stdout)
	}

	code, stdout, stderr = runCLI(t, "dispatch", "-batch-size", "1")
	if code != 0 {
		t.Fatalf("dispatch failed: %d %s", code, stderr)
	}
	if got := len(strings.Split(strings.TrimSpace(stdout), "\n")); got != 2 {
		t.Errorf("expected 2 dispatched commits, got %d:\n%s", got, stdout)
	}

	code, stdout, _ = runCLI(t, "undispatched")
	if code != 0 {
		t.Fatalf("undispatched failed: %d", code)
	}
	if strings.TrimSpace(stdout) != "" {
		t.Errorf("expected nothing undispatched, got:\n%s", stdout)
	}
}

func TestRunMarkDispatchedValidation(t *testing.T) {
	setupEnv(t)

	if code, _, stderr := runCLI(t, "mark-dispatched", "-stream", "nope", "-sequence", "1"); code != 1 || !strings.Contains(stderr, "invalid -stream") {
		t.Errorf("expected invalid stream error, got %d %q", code, stderr)
	}
	if code, _, stderr := runCLI(t, "mark-dispatched", "-stream", uuid.NewString()); code != 1 || !strings.Contains(stderr, "-sequence") {
		t.Errorf("expected sequence error, got %d %q", code, stderr)
	}
}

func TestRunDispatchStopsWhenMarksFail(t *testing.T) {
	setupEnv(t)

	if code, _, stderr := runCLI(t, "init"); code != 0 {
		t.Fatalf("init failed: %d %s", code, stderr)
	}
	persist(t, es.CommitAttempt{
		StreamID:       uuid.New(),
		CommitID:       uuid.New(),
		CommitSequence: 1,
		StreamRevision: 1,
		Events:         []es.EventMessage{{Body: "event"}},
	})

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	db, err := cfg.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.ExecContext(context.Background(),
		`CREATE TRIGGER reject_updates BEFORE UPDATE ON commits BEGIN SELECT RAISE(ABORT, 'commits are read only'); END`)
	db.Close()
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"dispatch", "-batch-size", "1"}, &stdout, &stderr)

	if ctx.Err() != nil {
		t.Fatal("dispatch did not finish before the deadline")
	}
	if code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "remain undispatched") {
		t.Errorf("expected stalled error, got %q", stderr.String())
	}
	if got := len(strings.Split(strings.TrimSpace(stdout.String()), "\n")); got != 1 {
		t.Errorf("expected commit published once, got %d lines", got)
	}
}
