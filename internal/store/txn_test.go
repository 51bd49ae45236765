package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/threadloom/internal/store"
)

func TestCommit_AccumulatesReadsAndWrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	outcome := s.Commit(ctx,
		store.Write(`INSERT INTO users (id, name) VALUES (?, ?);`, "u-1", "ada"),
		store.Write(`INSERT INTO users (id, name) VALUES (?, ?);`, "u-2", "grace"),
		store.Read(`SELECT id, name FROM users ORDER BY id;`),
	)
	if !outcome.OK() {
		t.Fatalf("commit failed: %v", outcome.Failure)
	}
	if outcome.Writes != 2 {
		t.Fatalf("writes = %d, want 2", outcome.Writes)
	}
	if outcome.Reads != 1 {
		t.Fatalf("reads = %d, want 1", outcome.Reads)
	}
	if len(outcome.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(outcome.Rows))
	}
	if outcome.Rows[0]["id"] != "u-1" {
		t.Fatalf("first row id = %v", outcome.Rows[0]["id"])
	}
}

func TestCommit_FailureRollsBackEverything(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	outcome := s.Commit(ctx,
		store.Write(`INSERT INTO users (id, name) VALUES (?, ?);`, "u-1", "ada"),
		store.Write(`INSERT INTO nonexistent_table (id) VALUES (?);`, "x"),
	)
	if outcome.OK() {
		t.Fatal("expected failure outcome")
	}
	if outcome.Failure.Index != 1 {
		t.Fatalf("failure index = %d, want 1", outcome.Failure.Index)
	}
	// The successful work before the failure is still reported.
	if outcome.Writes != 1 {
		t.Fatalf("writes before failure = %d, want 1", outcome.Writes)
	}

	// Nothing committed.
	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM users;`).Scan(&count); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d users", count)
	}
}

func TestCommit_FailureTruncatesQueryText(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	longQuery := `INSERT INTO nonexistent_table (col) VALUES (?) -- ` + strings.Repeat("padding ", 100)
	outcome := s.Commit(ctx, store.Write(longQuery, "v"))
	if outcome.OK() {
		t.Fatal("expected failure outcome")
	}
	if len(outcome.Failure.Query) > 130 {
		t.Fatalf("query text not truncated: %d chars", len(outcome.Failure.Query))
	}
	if !strings.HasSuffix(outcome.Failure.Query, "...") {
		t.Fatalf("expected truncation marker, got %q", outcome.Failure.Query)
	}
	if outcome.Failure.Args == "" {
		t.Fatal("expected args in failure record")
	}
}

func TestCommit_EmptyInstructionListCommits(t *testing.T) {
	s, _ := openTestStore(t)
	outcome := s.Commit(context.Background())
	if !outcome.OK() {
		t.Fatalf("empty commit failed: %v", outcome.Failure)
	}
}
