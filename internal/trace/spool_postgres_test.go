package trace

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresSpoolSaveLoadDelete(t *testing.T) {
	spool := newPostgresTestSpool(t)
	ctx := context.Background()

	prefix := fmt.Sprintf("run-pg-%d-", time.Now().UnixNano())
	t.Cleanup(func() {
		if _, err := spool.db.ExecContext(context.Background(), `DELETE FROM spooled_runs WHERE id LIKE $1`, prefix+"%"); err != nil {
			t.Fatalf("cleanup spooled runs: %v", err)
		}
	})

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*Run{
		{ID: prefix + "a", Name: "gpt-4o completion", RunType: RunTypeLLM, StartTime: start},
		{ID: prefix + "b", Name: "lookup", RunType: RunTypeTool, ParentRunID: prefix + "a", StartTime: start},
	}
	if err := spool.Save(ctx, runs); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := spool.Save(ctx, runs[:1]); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	loaded, err := spool.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	found := 0
	for _, run := range loaded {
		if strings.HasPrefix(run.ID, prefix) {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("loaded runs with prefix=%d, want 2", found)
	}

	if err := spool.Delete(ctx, []string{prefix + "a", prefix + "b"}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	var count int
	if err := spool.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_runs WHERE id LIKE $1`, prefix+"%").Scan(&count); err != nil {
		t.Fatalf("count spooled runs: %v", err)
	}
	if count != 0 {
		t.Fatalf("spooled runs after delete=%d, want 0", count)
	}
}

func TestNewPostgresSpoolRejectsEmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresSpool(""); err == nil {
		t.Fatal("NewPostgresSpool() error=nil, want empty dsn error")
	}
}

func newPostgresTestSpool(t *testing.T) *PostgresSpool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TRACEBRIDGE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TRACEBRIDGE_TEST_POSTGRES_DSN is not set")
	}

	spool, err := NewPostgresSpool(dsn)
	if err != nil {
		t.Fatalf("NewPostgresSpool() error: %v", err)
	}
	t.Cleanup(func() {
		if err := spool.Close(); err != nil {
			t.Fatalf("close postgres spool: %v", err)
		}
	})
	return spool
}
