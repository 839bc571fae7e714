package cursor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wxbridge/internal/domain"
)

func testCurLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := Open(path, testCurLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_PutGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	if err := s.Put(ctx, "Alice", domain.Cursor{LastID: "m-42", LastSeen: seen}); err != nil {
		t.Fatalf("put: %v", err)
	}

	cur, found, err := s.Get(ctx, "Alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("cursor should be found")
	}
	if cur.LastID != "m-42" {
		t.Errorf("expected m-42, got %q", cur.LastID)
	}
	if !cur.LastSeen.Equal(seen) {
		t.Errorf("timestamp precision lost: %v != %v", cur.LastSeen, seen)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := openTestStore(t)

	_, found, err := s.Get(context.Background(), "Nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("missing cursor should report not found")
	}
}

func TestStore_PutReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "Alice", domain.Cursor{LastID: "m-1", LastSeen: time.Now()})
	later := time.Now().Add(time.Minute)
	s.Put(ctx, "Alice", domain.Cursor{LastID: "m-2", LastSeen: later})

	cur, _, err := s.Get(ctx, "Alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.LastID != "m-2" {
		t.Errorf("upsert should replace, got %q", cur.LastID)
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "Alice", domain.Cursor{LastID: "m-1", LastSeen: time.Now()})
	if err := s.Delete(ctx, "Alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "Alice"); found {
		t.Error("deleted cursor should be gone")
	}

	// Deleting an absent cursor is fine.
	if err := s.Delete(ctx, "Alice"); err != nil {
		t.Errorf("double delete should not error: %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	ctx := context.Background()

	s1, err := Open(path, testCurLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1.Put(ctx, "Alice", domain.Cursor{LastID: "m-7", LastSeen: time.Now()})
	s1.Close()

	s2, err := Open(path, testCurLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	cur, found, err := s2.Get(ctx, "Alice")
	if err != nil || !found || cur.LastID != "m-7" {
		t.Errorf("cursor lost across reopen: %+v found=%v err=%v", cur, found, err)
	}
}
