package cursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

func pos(sec int, id string) feed.Cursor {
	return feed.Cursor{
		RecordTime: time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC),
		RecordID:   id,
	}
}

// storeUnderTest runs the same contract checks against any backend.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Fresh partition reads as the zero cursor.
	got, err := s.Get(ctx, 7, KindIngest)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("fresh partition cursor = %v, want zero", got)
	}

	// First advance from zero.
	if err := s.Advance(ctx, 7, KindIngest, feed.Cursor{}, pos(1, "a")); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	got, _ = s.Get(ctx, 7, KindIngest)
	if !got.Equal(pos(1, "a")) {
		t.Fatalf("cursor = %v, want %v", got, pos(1, "a"))
	}

	// Stale advance is rejected.
	err = s.Advance(ctx, 7, KindIngest, feed.Cursor{}, pos(2, "b"))
	if !errors.Is(err, ErrStale) {
		t.Fatalf("stale advance: got %v, want ErrStale", err)
	}

	// Regressing advance is rejected before touching storage.
	if err := s.Advance(ctx, 7, KindIngest, pos(1, "a"), pos(0, "z")); err == nil {
		t.Fatal("regressing advance should fail")
	}
	got, _ = s.Get(ctx, 7, KindIngest)
	if !got.Equal(pos(1, "a")) {
		t.Fatalf("cursor moved despite rejected advance: %v", got)
	}

	// Normal advance.
	if err := s.Advance(ctx, 7, KindIngest, pos(1, "a"), pos(2, "b")); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Kinds are independent.
	wm, _ := s.Get(ctx, 7, KindTransform)
	if !wm.IsZero() {
		t.Fatalf("watermark should be untouched, got %v", wm)
	}
	if err := s.Advance(ctx, 7, KindTransform, feed.Cursor{}, pos(1, "a")); err != nil {
		t.Fatalf("watermark advance: %v", err)
	}

	// Partitions are independent.
	other, _ := s.Get(ctx, 8, KindIngest)
	if !other.IsZero() {
		t.Fatalf("partition 8 should be fresh, got %v", other)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestFileStoreContract(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	storeUnderTest(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := s1.Advance(ctx, 3, KindIngest, feed.Cursor{}, pos(5, "x")); err != nil {
		t.Fatalf("advance: %v", err)
	}
	s1.Close()

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(ctx, 3, KindIngest)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !got.Equal(pos(5, "x")) {
		t.Fatalf("cursor after reopen = %v, want %v", got, pos(5, "x"))
	}
}

func TestNewStoreUnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), Config{Backend: "etcd"}); err == nil {
		t.Fatal("unknown backend should fail")
	}
}
