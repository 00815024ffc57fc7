// Package cursor persists per-partition ingestion cursors and transform
// watermarks with atomic compare-and-advance semantics.
package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// Kind selects which of the two per-partition positions is addressed.
type Kind string

const (
	// KindIngest is the ingestion cursor: everything at or before it has
	// been durably written to the raw store.
	KindIngest Kind = "ingest"
	// KindTransform is the transform watermark: everything at or before it
	// has been normalized into the parsed store. Always <= the ingest cursor.
	KindTransform Kind = "transform"
)

// ErrStale is returned by Advance when the stored position no longer matches
// the caller's view, meaning a concurrent run advanced it first.
var ErrStale = errors.New("cursor advanced concurrently")

// Store is the durable cursor/watermark store. Positions are monotonically
// non-decreasing; Advance is a compare-and-set so overlapping runs can never
// double-advance inconsistently.
type Store interface {
	// Get returns the stored position, or the zero cursor for a partition
	// never seen before.
	Get(ctx context.Context, partitionID int64, kind Kind) (feed.Cursor, error)

	// Advance moves the position from `from` to `to`. It returns ErrStale
	// when the stored position is not `from`. Advancing to a position that
	// is not strictly greater is rejected.
	Advance(ctx context.Context, partitionID int64, kind Kind, from, to feed.Cursor) error

	// Close releases any resources.
	Close() error
}

// Config configures the cursor store backend.
type Config struct {
	Backend string // "postgres" | "file" | "memory"
	DSN     string // postgres backend
	Dir     string // file backend
}

// NewStore creates a cursor store for the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "file":
		return NewFileStore(cfg.Dir)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", cfg.Backend)
	}
}

// validAdvance checks the monotonic advance precondition shared by backends.
func validAdvance(from, to feed.Cursor) error {
	if !from.Less(to) {
		return fmt.Errorf("cursor must advance: from=%v to=%v", from, to)
	}
	return nil
}
