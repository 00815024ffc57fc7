package feed

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the feed could not be reached after the
// configured retry budget. The current run ends short of its page cap; the
// cursor is untouched so the next run resumes cleanly.
var ErrUnavailable = errors.New("feed unavailable")

// Client fetches pages of ledger events for a partition.
type Client interface {
	// FetchPage returns up to pageSize records strictly after the given
	// cursor. The boundary record named by the cursor is never re-emitted.
	FetchPage(ctx context.Context, partitionID int64, after Cursor, pageSize int) (*Page, error)

	// Lookup fetches a single record by identity. Used by diagnostic
	// tooling only, never by the pipeline itself.
	Lookup(ctx context.Context, partitionID int64, recordID string) (*Record, error)

	// Close releases the underlying session.
	Close() error
}
