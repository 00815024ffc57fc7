// Package warehouse stores raw feed records and their normalized parsed
// counterparts. Both tables are addressable by (partition_id, record_id)
// so every write path is idempotent.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// RawRecord is one append-only row in the raw store. Body is nil for
// verdict-only feed records.
type RawRecord struct {
	PartitionID int64
	RecordID    string
	RecordTime  time.Time
	Verdict     string
	Body        []byte
	IngestedAt  time.Time
}

// Position returns the cursor position of the row.
func (r RawRecord) Position() feed.Cursor {
	return feed.Cursor{RecordTime: r.RecordTime, RecordID: r.RecordID}
}

// ParsedRecord is one normalized row in the parsed store. NoDetail marks
// rows produced from verdict-only records ("no data available"), as opposed
// to records whose body was present but empty.
type ParsedRecord struct {
	PartitionID   int64
	RecordID      string
	RecordTime    time.Time
	Verdict       string
	NoDetail      bool
	Account       string
	Counterparty  string
	Asset         string
	Amount        decimal.Decimal
	Direction     string
	Reference     string
	TransformedAt time.Time
}

// Store is the warehouse write/read surface used by the pipeline stages.
type Store interface {
	// InsertRaw bulk-writes raw rows, silently skipping rows whose identity
	// already exists. Returns the number actually inserted.
	InsertRaw(ctx context.Context, recs []RawRecord) (int64, error)

	// ExistingIDs reports which of the given record IDs already exist in
	// the raw store for the partition.
	ExistingIDs(ctx context.Context, partitionID int64, ids []string) (map[string]struct{}, error)

	// RawAfter returns up to limit raw rows strictly after the cursor, in
	// (record_time, record_id) order.
	RawAfter(ctx context.Context, partitionID int64, after feed.Cursor, limit int) ([]RawRecord, error)

	// UpsertParsed writes parsed rows, replacing any existing row with the
	// same identity.
	UpsertParsed(ctx context.Context, rows []ParsedRecord) error

	// Backlog counts raw rows strictly after the given watermark.
	Backlog(ctx context.Context, partitionID int64, watermark feed.Cursor) (int64, error)

	// Close releases any resources.
	Close() error
}

// Config configures the warehouse backend.
type Config struct {
	Backend string // "postgres" | "memory"
	DSN     string
}

// NewStore creates a warehouse store for the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", cfg.Backend)
	}
}
