package warehouse

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// MemoryStore is an in-process warehouse. Used for tests and local dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	raw    map[int64]map[string]RawRecord
	parsed map[int64]map[string]ParsedRecord
}

// NewMemoryStore creates an empty in-memory warehouse.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raw:    make(map[int64]map[string]RawRecord),
		parsed: make(map[int64]map[string]ParsedRecord),
	}
}

// InsertRaw writes rows whose identity is not already present.
func (s *MemoryStore) InsertRaw(ctx context.Context, recs []RawRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, rec := range recs {
		part := s.raw[rec.PartitionID]
		if part == nil {
			part = make(map[string]RawRecord)
			s.raw[rec.PartitionID] = part
		}
		if _, ok := part[rec.RecordID]; ok {
			continue
		}
		if rec.IngestedAt.IsZero() {
			rec.IngestedAt = time.Now().UTC()
		}
		part[rec.RecordID] = rec
		inserted++
	}
	return inserted, nil
}

// ExistingIDs reports which record IDs already exist for the partition.
func (s *MemoryStore) ExistingIDs(ctx context.Context, partitionID int64, ids []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(ids))
	part := s.raw[partitionID]
	for _, id := range ids {
		if _, ok := part[id]; ok {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

// RawAfter returns up to limit raw rows strictly after the cursor.
func (s *MemoryStore) RawAfter(ctx context.Context, partitionID int64, after feed.Cursor, limit int) ([]RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RawRecord
	for _, rec := range s.raw[partitionID] {
		if after.Less(rec.Position()) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position().Less(out[j].Position())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertParsed writes parsed rows, replacing rows with the same identity.
func (s *MemoryStore) UpsertParsed(ctx context.Context, rows []ParsedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		part := s.parsed[row.PartitionID]
		if part == nil {
			part = make(map[string]ParsedRecord)
			s.parsed[row.PartitionID] = part
		}
		if row.TransformedAt.IsZero() {
			row.TransformedAt = time.Now().UTC()
		}
		part[row.RecordID] = row
	}
	return nil
}

// Backlog counts raw rows strictly after the watermark.
func (s *MemoryStore) Backlog(ctx context.Context, partitionID int64, watermark feed.Cursor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.raw[partitionID] {
		if watermark.Less(rec.Position()) {
			n++
		}
	}
	return n, nil
}

// RawCount returns the number of raw rows for a partition. Test helper.
func (s *MemoryStore) RawCount(partitionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw[partitionID])
}

// Parsed returns a copy of the parsed row for an identity. Test helper.
func (s *MemoryStore) Parsed(partitionID int64, recordID string) (ParsedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.parsed[partitionID][recordID]
	return row, ok
}

// ParsedCount returns the number of parsed rows for a partition. Test helper.
func (s *MemoryStore) ParsedCount(partitionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parsed[partitionID])
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
