package cursor

import (
	"context"
	"fmt"
	"sync"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// MemoryStore is an in-process cursor store. Used for tests and for
// single-shot local runs where durability does not matter.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]feed.Cursor
}

// NewMemoryStore creates an empty in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]feed.Cursor)}
}

func memKey(partitionID int64, kind Kind) string {
	return fmt.Sprintf("%d/%s", partitionID, kind)
}

// Get returns the stored position, or the zero cursor if unseen.
func (s *MemoryStore) Get(ctx context.Context, partitionID int64, kind Kind) (feed.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[memKey(partitionID, kind)], nil
}

// Advance performs a compare-and-set move from `from` to `to`.
func (s *MemoryStore) Advance(ctx context.Context, partitionID int64, kind Kind, from, to feed.Cursor) error {
	if err := validAdvance(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(partitionID, kind)
	if cur := s.positions[key]; !cur.Equal(from) {
		return fmt.Errorf("%w: have %v, expected %v", ErrStale, cur, from)
	}
	s.positions[key] = to
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
