package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// FileStore persists cursors as one JSON file per (partition, kind) under a
// directory. Writes are atomic (temp file + rename). Suitable for
// single-node deployments without a warehouse-side cursor table; the CAS
// guarantee only holds within one process.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// fileState is the on-disk representation of a position.
type fileState struct {
	PartitionID int64       `json:"partition_id"`
	Kind        Kind        `json:"kind"`
	Position    feed.Cursor `json:"position"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewFileStore creates a file-backed cursor store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cursor directory is required for the file backend")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cursor directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(partitionID int64, kind Kind) string {
	return filepath.Join(s.dir, fmt.Sprintf("cursor_%d_%s.json", partitionID, kind))
}

// Get returns the stored position, or the zero cursor if no file exists.
func (s *FileStore) Get(ctx context.Context, partitionID int64, kind Kind) (feed.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(partitionID, kind)
}

func (s *FileStore) load(partitionID int64, kind Kind) (feed.Cursor, error) {
	data, err := os.ReadFile(s.path(partitionID, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return feed.Cursor{}, nil
		}
		return feed.Cursor{}, fmt.Errorf("read cursor file: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return feed.Cursor{}, fmt.Errorf("parse cursor file: %w", err)
	}
	return st.Position, nil
}

// Advance performs a compare-and-set move from `from` to `to`.
func (s *FileStore) Advance(ctx context.Context, partitionID int64, kind Kind, from, to feed.Cursor) error {
	if err := validAdvance(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(partitionID, kind)
	if err != nil {
		return err
	}
	if !cur.Equal(from) {
		return fmt.Errorf("%w: have %v, expected %v", ErrStale, cur, from)
	}

	st := fileState{
		PartitionID: partitionID,
		Kind:        kind,
		Position:    to,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	// Write atomically
	path := s.path(partitionID, kind)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write cursor temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cursor file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
