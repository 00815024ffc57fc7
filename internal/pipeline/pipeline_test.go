package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/veritaslabs/ledgersync/internal/archive"
	"github.com/veritaslabs/ledgersync/internal/config"
	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/feed"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func rec(partitionID int64, i int) feed.Record {
	return feed.Record{
		RecordID:    fmt.Sprintf("p%d-ev-%04d", partitionID, i),
		PartitionID: partitionID,
		RecordTime:  baseTime.Add(time.Duration(i) * time.Second),
		Verdict:     "settled",
		Body:        json.RawMessage(fmt.Sprintf(`{"account":"acct-%d","amount":"%d.00"}`, i, i)),
	}
}

func recs(partitionID int64, n int) []feed.Record {
	out := make([]feed.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, rec(partitionID, i))
	}
	return out
}

// fakeFeed serves one partition's records, optionally failing every fetch.
type fakeFeed struct {
	records []feed.Record
	err     error
}

func (f *fakeFeed) FetchPage(ctx context.Context, partitionID int64, after feed.Cursor, pageSize int) (*feed.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []feed.Record{}
	for _, r := range f.records {
		if r.PartitionID != partitionID || !after.Less(feed.CursorOf(r)) {
			continue
		}
		out = append(out, r)
		if len(out) == pageSize {
			break
		}
	}
	return &feed.Page{Records: out}, nil
}

func (f *fakeFeed) Lookup(ctx context.Context, partitionID int64, recordID string) (*feed.Record, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFeed) Close() error { return nil }

// brokenStore fails every raw insert to simulate a warehouse outage.
type brokenStore struct {
	warehouse.Store
}

func (s *brokenStore) InsertRaw(ctx context.Context, rows []warehouse.RawRecord) (int64, error) {
	return 0, errors.New("warehouse down")
}

func testConfig(partitions ...config.PartitionConfig) *config.Config {
	return &config.Config{
		Feed: config.FeedConfig{
			BaseURL:  "http://feed.test",
			PageSize: 200,
		},
		Partitions: partitions,
		Ingest:     config.IngestConfig{MaxPagesPerRun: 20},
		Transform: config.TransformConfig{
			BatchSize:        500,
			MaxBatchesPerRun: 50,
		},
	}
}

func factoryFor(clients map[int64]feed.Client) ClientFactory {
	return func(p config.PartitionConfig) (feed.Client, error) {
		return clients[p.ID], nil
	}
}

func noopArchive(t *testing.T) archive.Writer {
	t.Helper()
	w, err := archive.NewWriter(context.Background(), archive.Config{Enabled: false})
	if err != nil {
		t.Fatalf("new archive writer: %v", err)
	}
	return w
}

func TestAutoTransformTriggersOnBacklog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})
	cfg.Transform.Auto = true
	cfg.Transform.BacklogThreshold = 1000

	store := warehouse.NewMemoryStore()
	pl := New(cfg, store, cursor.NewMemoryStore(), noopArchive(t),
		factoryFor(map[int64]feed.Client{1: &fakeFeed{records: recs(1, 1050)}}))

	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.Success {
		t.Fatalf("run failed: %+v", stats.Partitions)
	}
	if stats.RowsIngested != 1050 {
		t.Errorf("rows ingested = %d, want 1050", stats.RowsIngested)
	}
	if !stats.TransformRan {
		t.Fatal("auto transform did not run despite backlog above threshold")
	}
	if stats.RowsTransformed < 1000 {
		t.Errorf("rows transformed = %d, want at least the threshold 1000", stats.RowsTransformed)
	}
	if got := store.ParsedCount(1); got != 1050 {
		t.Errorf("parsed rows = %d, want 1050", got)
	}
}

func TestAutoTransformDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})
	cfg.Transform.Auto = false
	cfg.Transform.BacklogThreshold = 1000

	store := warehouse.NewMemoryStore()
	pl := New(cfg, store, cursor.NewMemoryStore(), noopArchive(t),
		factoryFor(map[int64]feed.Client{1: &fakeFeed{records: recs(1, 1050)}}))

	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TransformRan {
		t.Error("transform ran despite auto being disabled")
	}
	if got := store.ParsedCount(1); got != 0 {
		t.Errorf("parsed rows = %d, want 0", got)
	}
}

func TestAutoTransformBelowThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})
	cfg.Transform.Auto = true
	cfg.Transform.BacklogThreshold = 1000

	pl := New(cfg, warehouse.NewMemoryStore(), cursor.NewMemoryStore(), noopArchive(t),
		factoryFor(map[int64]feed.Client{1: &fakeFeed{records: recs(1, 10)}}))

	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TransformRan {
		t.Error("transform ran below the backlog threshold")
	}
}

func TestBoundedRunResumesNextRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1, PageSize: 1, MaxPages: 3})

	store := warehouse.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	clients := map[int64]feed.Client{1: &fakeFeed{records: recs(1, 10)}}

	pl := New(cfg, store, cursors, noopArchive(t), factoryFor(clients))
	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if stats.RowsIngested != 3 {
		t.Errorf("first run ingested = %d, want 3", stats.RowsIngested)
	}

	stats, err = pl.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.RowsIngested != 3 {
		t.Errorf("second run ingested = %d, want next 3", stats.RowsIngested)
	}
	if ing := stats.Partitions[0].Ingest; ing == nil || ing.Cursor.RecordID != "p1-ev-0006" {
		t.Errorf("cursor after two runs = %+v, want p1-ev-0006", ing)
	}
	if got := store.RawCount(1); got != 6 {
		t.Errorf("raw rows = %d, want 6", got)
	}
}

func TestPartitionsFailIndependently(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1}, config.PartitionConfig{ID: 2})
	cfg.Transform.Auto = true

	store := warehouse.NewMemoryStore()
	pl := New(cfg, store, cursor.NewMemoryStore(), noopArchive(t), factoryFor(map[int64]feed.Client{
		1: &fakeFeed{records: recs(1, 5)},
		2: &fakeFeed{err: fmt.Errorf("%w: 3 attempts failed", feed.ErrUnavailable)},
	}))

	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Success {
		t.Error("run reported success despite a partition failure")
	}
	if stats.Partitions[0].Error != "" {
		t.Errorf("partition 1 error = %q, want none", stats.Partitions[0].Error)
	}
	if stats.Partitions[1].Error == "" {
		t.Error("partition 2 error missing")
	}
	if got := store.RawCount(1); got != 5 {
		t.Errorf("partition 1 raw rows = %d, want 5", got)
	}
	// A feed outage is not fatal; the healthy partition still transforms.
	if !stats.TransformRan {
		t.Error("transform skipped after a non-fatal feed outage")
	}
	if got := store.ParsedCount(1); got != 5 {
		t.Errorf("partition 1 parsed rows = %d, want 5", got)
	}
}

func TestWarehouseFailureVetoesTransform(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})
	cfg.Transform.Auto = true

	store := &brokenStore{Store: warehouse.NewMemoryStore()}
	pl := New(cfg, store, cursor.NewMemoryStore(), noopArchive(t),
		factoryFor(map[int64]feed.Client{1: &fakeFeed{records: recs(1, 5)}}))

	stats, err := pl.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Success {
		t.Error("run reported success despite warehouse failure")
	}
	if stats.TransformRan {
		t.Error("transform ran after a fatal warehouse failure")
	}
}

func TestTransformOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})

	store := warehouse.NewMemoryStore()
	if _, err := store.InsertRaw(ctx, []warehouse.RawRecord{
		{PartitionID: 1, RecordID: "ev-1", RecordTime: baseTime, Verdict: "settled",
			Body: []byte(`{"account":"a"}`), IngestedAt: baseTime},
		{PartitionID: 1, RecordID: "ev-2", RecordTime: baseTime.Add(time.Second), Verdict: "rejected",
			IngestedAt: baseTime},
	}); err != nil {
		t.Fatalf("seed raw rows: %v", err)
	}

	pl := New(cfg, store, cursor.NewMemoryStore(), noopArchive(t), factoryFor(nil))
	stats, err := pl.TransformOnly(ctx)
	if err != nil {
		t.Fatalf("transform only: %v", err)
	}
	if !stats.Success || stats.RowsTransformed != 2 {
		t.Errorf("stats = %+v, want success with 2 rows", stats)
	}
	if got := store.ParsedCount(1); got != 2 {
		t.Errorf("parsed rows = %d, want 2", got)
	}
}

func TestStatusReportsDurableState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(config.PartitionConfig{ID: 1})

	store := warehouse.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	pl := New(cfg, store, cursors, noopArchive(t),
		factoryFor(map[int64]feed.Client{1: &fakeFeed{records: recs(1, 4)}}))

	if _, err := pl.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	status, err := pl.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(status.Partitions))
	}
	ps := status.Partitions[0]
	if ps.IngestCursor.RecordID != "p1-ev-0004" {
		t.Errorf("ingest cursor = %q, want p1-ev-0004", ps.IngestCursor.RecordID)
	}
	if !ps.TransformWatermark.IsZero() {
		t.Errorf("transform watermark = %+v, want zero before any transform", ps.TransformWatermark)
	}
	if ps.Backlog != 4 {
		t.Errorf("backlog = %d, want 4", ps.Backlog)
	}
}
