// Package ingest pulls pages from the ledger feed into the raw warehouse
// table, advancing the per-partition cursor only after each page is durable.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritaslabs/ledgersync/internal/archive"
	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/feed"
	"github.com/veritaslabs/ledgersync/internal/metrics"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

// Config bounds one ingestion run for a partition.
type Config struct {
	// PageSize is the number of records requested per feed page.
	PageSize int
	// MaxPages caps how many pages one run consumes. 0 means no cap.
	MaxPages int
	// RequestDelay is the pause between consecutive page fetches.
	RequestDelay time.Duration
}

// Result summarizes one ingestion run for a partition.
type Result struct {
	PartitionID   int64       `json:"partition_id"`
	PagesFetched  int         `json:"pages_fetched"`
	RowsInserted  int64       `json:"rows_inserted"`
	RowsDuplicate int64       `json:"rows_duplicate"`
	RowsMalformed int64       `json:"rows_malformed"`
	Cursor        feed.Cursor `json:"cursor"`
	// Exhausted is true when the feed returned an empty page, meaning the
	// partition is fully caught up rather than stopped at the page cap.
	Exhausted bool `json:"exhausted"`
}

// Ingestor copies feed pages into the raw store for one or more partitions.
type Ingestor struct {
	client  feed.Client
	store   warehouse.Store
	cursors cursor.Store
	archive archive.Writer
	cfg     Config
	log     *slog.Logger
}

// New creates an ingestor. The archive writer may be a disabled noop.
func New(client feed.Client, store warehouse.Store, cursors cursor.Store, arch archive.Writer, cfg Config, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Ingestor{
		client:  client,
		store:   store,
		cursors: cursors,
		archive: arch,
		cfg:     cfg,
		log:     log,
	}
}

// Run ingests pages for one partition until the feed is drained, the page
// cap is hit, or an error stops the run. The returned Result is valid even
// on error: progress committed before the failure is preserved.
func (in *Ingestor) Run(ctx context.Context, partitionID int64) (*Result, error) {
	cur, err := in.cursors.Get(ctx, partitionID, cursor.KindIngest)
	if err != nil {
		return &Result{PartitionID: partitionID}, fmt.Errorf("load ingest cursor: %w", err)
	}

	res := &Result{PartitionID: partitionID, Cursor: cur}
	log := in.log.With("partition", partitionID)
	log.Info("ingestion starting",
		"cursor_time", cur.RecordTime,
		"cursor_id", cur.RecordID,
		"page_size", in.cfg.PageSize,
		"max_pages", in.cfg.MaxPages)

	for in.cfg.MaxPages <= 0 || res.PagesFetched < in.cfg.MaxPages {
		if res.PagesFetched > 0 && in.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(in.cfg.RequestDelay):
			}
		}

		start := time.Now()
		page, err := in.client.FetchPage(ctx, partitionID, cur, in.cfg.PageSize)
		if m := metrics.Get(); m != nil {
			m.ObserveFetchDuration(partitionID, time.Since(start).Seconds())
		}
		if err != nil {
			if m := metrics.Get(); m != nil {
				m.IncFeedErrors(partitionID, errorKind(err))
			}
			return res, fmt.Errorf("fetch page after %s: %w", cur.RecordID, err)
		}
		res.PagesFetched++
		if m := metrics.Get(); m != nil {
			m.IncPagesFetched(partitionID)
		}

		if len(page.Records) == 0 {
			res.Exhausted = true
			break
		}

		next, err := in.ingestPage(ctx, partitionID, cur, page.Records, res)
		if err != nil {
			return res, err
		}

		if !cur.Less(next) {
			// Every record on the page was malformed or already behind the
			// cursor, so the position cannot move. Stop instead of refetching
			// the same page forever.
			log.Warn("page did not advance cursor, stopping",
				"records", len(page.Records),
				"cursor_id", cur.RecordID)
			break
		}

		cur, err = in.advance(ctx, partitionID, cur, next, log)
		if err != nil {
			return res, err
		}
		res.Cursor = cur

		log.Debug("page ingested",
			"records", len(page.Records),
			"inserted", res.RowsInserted,
			"cursor_time", cur.RecordTime,
			"cursor_id", cur.RecordID)
	}

	log.Info("ingestion finished",
		"pages", res.PagesFetched,
		"inserted", res.RowsInserted,
		"duplicate", res.RowsDuplicate,
		"malformed", res.RowsMalformed,
		"exhausted", res.Exhausted)
	return res, nil
}

// ingestPage writes one page's records to the raw store and returns the
// highest record position seen. The cursor is not advanced here.
func (in *Ingestor) ingestPage(ctx context.Context, partitionID int64, cur feed.Cursor, records []feed.Record, res *Result) (feed.Cursor, error) {
	log := in.log.With("partition", partitionID)

	next := cur
	var malformed, duplicate int64
	seen := make(map[string]struct{}, len(records))
	wellFormed := make([]feed.Record, 0, len(records))
	candidates := make([]feed.Record, 0, len(records))

	for _, r := range records {
		if r.Malformed() {
			malformed++
			log.Warn("skipping malformed record", "record_time", r.RecordTime, "verdict", r.Verdict)
			continue
		}
		wellFormed = append(wellFormed, r)
		if pos := feed.CursorOf(r); next.Less(pos) {
			next = pos
		}
		if _, dup := seen[r.RecordID]; dup {
			duplicate++
			continue
		}
		seen[r.RecordID] = struct{}{}
		candidates = append(candidates, r)
	}
	res.RowsMalformed += malformed
	if m := metrics.Get(); m != nil && malformed > 0 {
		m.AddRowsMalformed(partitionID, float64(malformed))
	}

	if err := in.archive.WritePage(ctx, partitionID, wellFormed); err != nil {
		// Archival is best-effort and never blocks ingestion.
		log.Warn("page archive failed", "error", err)
	}

	if len(candidates) == 0 {
		res.RowsDuplicate += duplicate
		if m := metrics.Get(); m != nil && duplicate > 0 {
			m.AddRowsDuplicate(partitionID, float64(duplicate))
		}
		return next, nil
	}

	ids := make([]string, len(candidates))
	for i, r := range candidates {
		ids[i] = r.RecordID
	}
	existing, err := in.store.ExistingIDs(ctx, partitionID, ids)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStoreErrors(partitionID, "existing_ids")
		}
		return cur, fmt.Errorf("check existing records: %w", err)
	}

	now := time.Now().UTC()
	fresh := make([]warehouse.RawRecord, 0, len(candidates))
	for _, r := range candidates {
		if _, ok := existing[r.RecordID]; ok {
			duplicate++
			continue
		}
		row := warehouse.RawRecord{
			PartitionID: partitionID,
			RecordID:    r.RecordID,
			RecordTime:  r.RecordTime,
			Verdict:     r.Verdict,
			IngestedAt:  now,
		}
		if r.Kind() == feed.KindBody {
			row.Body = r.Body
		}
		fresh = append(fresh, row)
	}

	if len(fresh) > 0 {
		inserted, err := in.store.InsertRaw(ctx, fresh)
		if err != nil {
			if m := metrics.Get(); m != nil {
				m.IncStoreErrors(partitionID, "insert_raw")
			}
			return cur, fmt.Errorf("insert raw rows: %w", err)
		}
		res.RowsInserted += inserted
		// Rows that raced in from another run land as conflicts.
		duplicate += int64(len(fresh)) - inserted
		if m := metrics.Get(); m != nil {
			m.AddRowsInserted(partitionID, float64(inserted))
		}
	}
	res.RowsDuplicate += duplicate
	if m := metrics.Get(); m != nil && duplicate > 0 {
		m.AddRowsDuplicate(partitionID, float64(duplicate))
	}

	return next, nil
}

// advance commits the ingest cursor from `from` to `to` and returns the
// effective stored position. A stale CAS means a concurrent run already
// moved it; the overlap is benign because the raw store deduplicates by
// identity, so the run adopts the stored position and keeps going.
func (in *Ingestor) advance(ctx context.Context, partitionID int64, from, to feed.Cursor, log *slog.Logger) (feed.Cursor, error) {
	effective := to
	err := in.cursors.Advance(ctx, partitionID, cursor.KindIngest, from, to)
	switch {
	case err == nil:
	case isStale(err):
		stored, getErr := in.cursors.Get(ctx, partitionID, cursor.KindIngest)
		if getErr != nil {
			return from, fmt.Errorf("reload cursor after concurrent advance: %w", getErr)
		}
		log.Warn("cursor advanced by concurrent run",
			"attempted_id", to.RecordID,
			"stored_id", stored.RecordID)
		effective = stored
	default:
		return from, fmt.Errorf("advance ingest cursor: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.SetCursorTimestamp(partitionID, string(cursor.KindIngest), float64(effective.RecordTime.Unix()))
	}
	return effective, nil
}

func isStale(err error) bool {
	return errors.Is(err, cursor.ErrStale)
}

func errorKind(err error) string {
	if errors.Is(err, feed.ErrUnavailable) {
		return "unavailable"
	}
	return "other"
}
