// Package transform normalizes raw ledger rows into the parsed table,
// tracking progress with a per-partition watermark that never passes the
// ingest cursor.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/feed"
	"github.com/veritaslabs/ledgersync/internal/metrics"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

// Config bounds one transformation run for a partition.
type Config struct {
	// BatchSize is the number of raw rows read per batch.
	BatchSize int
	// MaxBatches caps how many batches one run processes. 0 means no cap.
	MaxBatches int
}

// Result summarizes one transformation run for a partition.
type Result struct {
	PartitionID     int64       `json:"partition_id"`
	BatchesRun      int         `json:"batches_run"`
	RowsTransformed int64       `json:"rows_transformed"`
	Watermark       feed.Cursor `json:"watermark"`
	// Exhausted is true when the backlog was drained rather than the run
	// stopping at the batch cap.
	Exhausted bool `json:"exhausted"`
}

// Transformer normalizes raw rows into parsed rows batch by batch.
type Transformer struct {
	store   warehouse.Store
	cursors cursor.Store
	cfg     Config
	log     *slog.Logger
}

// New creates a transformer.
func New(store warehouse.Store, cursors cursor.Store, cfg Config, log *slog.Logger) *Transformer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Transformer{store: store, cursors: cursors, cfg: cfg, log: log}
}

// detail is the body payload shape produced by the feed for settled events.
type detail struct {
	Account      string `json:"account"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	Direction    string `json:"direction"`
	Reference    string `json:"reference"`
}

// Run transforms raw rows for one partition until the backlog is drained,
// the batch cap is hit, or an error stops the run. Committed watermark
// progress is preserved on error.
func (t *Transformer) Run(ctx context.Context, partitionID int64) (*Result, error) {
	wm, err := t.cursors.Get(ctx, partitionID, cursor.KindTransform)
	if err != nil {
		return &Result{PartitionID: partitionID}, fmt.Errorf("load transform watermark: %w", err)
	}

	res := &Result{PartitionID: partitionID, Watermark: wm}
	log := t.log.With("partition", partitionID)

	for t.cfg.MaxBatches <= 0 || res.BatchesRun < t.cfg.MaxBatches {
		start := time.Now()
		rows, err := t.store.RawAfter(ctx, partitionID, wm, t.cfg.BatchSize)
		if err != nil {
			if m := metrics.Get(); m != nil {
				m.IncStoreErrors(partitionID, "raw_after")
			}
			return res, fmt.Errorf("read raw batch: %w", err)
		}
		if len(rows) == 0 {
			res.Exhausted = true
			break
		}

		parsed := make([]warehouse.ParsedRecord, len(rows))
		for i, row := range rows {
			parsed[i] = t.parseRow(row, log)
		}
		if err := t.store.UpsertParsed(ctx, parsed); err != nil {
			if m := metrics.Get(); m != nil {
				m.IncStoreErrors(partitionID, "upsert_parsed")
			}
			return res, fmt.Errorf("write parsed batch: %w", err)
		}

		next := rows[len(rows)-1].Position()
		wm, err = t.advance(ctx, partitionID, wm, next, log)
		if err != nil {
			return res, err
		}
		res.Watermark = wm
		res.BatchesRun++
		res.RowsTransformed += int64(len(rows))

		if m := metrics.Get(); m != nil {
			m.AddRowsTransformed(partitionID, float64(len(rows)))
			m.ObserveTransformBatchDuration(partitionID, time.Since(start).Seconds())
		}
		log.Debug("batch transformed",
			"rows", len(rows),
			"watermark_time", wm.RecordTime,
			"watermark_id", wm.RecordID)
	}

	log.Info("transformation finished",
		"batches", res.BatchesRun,
		"rows", res.RowsTransformed,
		"exhausted", res.Exhausted)
	return res, nil
}

// parseRow maps one raw row to its parsed form. A verdict-only row becomes a
// NoDetail row; an unparseable body is logged and yields empty detail fields
// rather than failing the batch.
func (t *Transformer) parseRow(row warehouse.RawRecord, log *slog.Logger) warehouse.ParsedRecord {
	out := warehouse.ParsedRecord{
		PartitionID:   row.PartitionID,
		RecordID:      row.RecordID,
		RecordTime:    row.RecordTime,
		Verdict:       row.Verdict,
		Amount:        decimal.Zero,
		TransformedAt: time.Now().UTC(),
	}

	if len(row.Body) == 0 {
		out.NoDetail = true
		return out
	}

	var d detail
	if err := json.Unmarshal(row.Body, &d); err != nil {
		log.Warn("unparseable record body", "record_id", row.RecordID, "error", err)
		return out
	}

	out.Account = d.Account
	out.Counterparty = d.Counterparty
	out.Asset = d.Asset
	out.Direction = d.Direction
	out.Reference = d.Reference
	if d.Amount != "" {
		amt, err := decimal.NewFromString(d.Amount)
		if err != nil {
			log.Warn("unparseable amount", "record_id", row.RecordID, "amount", d.Amount)
		} else {
			out.Amount = amt
		}
	}
	return out
}

// advance commits the transform watermark and returns the effective stored
// position. Parsed writes are idempotent upserts, so losing a CAS race to a
// concurrent run only means adopting its further position.
func (t *Transformer) advance(ctx context.Context, partitionID int64, from, to feed.Cursor, log *slog.Logger) (feed.Cursor, error) {
	effective := to
	err := t.cursors.Advance(ctx, partitionID, cursor.KindTransform, from, to)
	switch {
	case err == nil:
	case errors.Is(err, cursor.ErrStale):
		stored, getErr := t.cursors.Get(ctx, partitionID, cursor.KindTransform)
		if getErr != nil {
			return from, fmt.Errorf("reload watermark after concurrent advance: %w", getErr)
		}
		log.Warn("watermark advanced by concurrent run",
			"attempted_id", to.RecordID,
			"stored_id", stored.RecordID)
		effective = stored
	default:
		return from, fmt.Errorf("advance transform watermark: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.SetCursorTimestamp(partitionID, string(cursor.KindTransform), float64(effective.RecordTime.Unix()))
	}
	return effective, nil
}
