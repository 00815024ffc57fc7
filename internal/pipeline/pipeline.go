// Package pipeline orchestrates ingestion and transformation across the
// configured partitions and reports run statistics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritaslabs/ledgersync/internal/archive"
	"github.com/veritaslabs/ledgersync/internal/config"
	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/feed"
	"github.com/veritaslabs/ledgersync/internal/ingest"
	"github.com/veritaslabs/ledgersync/internal/logging"
	"github.com/veritaslabs/ledgersync/internal/metrics"
	"github.com/veritaslabs/ledgersync/internal/transform"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

// ClientFactory builds a feed client for one partition. Each partition gets
// its own client so per-partition retry policies never interfere.
type ClientFactory func(p config.PartitionConfig) (feed.Client, error)

// HTTPClientFactory returns a factory producing HTTP feed clients with the
// partition's resolved retry policy.
func HTTPClientFactory(cfg *config.Config) ClientFactory {
	return func(p config.PartitionConfig) (feed.Client, error) {
		maxRetries, backoff := cfg.RetryPolicyFor(p)
		return feed.NewHTTPClient(feed.HTTPConfig{
			BaseURL:      cfg.Feed.BaseURL,
			Timeout:      cfg.Feed.Timeout(),
			MaxRetries:   maxRetries,
			RetryBackoff: backoff,
			MaxPageSize:  cfg.Feed.MaxPageSize,
		})
	}
}

// PartitionStats reports one partition's outcome within a run.
type PartitionStats struct {
	PartitionID int64             `json:"partition_id"`
	Ingest      *ingest.Result    `json:"ingest,omitempty"`
	Transform   *transform.Result `json:"transform,omitempty"`
	Backlog     int64             `json:"backlog"`
	Error       string            `json:"error,omitempty"`
}

// Stats reports one full pipeline run.
type Stats struct {
	RunID           string           `json:"run_id"`
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Partitions      []PartitionStats `json:"partitions"`
	RowsIngested    int64            `json:"rows_ingested"`
	RowsTransformed int64            `json:"rows_transformed"`
	TransformRan    bool             `json:"transform_ran"`
	Success         bool             `json:"success"`
}

// PartitionStatus is the current durable state of one partition.
type PartitionStatus struct {
	PartitionID        int64       `json:"partition_id"`
	IngestCursor       feed.Cursor `json:"ingest_cursor"`
	TransformWatermark feed.Cursor `json:"transform_watermark"`
	Backlog            int64       `json:"backlog"`
}

// Status is the pipeline's durable state across all configured partitions.
type Status struct {
	Partitions []PartitionStatus `json:"partitions"`
}

// Pipeline wires the feed, the warehouse, the cursor store and the optional
// archive into runnable ingest/transform stages.
type Pipeline struct {
	cfg       *config.Config
	store     warehouse.Store
	cursors   cursor.Store
	archive   archive.Writer
	newClient ClientFactory
	log       *slog.Logger
}

// New creates a pipeline over already-open stores.
func New(cfg *config.Config, store warehouse.Store, cursors cursor.Store, arch archive.Writer, newClient ClientFactory) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		cursors:   cursors,
		archive:   arch,
		newClient: newClient,
		log:       logging.Component("pipeline"),
	}
}

// Run ingests every configured partition, then transforms when the auto
// trigger is enabled and the accumulated backlog crosses the threshold.
// Partitions fail independently; a feed outage on one never blocks another.
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Success:   true,
	}
	log := logging.RunLogger(stats.RunID)
	log.Info("pipeline run starting", "partitions", len(p.cfg.Partitions))

	fatal := false
	var totalBacklog int64
	for _, pc := range p.cfg.Partitions {
		ps := p.ingestPartition(ctx, stats.RunID, pc)
		if ps.Error != "" {
			stats.Success = false
			if ps.fatal {
				fatal = true
			}
		}
		if ps.Ingest != nil {
			stats.RowsIngested += ps.Ingest.RowsInserted
		}
		totalBacklog += ps.Backlog
		stats.Partitions = append(stats.Partitions, ps.PartitionStats)

		if ctx.Err() != nil {
			stats.Success = false
			break
		}
	}

	if p.shouldTransform(fatal, totalBacklog, log) {
		stats.TransformRan = true
		p.transformAll(ctx, stats)
	}

	stats.DurationSeconds = time.Since(stats.StartedAt).Seconds()
	p.finishRun(stats, log)
	return stats, nil
}

// TransformOnly runs the transform stage for every partition without
// touching the feed.
func (p *Pipeline) TransformOnly(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		Success:      true,
		TransformRan: true,
	}
	log := logging.RunLogger(stats.RunID)
	log.Info("transform-only run starting", "partitions", len(p.cfg.Partitions))

	for _, pc := range p.cfg.Partitions {
		stats.Partitions = append(stats.Partitions, PartitionStats{PartitionID: pc.ID})
	}
	p.transformAll(ctx, stats)

	stats.DurationSeconds = time.Since(stats.StartedAt).Seconds()
	p.finishRun(stats, log)
	return stats, nil
}

// Status reads the durable cursor, watermark and backlog for each partition.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	out := &Status{}
	for _, pc := range p.cfg.Partitions {
		cur, err := p.cursors.Get(ctx, pc.ID, cursor.KindIngest)
		if err != nil {
			return nil, fmt.Errorf("load ingest cursor for partition %d: %w", pc.ID, err)
		}
		wm, err := p.cursors.Get(ctx, pc.ID, cursor.KindTransform)
		if err != nil {
			return nil, fmt.Errorf("load transform watermark for partition %d: %w", pc.ID, err)
		}
		backlog, err := p.store.Backlog(ctx, pc.ID, wm)
		if err != nil {
			return nil, fmt.Errorf("count backlog for partition %d: %w", pc.ID, err)
		}
		out.Partitions = append(out.Partitions, PartitionStatus{
			PartitionID:        pc.ID,
			IngestCursor:       cur,
			TransformWatermark: wm,
			Backlog:            backlog,
		})
	}
	return out, nil
}

// partitionOutcome carries a partition's stats plus whether its failure
// should veto the transform stage.
type partitionOutcome struct {
	PartitionStats
	fatal bool
}

// ingestPartition runs ingestion for one partition with its own feed client
// and resolved policy, then measures the remaining backlog.
func (p *Pipeline) ingestPartition(ctx context.Context, runID string, pc config.PartitionConfig) partitionOutcome {
	out := partitionOutcome{PartitionStats: PartitionStats{PartitionID: pc.ID}}
	log := logging.PartitionLogger(runID, pc.ID)

	client, err := p.newClient(pc)
	if err != nil {
		out.Error = fmt.Sprintf("create feed client: %v", err)
		out.fatal = true
		log.Error("feed client creation failed", "error", err)
		return out
	}
	defer client.Close()

	ing := ingest.New(client, p.store, p.cursors, p.archive, ingest.Config{
		PageSize:     p.cfg.PageSizeFor(pc),
		MaxPages:     p.cfg.MaxPagesFor(pc),
		RequestDelay: p.cfg.Feed.RequestDelay(),
	}, log)

	res, err := ing.Run(ctx, pc.ID)
	out.Ingest = res
	if err != nil {
		out.Error = err.Error()
		// A feed outage aborts this partition but keeps the run going; a
		// warehouse failure vetoes the transform stage entirely.
		out.fatal = !errors.Is(err, feed.ErrUnavailable) && !errors.Is(err, context.Canceled)
		log.Error("ingestion failed", "error", err)
	}

	wm, wmErr := p.cursors.Get(ctx, pc.ID, cursor.KindTransform)
	if wmErr == nil {
		if backlog, blErr := p.store.Backlog(ctx, pc.ID, wm); blErr == nil {
			out.Backlog = backlog
			if m := metrics.Get(); m != nil {
				m.SetBacklog(pc.ID, float64(backlog))
			}
		}
	}
	return out
}

// shouldTransform decides whether the auto transform stage runs after
// ingestion.
func (p *Pipeline) shouldTransform(fatal bool, backlog int64, log *slog.Logger) bool {
	if !p.cfg.Transform.Auto {
		return false
	}
	if fatal {
		log.Warn("skipping auto transform after ingestion failure")
		return false
	}
	if backlog < p.cfg.Transform.BacklogThreshold {
		log.Info("backlog below auto transform threshold",
			"backlog", backlog,
			"threshold", p.cfg.Transform.BacklogThreshold)
		return false
	}
	return true
}

// transformAll runs the transform stage for every partition, recording
// results into the matching per-partition stats.
func (p *Pipeline) transformAll(ctx context.Context, stats *Stats) {
	for i := range stats.Partitions {
		ps := &stats.Partitions[i]
		pc, ok := p.partitionConfig(ps.PartitionID)
		if !ok {
			continue
		}
		log := logging.PartitionLogger(stats.RunID, pc.ID)

		tr := transform.New(p.store, p.cursors, transform.Config{
			BatchSize:  p.cfg.BatchSizeFor(pc),
			MaxBatches: p.cfg.Transform.MaxBatchesPerRun,
		}, log)

		res, err := tr.Run(ctx, pc.ID)
		ps.Transform = res
		stats.RowsTransformed += res.RowsTransformed
		if err != nil {
			stats.Success = false
			if ps.Error == "" {
				ps.Error = err.Error()
			}
			log.Error("transformation failed", "error", err)
		}

		wm, wmErr := p.cursors.Get(ctx, pc.ID, cursor.KindTransform)
		if wmErr == nil {
			if backlog, blErr := p.store.Backlog(ctx, pc.ID, wm); blErr == nil {
				ps.Backlog = backlog
				if m := metrics.Get(); m != nil {
					m.SetBacklog(pc.ID, float64(backlog))
				}
			}
		}
		if ctx.Err() != nil {
			stats.Success = false
			return
		}
	}
}

func (p *Pipeline) partitionConfig(id int64) (config.PartitionConfig, bool) {
	for _, pc := range p.cfg.Partitions {
		if pc.ID == id {
			return pc, true
		}
	}
	return config.PartitionConfig{}, false
}

func (p *Pipeline) finishRun(stats *Stats, log *slog.Logger) {
	status := "success"
	if !stats.Success {
		status = "failure"
	}
	if m := metrics.Get(); m != nil {
		m.IncRuns(status)
		m.ObserveRunDuration(stats.DurationSeconds)
	}
	log.Info("pipeline run finished",
		"status", status,
		"duration_seconds", stats.DurationSeconds,
		"rows_ingested", stats.RowsIngested,
		"rows_transformed", stats.RowsTransformed,
		"transform_ran", stats.TransformRan)
}
