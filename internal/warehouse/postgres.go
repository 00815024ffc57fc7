package warehouse

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the event tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init warehouse schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// InsertRaw bulk-writes raw rows, skipping identities that already exist.
func (s *PostgresStore) InsertRaw(ctx context.Context, recs []RawRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO raw_ledger_events (partition_id, record_id, record_time, verdict, body, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_id, record_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range recs {
		var body any
		if rec.Body != nil {
			body = rec.Body
		}
		ingestedAt := rec.IngestedAt
		if ingestedAt.IsZero() {
			ingestedAt = time.Now().UTC()
		}
		batch.Queue(query, rec.PartitionID, rec.RecordID, rec.RecordTime, rec.Verdict, body, ingestedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert raw batch: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ExistingIDs reports which record IDs already exist for the partition.
func (s *PostgresStore) ExistingIDs(ctx context.Context, partitionID int64, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	query := `
		SELECT record_id FROM raw_ledger_events
		WHERE partition_id = $1 AND record_id = ANY($2)
	`

	rows, err := s.pool.Query(ctx, query, partitionID, ids)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// RawAfter returns up to limit raw rows strictly after the cursor.
func (s *PostgresStore) RawAfter(ctx context.Context, partitionID int64, after feed.Cursor, limit int) ([]RawRecord, error) {
	query := `
		SELECT partition_id, record_id, record_time, verdict, body, ingested_at
		FROM raw_ledger_events
		WHERE partition_id = $1
		  AND (record_time, record_id) > ($2, $3)
		ORDER BY record_time, record_id
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, partitionID, after.RecordTime, after.RecordID, limit)
	if err != nil {
		return nil, fmt.Errorf("query raw rows: %w", err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var rec RawRecord
		if err := rows.Scan(&rec.PartitionID, &rec.RecordID, &rec.RecordTime, &rec.Verdict, &rec.Body, &rec.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertParsed writes parsed rows, replacing rows with the same identity.
func (s *PostgresStore) UpsertParsed(ctx context.Context, rows []ParsedRecord) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO parsed_ledger_events (
			partition_id, record_id, record_time, verdict, no_detail,
			account, counterparty, asset, amount, direction, reference, transformed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (partition_id, record_id)
		DO UPDATE SET
			record_time    = EXCLUDED.record_time,
			verdict        = EXCLUDED.verdict,
			no_detail      = EXCLUDED.no_detail,
			account        = EXCLUDED.account,
			counterparty   = EXCLUDED.counterparty,
			asset          = EXCLUDED.asset,
			amount         = EXCLUDED.amount,
			direction      = EXCLUDED.direction,
			reference      = EXCLUDED.reference,
			transformed_at = EXCLUDED.transformed_at
	`

	batch := &pgx.Batch{}
	for _, row := range rows {
		transformedAt := row.TransformedAt
		if transformedAt.IsZero() {
			transformedAt = time.Now().UTC()
		}
		batch.Queue(query,
			row.PartitionID, row.RecordID, row.RecordTime, row.Verdict, row.NoDetail,
			row.Account, row.Counterparty, row.Asset, row.Amount.String(),
			row.Direction, row.Reference, transformedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert parsed batch: %w", err)
		}
	}
	return nil
}

// Backlog counts raw rows strictly after the watermark.
func (s *PostgresStore) Backlog(ctx context.Context, partitionID int64, watermark feed.Cursor) (int64, error) {
	query := `
		SELECT COUNT(*) FROM raw_ledger_events
		WHERE partition_id = $1
		  AND (record_time, record_id) > ($2, $3)
	`

	var n int64
	err := s.pool.QueryRow(ctx, query, partitionID, watermark.RecordTime, watermark.RecordID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
