package cursor

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

// PostgresStore keeps cursors in a Postgres table with conditional-update
// advances, which makes overlapping runs safe across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the cursor table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute

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
		return nil, fmt.Errorf("init cursor schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Get returns the stored position, or the zero cursor if no row exists.
func (s *PostgresStore) Get(ctx context.Context, partitionID int64, kind Kind) (feed.Cursor, error) {
	query := `
		SELECT last_record_time, last_record_id
		FROM ledger_cursors
		WHERE partition_id = $1 AND kind = $2
	`

	var cur feed.Cursor
	err := s.pool.QueryRow(ctx, query, partitionID, string(kind)).Scan(&cur.RecordTime, &cur.RecordID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return feed.Cursor{}, nil
		}
		return feed.Cursor{}, fmt.Errorf("get cursor: %w", err)
	}
	return cur, nil
}

// Advance moves the position with an atomic conditional update. A fresh
// partition inserts its first row; any mismatch with `from` means another
// run got there first and surfaces as ErrStale.
func (s *PostgresStore) Advance(ctx context.Context, partitionID int64, kind Kind, from, to feed.Cursor) error {
	if err := validAdvance(from, to); err != nil {
		return err
	}

	if from.IsZero() {
		query := `
			INSERT INTO ledger_cursors (partition_id, kind, last_record_time, last_record_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (partition_id, kind) DO NOTHING
		`
		tag, err := s.pool.Exec(ctx, query, partitionID, string(kind), to.RecordTime, to.RecordID)
		if err != nil {
			return fmt.Errorf("insert cursor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: partition %d already has a %s cursor", ErrStale, partitionID, kind)
		}
		return nil
	}

	query := `
		UPDATE ledger_cursors
		SET last_record_time = $3, last_record_id = $4, updated_at = NOW()
		WHERE partition_id = $1 AND kind = $2
		  AND last_record_time = $5 AND last_record_id = $6
	`
	tag, err := s.pool.Exec(ctx, query,
		partitionID, string(kind),
		to.RecordTime, to.RecordID,
		from.RecordTime, from.RecordID,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: partition %d kind %s", ErrStale, partitionID, kind)
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
