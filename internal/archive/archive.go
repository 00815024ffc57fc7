// Package archive writes fetched raw pages to object storage for replay and
// audit. Archival is best-effort: failures are logged by the caller and
// never fail a run.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// Writer archives raw feed pages.
type Writer interface {
	// WritePage archives one fetched page for a partition.
	WritePage(ctx context.Context, partitionID int64, records []feed.Record) error

	// Close releases any resources.
	Close() error
}

// Config configures the archive writer.
type Config struct {
	Enabled  bool
	Backend  string // "local" | "gcs" | "s3"
	Bucket   string
	LocalDir string
	Prefix   string
	Format   string // "jsonl" | "parquet"
}

// NewWriter creates an archive writer based on configuration.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if !cfg.Enabled {
		return &noopWriter{}, nil
	}

	var bucketURL string
	switch cfg.Backend {
	case "local":
		abs, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve archive dir: %w", err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", abs, err)
		}
		bucketURL = "file://" + abs
	case "gcs":
		bucketURL = "gs://" + cfg.Bucket
	case "s3":
		bucketURL = "s3://" + cfg.Bucket
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %s: %w", bucketURL, err)
	}

	var enc encoder
	switch cfg.Format {
	case "parquet":
		enc = parquetEncoder{}
	case "jsonl", "":
		e, err := newZstdJSONLEncoder()
		if err != nil {
			bucket.Close()
			return nil, err
		}
		enc = e
	default:
		bucket.Close()
		return nil, fmt.Errorf("unknown archive format %q", cfg.Format)
	}

	return &blobWriter{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    cfg.Prefix,
		enc:       enc,
	}, nil
}

// blobWriter archives pages to a gocloud bucket.
type blobWriter struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
	enc       encoder
}

// pageKey builds the object key for one archived page.
func (w *blobWriter) pageKey(partitionID int64, records []feed.Record, at time.Time) string {
	first := records[0].RecordID
	last := records[len(records)-1].RecordID
	return fmt.Sprintf("%spartition=%d/page-%s-%s-%s.%s",
		w.prefix, partitionID,
		at.UTC().Format("20060102T150405.000Z0700"),
		first, last, w.enc.ext())
}

// WritePage archives one fetched page.
func (w *blobWriter) WritePage(ctx context.Context, partitionID int64, records []feed.Record) error {
	if len(records) == 0 {
		return nil
	}

	data, err := w.enc.encode(partitionID, records)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}

	key := w.pageKey(partitionID, records, time.Now())

	bw, err := w.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := bw.Write(data); err != nil {
		bw.Close()
		return fmt.Errorf("write page to %s: %w", key, err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Exists reports whether an archived object is present under the key.
func (w *blobWriter) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := w.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return exists, nil
}

// URI returns the canonical URI for an archived key.
func (w *blobWriter) URI(key string) string {
	return w.bucketURL + "/" + key
}

// Close releases the bucket handle.
func (w *blobWriter) Close() error {
	if c, ok := w.enc.(interface{ close() }); ok {
		c.close()
	}
	return w.bucket.Close()
}

// noopWriter is used when archival is disabled.
type noopWriter struct{}

func (noopWriter) WritePage(ctx context.Context, partitionID int64, records []feed.Record) error {
	return nil
}

func (noopWriter) Close() error {
	return nil
}
