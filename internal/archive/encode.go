package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/veritaslabs/ledgersync/internal/feed"
)

// encoder serializes one page of records into a single archive object.
type encoder interface {
	encode(partitionID int64, records []feed.Record) ([]byte, error)
	ext() string
}

// archivedRecord is the JSONL row shape. Body stays as raw JSON so the
// archive is byte-faithful to the feed.
type archivedRecord struct {
	PartitionID int64           `json:"partition_id"`
	RecordID    string          `json:"record_id"`
	RecordTime  time.Time       `json:"record_time"`
	Verdict     string          `json:"verdict"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// zstdJSONLEncoder writes one JSON object per line, zstd compressed.
type zstdJSONLEncoder struct {
	zenc *zstd.Encoder
}

func newZstdJSONLEncoder() (*zstdJSONLEncoder, error) {
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &zstdJSONLEncoder{zenc: zenc}, nil
}

func (e *zstdJSONLEncoder) encode(partitionID int64, records []feed.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		row := archivedRecord{
			PartitionID: partitionID,
			RecordID:    r.RecordID,
			RecordTime:  r.RecordTime,
			Verdict:     r.Verdict,
			Body:        r.Body,
		}
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.RecordID, err)
		}
	}
	return e.zenc.EncodeAll(buf.Bytes(), nil), nil
}

func (e *zstdJSONLEncoder) ext() string {
	return "jsonl.zst"
}

func (e *zstdJSONLEncoder) close() {
	e.zenc.Close()
}

// pageRow is the parquet row shape for archived pages.
type pageRow struct {
	PartitionID int64     `parquet:"partition_id"`
	RecordID    string    `parquet:"record_id"`
	RecordTime  time.Time `parquet:"record_time,timestamp(millisecond)"`
	Verdict     string    `parquet:"verdict"`
	Body        string    `parquet:"body,optional,zstd"`
}

// parquetEncoder writes one parquet file per page.
type parquetEncoder struct{}

func (parquetEncoder) encode(partitionID int64, records []feed.Record) ([]byte, error) {
	rows := make([]pageRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, pageRow{
			PartitionID: partitionID,
			RecordID:    r.RecordID,
			RecordTime:  r.RecordTime,
			Verdict:     r.Verdict,
			Body:        string(r.Body),
		})
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[pageRow](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (parquetEncoder) ext() string {
	return "parquet"
}
