// Package feed provides the client for the remote paginated ledger event API.
package feed

import (
	"bytes"
	"encoding/json"
	"time"
)

// RecordKind distinguishes the two shapes a feed record can take.
type RecordKind int

const (
	// KindBody is a record carrying a detailed body payload.
	KindBody RecordKind = iota
	// KindVerdictOnly is a record carrying only verdict metadata, no body.
	KindVerdictOnly
)

// Record is a single event from the ledger feed.
type Record struct {
	RecordID    string          `json:"record_id"`
	PartitionID int64           `json:"partition_id"`
	RecordTime  time.Time       `json:"record_time"`
	Verdict     string          `json:"verdict"`
	Body        json.RawMessage `json:"body,omitempty"`
}

var jsonNull = []byte("null")

// Kind reports whether the record carries a detailed body.
// A missing or JSON-null body means verdict-only; an empty object
// still counts as a body ("data present but empty").
func (r Record) Kind() RecordKind {
	if len(r.Body) == 0 || bytes.Equal(bytes.TrimSpace(r.Body), jsonNull) {
		return KindVerdictOnly
	}
	return KindBody
}

// Malformed reports whether the record is missing its identity field.
// Malformed records are skipped and counted by ingestion, never fatal.
func (r Record) Malformed() bool {
	return r.RecordID == ""
}

// Cursor marks the last consumed record within a partition as a
// (record_time, record_id) pair. The zero value means "from the beginning".
type Cursor struct {
	RecordTime time.Time `json:"record_time"`
	RecordID   string    `json:"record_id"`
}

// IsZero reports whether the cursor is the fresh-partition zero value.
func (c Cursor) IsZero() bool {
	return c.RecordTime.IsZero() && c.RecordID == ""
}

// Less orders cursors by (record_time, record_id).
func (c Cursor) Less(other Cursor) bool {
	if !c.RecordTime.Equal(other.RecordTime) {
		return c.RecordTime.Before(other.RecordTime)
	}
	return c.RecordID < other.RecordID
}

// Equal reports whether two cursors mark the same position.
func (c Cursor) Equal(other Cursor) bool {
	return c.RecordTime.Equal(other.RecordTime) && c.RecordID == other.RecordID
}

// CursorOf returns the cursor position of a record.
func CursorOf(r Record) Cursor {
	return Cursor{RecordTime: r.RecordTime, RecordID: r.RecordID}
}

// Page is one bounded slice of the feed, in non-decreasing record_time order.
// An empty page signals no more data currently available; future runs may
// still see more.
type Page struct {
	Records []Record `json:"records"`
	// NextCursor is an optional server-provided resume hint. The pipeline
	// derives its own cursor from the records and only uses this for logging.
	NextCursor *Cursor `json:"next_cursor,omitempty"`
}
