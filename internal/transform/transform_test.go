package transform

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veritaslabs/ledgersync/internal/cursor"
	"github.com/veritaslabs/ledgersync/internal/warehouse"
)

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func rawRow(i int, body string) warehouse.RawRecord {
	row := warehouse.RawRecord{
		PartitionID: 1,
		RecordID:    fmt.Sprintf("ev-%03d", i),
		RecordTime:  baseTime.Add(time.Duration(i) * time.Second),
		Verdict:     "settled",
		IngestedAt:  baseTime,
	}
	if body != "" {
		row.Body = []byte(body)
	}
	return row
}

func seed(t *testing.T, store warehouse.Store, rows ...warehouse.RawRecord) {
	t.Helper()
	if _, err := store.InsertRaw(context.Background(), rows); err != nil {
		t.Fatalf("seed raw rows: %v", err)
	}
}

func TestTransformParsesBodyFields(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	seed(t, store, rawRow(1, `{
		"account": "acct-9",
		"counterparty": "acct-4",
		"asset": "USD",
		"amount": "1250.75",
		"direction": "credit",
		"reference": "inv-2026-001"
	}`))

	res, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RowsTransformed != 1 || !res.Exhausted {
		t.Fatalf("result = %+v, want 1 row and exhausted", res)
	}

	row, ok := store.Parsed(1, "ev-001")
	if !ok {
		t.Fatal("parsed row missing")
	}
	if row.Account != "acct-9" || row.Counterparty != "acct-4" || row.Asset != "USD" {
		t.Errorf("parties = (%q, %q, %q), want acct-9/acct-4/USD",
			row.Account, row.Counterparty, row.Asset)
	}
	if !row.Amount.Equal(decimal.RequireFromString("1250.75")) {
		t.Errorf("amount = %s, want 1250.75", row.Amount)
	}
	if row.Direction != "credit" || row.Reference != "inv-2026-001" {
		t.Errorf("direction/reference = (%q, %q)", row.Direction, row.Reference)
	}
	if row.NoDetail {
		t.Error("NoDetail set despite present body")
	}
}

func TestVerdictOnlyRowMarkedNoDetail(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	seed(t, store, rawRow(1, ""))

	if _, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	row, ok := store.Parsed(1, "ev-001")
	if !ok {
		t.Fatal("parsed row missing")
	}
	if !row.NoDetail {
		t.Error("NoDetail not set for verdict-only row")
	}
	if row.Account != "" || !row.Amount.IsZero() {
		t.Errorf("detail fields = (%q, %s), want empty", row.Account, row.Amount)
	}
	if row.Verdict != "settled" {
		t.Errorf("verdict = %q, want carried through", row.Verdict)
	}
}

func TestEmptyBodyObjectIsNotNoDetail(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	seed(t, store, rawRow(1, `{}`))

	if _, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	row, _ := store.Parsed(1, "ev-001")
	if row.NoDetail {
		t.Error("NoDetail set for empty-object body; data was present")
	}
}

func TestUnparseableBodyDoesNotFailBatch(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	seed(t, store,
		rawRow(1, `{not json`),
		rawRow(2, `{"account":"acct-1","amount":"5"}`),
	)

	res, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RowsTransformed != 2 {
		t.Errorf("rows transformed = %d, want 2", res.RowsTransformed)
	}

	bad, _ := store.Parsed(1, "ev-001")
	if bad.Account != "" || !bad.Amount.IsZero() || bad.NoDetail {
		t.Errorf("unparseable row = %+v, want empty fields without NoDetail", bad)
	}
	good, _ := store.Parsed(1, "ev-002")
	if good.Account != "acct-1" {
		t.Errorf("good row account = %q, want acct-1", good.Account)
	}
}

func TestBatchCapAndResume(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	for i := 1; i <= 5; i++ {
		seed(t, store, rawRow(i, `{"account":"a"}`))
	}
	cfg := Config{BatchSize: 2, MaxBatches: 2}

	res, err := New(store, cursors, cfg, nil).Run(ctx, 1)
	if err != nil {
		t.Fatalf("capped run: %v", err)
	}
	if res.BatchesRun != 2 || res.RowsTransformed != 4 {
		t.Errorf("capped run = (%d batches, %d rows), want (2, 4)",
			res.BatchesRun, res.RowsTransformed)
	}
	if res.Exhausted {
		t.Error("capped run reported exhausted")
	}
	if res.Watermark.RecordID != "ev-004" {
		t.Errorf("watermark = %q, want ev-004", res.Watermark.RecordID)
	}

	res, err = New(store, cursors, cfg, nil).Run(ctx, 1)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if res.RowsTransformed != 1 || !res.Exhausted {
		t.Errorf("resumed run = %+v, want 1 row and exhausted", res)
	}
	if got := store.ParsedCount(1); got != 5 {
		t.Errorf("parsed rows = %d, want 5", got)
	}
}

func TestRetransformProducesIdenticalContent(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	seed(t, store,
		rawRow(1, `{"account":"acct-1","asset":"EUR","amount":"33.10","direction":"debit"}`),
		rawRow(2, ""),
	)

	if _, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first1, _ := store.Parsed(1, "ev-001")
	first2, _ := store.Parsed(1, "ev-002")

	// Replaying with a blank watermark rewrites every row. Content must not
	// drift between passes.
	if _, err := New(store, cursor.NewMemoryStore(), Config{BatchSize: 10}, nil).Run(ctx, 1); err != nil {
		t.Fatalf("replay run: %v", err)
	}
	second1, _ := store.Parsed(1, "ev-001")
	second2, _ := store.Parsed(1, "ev-002")

	if got := store.ParsedCount(1); got != 2 {
		t.Fatalf("parsed rows = %d, want 2 after replay", got)
	}
	assertSameContent(t, first1, second1)
	assertSameContent(t, first2, second2)
}

func assertSameContent(t *testing.T, a, b warehouse.ParsedRecord) {
	t.Helper()
	if a.RecordID != b.RecordID || a.Verdict != b.Verdict || a.NoDetail != b.NoDetail {
		t.Errorf("identity fields differ: %+v vs %+v", a, b)
	}
	if a.Account != b.Account || a.Counterparty != b.Counterparty ||
		a.Asset != b.Asset || a.Direction != b.Direction || a.Reference != b.Reference {
		t.Errorf("detail fields differ: %+v vs %+v", a, b)
	}
	if !a.Amount.Equal(b.Amount) {
		t.Errorf("amount differs: %s vs %s", a.Amount, b.Amount)
	}
}

func TestWatermarkPersistsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := warehouse.NewMemoryStore()
	cursors := cursor.NewMemoryStore()
	seed(t, store, rawRow(1, `{"account":"a"}`), rawRow(2, `{"account":"b"}`))

	if _, err := New(store, cursors, Config{BatchSize: 10}, nil).Run(ctx, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	wm, err := cursors.Get(ctx, 1, cursor.KindTransform)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.RecordID != "ev-002" {
		t.Errorf("watermark = %q, want ev-002", wm.RecordID)
	}

	backlog, err := store.Backlog(ctx, 1, wm)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog != 0 {
		t.Errorf("backlog = %d, want 0 after drain", backlog)
	}
}
