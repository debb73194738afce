package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/storage/memory"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

var key = schema.SeriesKey{Pool: "poolA", Algorithm: "sha256"}

func btc(v float64) model.Amount { return model.Amount{Currency: "BTC", Value: v} }

func seed(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()
	write := func(path string, priority int64, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := store.SetWithPriority(ctx, path, data, priority); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	write(key.Record(timeseries.Minute, 60), 60, schema.MinuteRecord{Amount: btc(1.5), Timestamp: 60})
	write(key.Record(timeseries.Minute, 120), 120, schema.MinuteRecord{Amount: btc(2), Timestamp: 120})
	write(key.Record(timeseries.Hour, 0), 0, schema.RollupRecord{
		Min: btc(1.5), Max: btc(2), Sum: btc(3.5), Count: 2, Timestamp: 0,
	})
}

func TestExportToJSON(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seed(t, store)

	exporter := NewExporter(store)
	buf := &bytes.Buffer{}
	result, err := exporter.ExportToJSON(context.Background(), buf, ExportOptions{Key: key, Granularity: timeseries.Minute})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.RecordsExported != 2 {
		t.Errorf("Expected 2 records exported, got %d", result.RecordsExported)
	}

	var doc Document
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Failed to parse exported JSON: %v", err)
	}
	if doc.Metadata.Range != "per-minute" {
		t.Errorf("Expected range per-minute, got %s", doc.Metadata.Range)
	}
	if doc.Metadata.Pool != "poolA" || doc.Metadata.Algorithm != "sha256" {
		t.Errorf("Unexpected series in metadata: %+v", doc.Metadata)
	}
	if len(doc.Minutes) != 2 || doc.Minutes[0].Timestamp != 60 {
		t.Errorf("Unexpected minutes: %+v", doc.Minutes)
	}
	if len(doc.Rollups) != 0 {
		t.Errorf("Expected no rollups in a minute export, got %d", len(doc.Rollups))
	}
}

func TestExportToCSV(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seed(t, store)

	exporter := NewExporter(store)

	buf := &bytes.Buffer{}
	if _, err := exporter.ExportToCSV(context.Background(), buf, ExportOptions{Key: key, Granularity: timeseries.Minute}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	records, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 CSV records (header + 2 rows), got %d", len(records))
	}
	if got := strings.Join(records[1], ","); got != "60,1970-01-01T00:01:00Z,BTC,1.5" {
		t.Errorf("Unexpected first row: %s", got)
	}

	buf.Reset()
	result, err := exporter.ExportToCSV(context.Background(), buf, ExportOptions{Key: key, Granularity: timeseries.Hour})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.RecordsExported != 1 {
		t.Errorf("Expected 1 rollup exported, got %d", result.RecordsExported)
	}
	records, err = csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	expectedCols := []string{"bucket_ts", "time", "currency", "min", "max", "sum", "count", "average"}
	for i, col := range expectedCols {
		if records[0][i] != col {
			t.Errorf("Expected column %d to be %s, got %s", i, col, records[0][i])
		}
	}
	if records[1][6] != "2" || records[1][7] != "1.75" {
		t.Errorf("Unexpected rollup row: %v", records[1])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := memory.New()
	defer src.Close()
	seed(t, src)

	buf := &bytes.Buffer{}
	if _, err := NewExporter(src).ExportToJSON(context.Background(), buf, ExportOptions{Key: key, Granularity: timeseries.Hour}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := memory.New()
	defer dst.Close()
	result, err := NewImporter(dst).ImportFromJSON(context.Background(), buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.RecordsImported != 1 || len(result.Errors) != 0 {
		t.Fatalf("Unexpected import result: %+v", result)
	}

	entries, err := dst.List(context.Background(), key.Bucket(timeseries.Hour), 0, 1<<62)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Priority != 0 {
		t.Fatalf("Unexpected entries after import: %+v", entries)
	}
	var rec schema.RollupRecord
	if err := json.Unmarshal(entries[0].Value, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Count != 2 || rec.Sum.Value != 3.5 {
		t.Errorf("Unexpected rollup after import: %+v", rec)
	}
}

func TestImportFromJSON_SkipsInvalidRecords(t *testing.T) {
	store := memory.New()
	defer store.Close()

	doc := Document{
		Metadata: Metadata{Version: FormatVersion, Pool: "poolA", Algorithm: "sha256", Range: "per-minute"},
		Minutes: []schema.MinuteRecord{
			{Amount: btc(1), Timestamp: 60},
			{Amount: btc(1), Timestamp: 61},
			{Amount: model.Amount{Value: 1}, Timestamp: 120},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	result, err := NewImporter(store).ImportFromJSON(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.RecordsImported != 1 {
		t.Errorf("Expected 1 record imported, got %d", result.RecordsImported)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Expected 2 validation errors, got %v", result.Errors)
	}
}

func TestImportFromJSON_RejectsMismatchedRange(t *testing.T) {
	doc := `{"metadata":{"version":"1","pool":"poolA","algorithm":"sha256","range":"per-minute"},"rollups":[{"count":1}]}`
	if _, err := NewImporter(memory.New()).ImportFromJSON(context.Background(), strings.NewReader(doc)); err == nil {
		t.Fatal("Expected error for rollups in a minute export")
	}

	doc = `{"metadata":{"version":"1","pool":"","algorithm":"sha256","range":"per-minute"}}`
	if _, err := NewImporter(memory.New()).ImportFromJSON(context.Background(), strings.NewReader(doc)); err == nil {
		t.Fatal("Expected error for missing pool")
	}

	doc = `{"metadata":{"version":"2","pool":"poolA","algorithm":"sha256","range":"per-minute"}}`
	if _, err := NewImporter(memory.New()).ImportFromJSON(context.Background(), strings.NewReader(doc)); err == nil {
		t.Fatal("Expected error for unknown version")
	}
}

func TestHandleExport(t *testing.T) {
	store := memory.New()
	defer store.Close()
	seed(t, store)
	h := NewHandler(store, store, zerolog.Nop())

	rr := httptest.NewRecorder()
	h.HandleExport(rr, httptest.NewRequest(http.MethodGet, "/v1/export?pool=poolA&algo=sha256&format=csv", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Expected attachment disposition, got %s", cd)
	}

	tests := []struct {
		name   string
		target string
	}{
		{"bad format", "/v1/export?pool=poolA&algo=sha256&format=xml"},
		{"missing algo", "/v1/export?pool=poolA"},
		{"bad range", "/v1/export?pool=poolA&algo=sha256&range=per-year"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.HandleExport(rr, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestHandleImport(t *testing.T) {
	store := memory.New()
	defer store.Close()
	h := NewHandler(store, store, zerolog.Nop())

	body := `{"metadata":{"version":"1","pool":"poolA","algorithm":"sha256","range":"per-minute"},"minutes":[{"amount":{"currency":"BTC","amount":1},"timestamp":60}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleImport(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without content type, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr = httptest.NewRecorder()
	h.HandleImport(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result ImportResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.RecordsImported != 1 {
		t.Errorf("Expected 1 record imported, got %d", result.RecordsImported)
	}
	if _, err := store.Get(context.Background(), key.Record(timeseries.Minute, 60)); err != nil {
		t.Errorf("Imported record missing: %v", err)
	}
}
