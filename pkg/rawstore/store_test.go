package rawstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"db2parquet/pkg/types"
)

func sampleResponse(ts time.Time, url, apiName, data, status string) types.RawResponse {
	return types.RawResponse{
		Timestamp:    ts,
		URL:          url,
		APIName:      apiName,
		ResponseData: data,
		StatusCode:   status,
		DurationMS:   12.5,
		Year:         ts.Year(),
		Month:        int(ts.Month()),
		Day:          ts.Day(),
	}
}

func TestWriteAndReadBatch(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	responses := []types.RawResponse{
		sampleResponse(ts, "https://example.com/plan/1", "timetables/v1/plan", "<timetable/>", "200"),
		sampleResponse(ts, "https://example.com/plan/2", "timetables/v1/plan", "", "503"),
	}
	if err := store.Write(ctx, responses, "hour_10.parquet"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	path := filepath.Join(store.Root(), "year=2025", "month=1", "day=15", "hour_10.parquet")
	rows, err := store.ReadBatch(ctx, path)
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	// The failed fetch is recorded in the file but skipped by ReadBatch.
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.URL != "https://example.com/plan/1" {
		t.Errorf("URL = %q", r.URL)
	}
	if r.ResponseData != "<timetable/>" {
		t.Errorf("ResponseData = %q", r.ResponseData)
	}
	if !r.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, ts)
	}
}

func TestWrite_AppendsToExistingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	first := []types.RawResponse{sampleResponse(ts, "https://example.com/a", "timetables/v1/plan", "<timetable/>", "200")}
	second := []types.RawResponse{sampleResponse(ts.Add(time.Hour), "https://example.com/b", "timetables/v1/fchg", "<timetable/>", "200")}

	if err := store.Write(ctx, first, ""); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := store.Write(ctx, second, ""); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	path := filepath.Join(store.Root(), "year=2025", "month=1", "day=15", DefaultFilename)
	rows, err := store.ReadBatch(ctx, path)
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 after append", len(rows))
	}
}

func writeDay(t *testing.T, store *Store, year, month, day int) {
	t.Helper()
	ts := time.Date(year, time.Month(month), day, 12, 0, 0, 0, time.UTC)
	resp := sampleResponse(ts, "https://example.com/x", "timetables/v1/plan", "<timetable/>", "200")
	if err := store.Write(context.Background(), []types.RawResponse{resp}, ""); err != nil {
		t.Fatalf("Write for %d-%d-%d failed: %v", year, month, day, err)
	}
}

func TestResolveMonth(t *testing.T) {
	store := NewStore(t.TempDir())

	writeDay(t, store, 2024, 12, 30)
	writeDay(t, store, 2024, 12, 31) // boundary: last day of previous month
	writeDay(t, store, 2025, 1, 2)
	writeDay(t, store, 2025, 1, 10)
	writeDay(t, store, 2025, 2, 1) // boundary: first day of next month
	writeDay(t, store, 2025, 2, 2)

	files, err := store.ResolveMonth(2025, 1)
	if err != nil {
		t.Fatalf("ResolveMonth failed: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("got %d files, want 4: %v", len(files), files)
	}
	wantOrder := []string{"day=31", "day=2", "day=10", "day=1"}
	for i, f := range files {
		if !strings.Contains(f, wantOrder[i]) {
			t.Errorf("files[%d] = %q, want it to contain %q", i, f, wantOrder[i])
		}
	}
	if !strings.Contains(files[0], "month=12") {
		t.Errorf("first file should come from previous month: %q", files[0])
	}
	if !strings.Contains(files[3], "month=2") {
		t.Errorf("last file should come from next month: %q", files[3])
	}
}

func TestResolveMonth_YearBoundary(t *testing.T) {
	store := NewStore(t.TempDir())

	writeDay(t, store, 2024, 11, 30) // boundary before January is 2024-12-31
	writeDay(t, store, 2024, 12, 31)
	writeDay(t, store, 2025, 1, 1)

	files, err := store.ResolveMonth(2024, 12)
	if err != nil {
		t.Fatalf("ResolveMonth failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3: %v", len(files), files)
	}
}

func TestResolveMonth_InvalidMonth(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.ResolveMonth(2025, 13); err == nil {
		t.Error("expected error for month 13")
	}
	if _, err := store.ResolveMonth(2025, 0); err == nil {
		t.Error("expected error for month 0")
	}
}
