package release

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"db2parquet/pkg/dbapi"
	"db2parquet/pkg/rawstore"
	"db2parquet/pkg/stations"
	"db2parquet/pkg/types"

	duckdb "github.com/marcboeker/go-duckdb/v2"
)

const testEVA = "8000105"

type releaseRow struct {
	StationName          string
	TrainName            string
	DelayInMin           int32
	Time                 time.Time
	IsCanceled           bool
	TrainCategory        string
	TrainLineRideID      string
	TrainLineStationNum  int32
	IsEndstation         bool
	ArrivalChangeTime    *time.Time
	DepartureChangeTime  *time.Time
	ArrivalPlannedTime   *time.Time
	DeparturePlannedTime *time.Time
	FinalDestination     string
}

func readRelease(t *testing.T, path string) []releaseRow {
	t.Helper()

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		t.Fatalf("failed to create duckdb connector: %v", err)
	}
	defer connector.Close()
	db := sql.OpenDB(connector)
	defer db.Close()

	rows, err := db.Query(`
		SELECT
			COALESCE(station_name, ''),
			train_name,
			delay_in_min,
			time,
			is_canceled,
			COALESCE(train_category, ''),
			train_line_ride_id,
			train_line_station_num,
			is_endstation,
			arrival_change_time,
			departure_change_time,
			arrival_planned_time,
			departure_planned_time,
			COALESCE(final_destination_station, '')
		FROM read_parquet(?)
		ORDER BY train_line_ride_id, train_line_station_num`, path)
	if err != nil {
		t.Fatalf("failed to read release parquet: %v", err)
	}
	defer rows.Close()

	var out []releaseRow
	for rows.Next() {
		var r releaseRow
		var arCh, dpCh, arPl, dpPl sql.NullTime
		err := rows.Scan(
			&r.StationName, &r.TrainName, &r.DelayInMin, &r.Time,
			&r.IsCanceled, &r.TrainCategory, &r.TrainLineRideID,
			&r.TrainLineStationNum, &r.IsEndstation,
			&arCh, &dpCh, &arPl, &dpPl, &r.FinalDestination,
		)
		if err != nil {
			t.Fatalf("failed to scan release row: %v", err)
		}
		if arCh.Valid {
			r.ArrivalChangeTime = &arCh.Time
		}
		if dpCh.Valid {
			r.DepartureChangeTime = &dpCh.Time
		}
		if arPl.Valid {
			r.ArrivalPlannedTime = &arPl.Time
		}
		if dpPl.Valid {
			r.DeparturePlannedTime = &dpPl.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("row iteration failed: %v", err)
	}
	return out
}

// testEnv writes the station map and raw archive fixtures into a temp tree
// and returns a ready pipeline.
type testEnv struct {
	rawDir    string
	outputDir string
	store     *rawstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		rawDir:    filepath.Join(root, "raw"),
		outputDir: filepath.Join(root, "out"),
	}
	env.store = rawstore.NewStore(env.rawDir)

	mapping := stations.Mapping{testEVA: "Frankfurt (Main) Hbf"}
	if err := mapping.Save(filepath.Join(root, "stations.json")); err != nil {
		t.Fatalf("failed to save station map: %v", err)
	}
	return env
}

func (e *testEnv) stationMapPath() string {
	return filepath.Join(filepath.Dir(e.rawDir), "stations.json")
}

func (e *testEnv) pipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	p, err := New(Config{
		RawDataDir:     e.rawDir,
		OutputDir:      e.outputDir,
		StationMapPath: e.stationMapPath(),
		Options:        opts,
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return p
}

func planResponse(observedAt time.Time, year, month, day int, body string) types.RawResponse {
	return types.RawResponse{
		Timestamp:    observedAt,
		URL:          dbapi.PlanQuery(testEVA, "250115", 10).URL,
		APIName:      dbapi.APINamePlan,
		ResponseData: body,
		StatusCode:   "200",
		Year:         year,
		Month:        month,
		Day:          day,
	}
}

func changeResponse(observedAt time.Time, year, month, day int, body string) types.RawResponse {
	return types.RawResponse{
		Timestamp:    observedAt,
		URL:          dbapi.ChangeQuery(testEVA).URL,
		APIName:      dbapi.APINameChange,
		ResponseData: body,
		StatusCode:   "200",
		Year:         year,
		Month:        month,
		Day:          day,
	}
}

func planDoc(stops string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<timetable station="Frankfurt(Main)Hbf">%s</timetable>`, stops)
}

func changeDoc(stops string) string {
	return planDoc(stops)
}

func TestRunPlanOnlyHasZeroDelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="123456-1">
    <tl f="F" t="p" o="80" c="ICE" n="571"/>
    <dp pt="2501151000" ppth="Mannheim Hbf|Stuttgart Hbf"/>
  </s>`)
	observed := time.Date(2025, 1, 14, 18, 0, 0, 0, time.UTC)
	if err := env.store.Write(ctx, []types.RawResponse{planResponse(observed, 2025, 1, 14, plan)}, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	counts, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.PlanRecords != 1 || counts.ChangeRecords != 0 {
		t.Errorf("counts = %+v, want 1 plan record and 0 change records", counts)
	}

	got := readRelease(t, outFile)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	row := got[0]
	if row.DelayInMin != 0 {
		t.Errorf("delay_in_min = %d, want 0 for a stop with no change record", row.DelayInMin)
	}
	if row.IsCanceled {
		t.Error("is_canceled = true, want false")
	}
	wantTime := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	if !row.Time.Equal(wantTime) {
		t.Errorf("time = %v, want planned departure %v", row.Time, wantTime)
	}
	if row.DepartureChangeTime == nil || !row.DepartureChangeTime.Equal(wantTime) {
		t.Errorf("departure_change_time = %v, want default-filled %v", row.DepartureChangeTime, wantTime)
	}
	if row.StationName != "Frankfurt (Main) Hbf" {
		t.Errorf("station_name = %q", row.StationName)
	}
	if row.TrainName != "ICE 571" {
		t.Errorf("train_name = %q", row.TrainName)
	}
	if row.TrainLineRideID != "123456" {
		t.Errorf("train_line_ride_id = %q, want %q", row.TrainLineRideID, "123456")
	}
	if row.TrainLineStationNum != 1 {
		t.Errorf("train_line_station_num = %d, want 1", row.TrainLineStationNum)
	}
}

func TestRunDerivesDelayFromChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="123456-5">
    <tl c="ICE" n="571"/>
    <ar pt="2501150955" ppth="Berlin Hbf"/>
    <dp pt="2501151000" ppth="Mannheim Hbf|Stuttgart Hbf"/>
  </s>`)
	change := changeDoc(`
  <s id="123456-5">
    <ar ct="2501151003"/>
    <dp ct="2501151012"/>
  </s>`)
	observed := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	batch := []types.RawResponse{
		planResponse(observed, 2025, 1, 15, plan),
		changeResponse(observed.Add(time.Hour), 2025, 1, 15, change),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	_, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readRelease(t, outFile)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	row := got[0]
	// Not the endstation: the departure leg wins. 10:00 -> 10:12.
	if row.DelayInMin != 12 {
		t.Errorf("delay_in_min = %d, want 12", row.DelayInMin)
	}
	wantTime := time.Date(2025, 1, 15, 10, 12, 0, 0, time.UTC)
	if !row.Time.Equal(wantTime) {
		t.Errorf("time = %v, want changed departure %v", row.Time, wantTime)
	}
	if row.IsEndstation {
		t.Error("is_endstation = true, want false")
	}
}

func TestRunKeepsNewestObservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="123456-5">
    <tl c="ICE" n="571"/>
    <dp pt="2501151000" ppth="Stuttgart Hbf"/>
  </s>`)
	older := changeDoc(`
  <s id="123456-5">
    <dp ct="2501151005"/>
  </s>`)
	newer := changeDoc(`
  <s id="123456-5">
    <dp ct="2501151030"/>
  </s>`)

	t0 := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	batch := []types.RawResponse{
		planResponse(t0, 2025, 1, 15, plan),
		changeResponse(t0.Add(time.Hour), 2025, 1, 15, older),
		// Newer observation in a later partition still wins the dedupe.
		changeResponse(t0.Add(26*time.Hour), 2025, 1, 16, newer),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	_, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readRelease(t, outFile)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if got[0].DelayInMin != 30 {
		t.Errorf("delay_in_min = %d, want 30 (newest change observation wins)", got[0].DelayInMin)
	}
}

func TestRunCanceledGetsCompensation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Arrival leg at the ride's final destination.
	plan := planDoc(`
  <s id="123456-9">
    <tl c="ICE" n="571"/>
    <ar pt="2501151200" ppth="Mannheim Hbf|Frankfurt(Main)Hbf"/>
  </s>
  <s id="777777-3">
    <tl c="RE" n="4614"/>
    <dp pt="2501151315" l="9" ppth="Hanau Hbf"/>
  </s>`)
	change := changeDoc(`
  <s id="123456-9">
    <ar clt="2501151130"/>
  </s>
  <s id="777777-3">
    <dp clt="2501151300"/>
  </s>`)

	observed := time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)
	batch := []types.RawResponse{
		planResponse(observed, 2025, 1, 15, plan),
		changeResponse(observed, 2025, 1, 15, change),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	_, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readRelease(t, outFile)
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}

	ice := got[0]
	if !ice.IsCanceled {
		t.Error("ICE is_canceled = false, want true")
	}
	if !ice.IsEndstation {
		t.Error("ICE is_endstation = false, want true (arrival at final destination)")
	}
	if ice.DelayInMin != 180 {
		t.Errorf("ICE delay_in_min = %d, want 180 compensation", ice.DelayInMin)
	}

	re := got[1]
	if !re.IsCanceled {
		t.Error("RE is_canceled = false, want true")
	}
	if re.DelayInMin != 60 {
		t.Errorf("RE delay_in_min = %d, want 60 compensation", re.DelayInMin)
	}
	if re.TrainName != "RE 9" {
		t.Errorf("RE train_name = %q, want %q (line wins for RE)", re.TrainName, "RE 9")
	}
}

func TestRunFiltersToCalendarMonth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="100-1">
    <tl c="RE" n="1"/>
    <dp pt="2412312355" l="50" ppth="A"/>
  </s>
  <s id="200-1">
    <tl c="RE" n="2"/>
    <dp pt="2501010000" l="50" ppth="A"/>
  </s>
  <s id="300-1">
    <tl c="RE" n="3"/>
    <dp pt="2501311830" l="50" ppth="A"/>
  </s>
  <s id="400-1">
    <tl c="RE" n="4"/>
    <dp pt="2502010000" l="50" ppth="A"/>
  </s>`)

	batch := []types.RawResponse{
		planResponse(time.Date(2024, 12, 31, 20, 0, 0, 0, time.UTC), 2024, 12, 31, plan),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	_, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readRelease(t, outFile)
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2 (Dec 31 and Feb 1 filtered out)", len(got))
	}
	if got[0].TrainLineRideID != "200" || got[1].TrainLineRideID != "300" {
		t.Errorf("kept rides %q and %q, want 200 and 300",
			got[0].TrainLineRideID, got[1].TrainLineRideID)
	}
}

func TestRunSkipsMalformedDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="123456-1">
    <tl c="ICE" n="571"/>
    <dp pt="2501151000" ppth="Stuttgart Hbf"/>
  </s>`)
	observed := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	batch := []types.RawResponse{
		planResponse(observed, 2025, 1, 15, plan),
		planResponse(observed, 2025, 1, 15, "<timetable><unclosed"),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	counts, outFile, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.MalformedDocuments != 1 {
		t.Errorf("MalformedDocuments = %d, want 1", counts.MalformedDocuments)
	}
	if counts.PlanRecords != 1 {
		t.Errorf("PlanRecords = %d, want 1", counts.PlanRecords)
	}
	if got := readRelease(t, outFile); len(got) != 1 {
		t.Errorf("got %d rows, want 1", len(got))
	}
}

func TestRunRejectsInvalidMonth(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline(t, DefaultOptions())

	for _, month := range []int{0, 13, -1} {
		if _, _, err := p.Run(context.Background(), 2025, month); err == nil {
			t.Errorf("Run(2025, %d) succeeded, want error", month)
		}
	}
}

func TestRunFailsWithoutRawData(t *testing.T) {
	env := newTestEnv(t)
	if err := os.MkdirAll(env.rawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.pipeline(t, DefaultOptions()).Run(context.Background(), 2025, 1); err == nil {
		t.Error("Run succeeded with an empty archive, want error")
	}
}

func TestRunRemovesIntermediateStorage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan := planDoc(`
  <s id="123456-1">
    <tl c="ICE" n="571"/>
    <dp pt="2501151000" ppth="Stuttgart Hbf"/>
  </s>`)
	batch := []types.RawResponse{
		planResponse(time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), 2025, 1, 15, plan),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	if _, _, err := env.pipeline(t, DefaultOptions()).Run(ctx, 2025, 1); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := os.ReadDir(env.outputDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("intermediate directory %q left behind", e.Name())
		}
	}
}

func TestNullEchoChangesFallsThrough(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The departure change echoes the plan; the arrival leg carries the
	// real delay. With echo nulling the derivation falls through to the
	// arrival leg instead of reporting zero.
	plan := planDoc(`
  <s id="123456-5">
    <tl c="ICE" n="571"/>
    <ar pt="2501150955" ppth="Berlin Hbf"/>
    <dp pt="2501151000" ppth="Stuttgart Hbf"/>
  </s>`)
	change := changeDoc(`
  <s id="123456-5">
    <ar ct="2501151007"/>
    <dp ct="2501151000"/>
  </s>`)
	observed := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	batch := []types.RawResponse{
		planResponse(observed, 2025, 1, 15, plan),
		changeResponse(observed, 2025, 1, 15, change),
	}
	if err := env.store.Write(ctx, batch, ""); err != nil {
		t.Fatalf("failed to write fixture batch: %v", err)
	}

	opts := DefaultOptions()
	opts.NullEchoChanges = true
	_, outFile, err := env.pipeline(t, opts).Run(ctx, 2025, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readRelease(t, outFile)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if got[0].DelayInMin != 12 {
		t.Errorf("delay_in_min = %d, want 12 (arrival leg after echo nulling)", got[0].DelayInMin)
	}
}
