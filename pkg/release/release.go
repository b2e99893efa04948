package release

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"db2parquet/pkg/dbapi"
	"db2parquet/pkg/metrics"
	"db2parquet/pkg/parser"
	"db2parquet/pkg/rawstore"
	"db2parquet/pkg/stations"
	"db2parquet/pkg/types"

	duckdb "github.com/marcboeker/go-duckdb/v2"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config wires the monthly release pipeline.
type Config struct {
	RawDataDir     string `validate:"required"`
	OutputDir      string `validate:"required"`
	StationMapPath string `validate:"required"`
	Options        Options
}

// Counts is the operational summary of one release run.
type Counts struct {
	ValidDocuments     int
	PlanRecords        int
	ChangeRecords      int
	MalformedDocuments int
}

// Pipeline builds one monthly data release from the raw archive. Batches are
// processed strictly one at a time: each batch is parsed and flushed to an
// on-disk intermediate database before the next is opened, so peak memory is
// bounded by a single batch regardless of the month's total size. The final
// dedupe/join/derive/filter pass runs inside DuckDB over the intermediate
// tables.
type Pipeline struct {
	config Config
	store  *rawstore.Store
	parser *parser.TimetableParser
	tracer trace.Tracer
}

func New(config Config) (*Pipeline, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid release config: %w", err)
	}
	return &Pipeline{
		config: config,
		store:  rawstore.NewStore(config.RawDataDir),
		parser: parser.NewTimetableParser(),
		tracer: otel.Tracer("release-pipeline"),
	}, nil
}

// Run produces the release artifact for one calendar month and returns its
// path together with the processing counts. Intermediate storage is removed
// on success and failure alike.
func (p *Pipeline) Run(ctx context.Context, year, month int) (Counts, string, error) {
	var counts Counts

	if month < 1 || month > 12 {
		return counts, "", fmt.Errorf("invalid month %d", month)
	}
	if year < 2000 || year > 9999 {
		return counts, "", fmt.Errorf("invalid year %d", year)
	}

	ctx, span := p.tracer.Start(ctx, "release.run",
		trace.WithAttributes(
			attribute.Int("year", year),
			attribute.Int("month", month),
		),
	)
	defer span.End()
	start := time.Now()

	batchFiles, err := p.store.ResolveMonth(year, month)
	if err != nil {
		span.RecordError(err)
		return counts, "", err
	}
	if len(batchFiles) == 0 {
		err := fmt.Errorf("no raw batch files found for %d-%02d under %s", year, month, p.config.RawDataDir)
		span.RecordError(err)
		return counts, "", err
	}

	stationMap, err := stations.Load(p.config.StationMapPath)
	if err != nil {
		span.RecordError(err)
		return counts, "", err
	}

	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		span.RecordError(err)
		return counts, "", fmt.Errorf("failed to create output dir: %w", err)
	}
	outputFile := filepath.Join(p.config.OutputDir, fmt.Sprintf("data-%d-%02d.parquet", year, month))

	// Scoped intermediate storage: everything below lives in workDir and is
	// released no matter how the run ends.
	workDir, err := os.MkdirTemp(p.config.OutputDir, "monthly-processing-")
	if err != nil {
		span.RecordError(err)
		return counts, "", fmt.Errorf("failed to create intermediate dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			slog.Warn("Failed to remove intermediate storage", "dir", workDir, "error", rmErr)
		}
	}()

	ws, err := openWorkspace(ctx, filepath.Join(workDir, "intermediate.duckdb"))
	if err != nil {
		span.RecordError(err)
		return counts, "", err
	}
	defer ws.Close()

	for i, batchFile := range batchFiles {
		if err := p.processBatch(ctx, ws, batchFile, stationMap, &counts); err != nil {
			span.RecordError(err)
			return counts, "", fmt.Errorf("failed to process batch %d (%s): %w", i, batchFile, err)
		}
	}

	if err := ws.CloseAppenders(); err != nil {
		span.RecordError(err)
		return counts, "", err
	}

	slog.Info("Parsed raw archive",
		"valid_documents", counts.ValidDocuments,
		"plan_records", counts.PlanRecords,
		"change_records", counts.ChangeRecords,
		"malformed_documents", counts.MalformedDocuments,
	)

	monthStart, monthEnd := monthWindow(year, month)
	query := buildReleaseQuery(outputFile, monthStart, monthEnd, p.config.Options)
	if _, err := ws.db.ExecContext(ctx, query); err != nil {
		span.RecordError(err)
		return counts, "", fmt.Errorf("release query failed: %w", err)
	}

	if metrics.IsEnabled() {
		attrs := metrics.MonthAttributes(year, month)
		metrics.ReleaseRunsTotal.Add(ctx, 1, attrs)
		metrics.ReleaseDocumentsProcessed.Add(ctx, int64(counts.ValidDocuments), attrs)
		metrics.ReleasePlanRecords.Add(ctx, int64(counts.PlanRecords), attrs)
		metrics.ReleaseChangeRecords.Add(ctx, int64(counts.ChangeRecords), attrs)
		metrics.ReleaseRunDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	metrics.RecordLastSuccessTimestamp()

	span.SetAttributes(
		attribute.Int("valid_documents", counts.ValidDocuments),
		attribute.Int("plan_records", counts.PlanRecords),
		attribute.Int("change_records", counts.ChangeRecords),
	)
	slog.Info("Saved monthly release", "file", outputFile, "duration", time.Since(start).String())
	return counts, outputFile, nil
}

// processBatch parses one batch file and flushes its records into the
// intermediate tables. A document that fails to parse is counted and
// skipped; it never aborts the batch.
func (p *Pipeline) processBatch(ctx context.Context, ws *workspace, batchFile string, stationMap stations.Mapping, counts *Counts) error {
	ctx, span := p.tracer.Start(ctx, "release.process_batch",
		trace.WithAttributes(attribute.String("batch_file", batchFile)),
	)
	defer span.End()

	rows, err := p.store.ReadBatch(ctx, batchFile)
	if err != nil {
		span.RecordError(err)
		return err
	}
	counts.ValidDocuments += len(rows)

	for _, row := range rows {
		switch row.APIName {
		case dbapi.APINamePlan:
			eva := dbapi.EVAFromPlanURL(row.URL)
			events, err := p.parser.ParsePlanDocument(ctx, row.ResponseData, eva, stationMap.Name(eva), row.Timestamp)
			if err != nil {
				counts.MalformedDocuments++
				slog.Debug("Skipping malformed plan document", "url", row.URL, "error", err)
				continue
			}
			if err := ws.AppendStopEvents(events); err != nil {
				return err
			}
			counts.PlanRecords += len(events)

		case dbapi.APINameChange:
			events, err := p.parser.ParseChangeDocument(ctx, row.ResponseData, row.Timestamp)
			if err != nil {
				counts.MalformedDocuments++
				slog.Debug("Skipping malformed change document", "url", row.URL, "error", err)
				continue
			}
			if err := ws.AppendChangeEvents(events); err != nil {
				return err
			}
			counts.ChangeRecords += len(events)
		}
	}

	// Flush per batch so intermediate state lives on disk, not in the
	// appender buffers.
	return ws.Flush()
}

// workspace is the on-disk intermediate store of one release run: a DuckDB
// database file holding the parsed plan and change records.
type workspace struct {
	connector      *duckdb.Connector
	db             *sql.DB
	conn           *duckdb.Conn
	planAppender   *duckdb.Appender
	changeAppender *duckdb.Appender
}

func openWorkspace(ctx context.Context, dbPath string) (*workspace, error) {
	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector: %w", err)
	}
	db := sql.OpenDB(connector)

	ddl := []string{
		`CREATE TABLE plan_records (
			id VARCHAR,
			station_name VARCHAR,
			xml_station_name VARCHAR,
			eva VARCHAR,
			train_name VARCHAR,
			final_destination_station VARCHAR,
			train_category VARCHAR,
			arrival_planned_time TIMESTAMP,
			departure_planned_time TIMESTAMP,
			observed_at TIMESTAMP
		)`,
		`CREATE TABLE change_records (
			id VARCHAR,
			arrival_change_time TIMESTAMP,
			departure_change_time TIMESTAMP,
			is_canceled BOOLEAN,
			observed_at TIMESTAMP
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			connector.Close()
			return nil, fmt.Errorf("failed to create intermediate table: %w", err)
		}
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("failed to get native connection: %w", err)
	}
	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		conn.Close()
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("failed to cast to *duckdb.Conn")
	}

	planAppender, err := duckdb.NewAppenderFromConn(duckConn, "", "plan_records")
	if err != nil {
		duckConn.Close()
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("failed to create plan appender: %w", err)
	}
	changeAppender, err := duckdb.NewAppenderFromConn(duckConn, "", "change_records")
	if err != nil {
		planAppender.Close()
		duckConn.Close()
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("failed to create change appender: %w", err)
	}

	return &workspace{
		connector:      connector,
		db:             db,
		conn:           duckConn,
		planAppender:   planAppender,
		changeAppender: changeAppender,
	}, nil
}

func (w *workspace) AppendStopEvents(events []types.StopEvent) error {
	for _, e := range events {
		err := w.planAppender.AppendRow(
			e.ID,
			nullableString(e.StationName),
			nullableString(e.XMLStationName),
			e.EVA,
			e.TrainName,
			nullableString(e.FinalDestinationStation),
			nullableString(e.TrainCategory),
			nullableTime(e.ArrivalPlannedTime),
			nullableTime(e.DeparturePlannedTime),
			e.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append stop event: %w", err)
		}
	}
	return nil
}

func (w *workspace) AppendChangeEvents(events []types.ChangeEvent) error {
	for _, e := range events {
		err := w.changeAppender.AppendRow(
			e.ID,
			nullableTime(e.ArrivalChangeTime),
			nullableTime(e.DepartureChangeTime),
			e.IsCanceled,
			e.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}
	}
	return nil
}

func (w *workspace) Flush() error {
	if err := w.planAppender.Flush(); err != nil {
		return fmt.Errorf("failed to flush plan appender: %w", err)
	}
	if err := w.changeAppender.Flush(); err != nil {
		return fmt.Errorf("failed to flush change appender: %w", err)
	}
	return nil
}

// CloseAppenders finalizes the intermediate tables before the release query
// reads them.
func (w *workspace) CloseAppenders() error {
	var firstErr error
	for _, a := range []*duckdb.Appender{w.planAppender, w.changeAppender} {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close appender: %w", err)
		}
	}
	w.planAppender = nil
	w.changeAppender = nil
	return firstErr
}

func (w *workspace) Close() {
	_ = w.CloseAppenders()
	if w.conn != nil {
		w.conn.Close()
	}
	if w.db != nil {
		w.db.Close()
	}
	if w.connector != nil {
		w.connector.Close()
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
