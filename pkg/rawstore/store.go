package rawstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"db2parquet/pkg/types"

	duckdb "github.com/marcboeker/go-duckdb/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultFilename is the batch file name used when the caller does not pick
// one (the fetch CLI names files after the fetched hours).
const DefaultFilename = "data.parquet"

// rawSchema is the column layout of every batch file in the archive. The
// order is fixed; ReadBatch and Write both depend on it.
const rawSchema = `(
	timestamp TIMESTAMP,
	url VARCHAR,
	api_name VARCHAR,
	query_params VARCHAR,
	response_data VARCHAR,
	status_code VARCHAR,
	error VARCHAR,
	duration_ms DOUBLE,
	year INTEGER,
	month INTEGER,
	day INTEGER
)`

// Store is a date-partitioned parquet archive of raw API responses laid out
// as <root>/year=YYYY/month=M/day=D/<file>.parquet. Reading and writing go
// through DuckDB so batch files stay plain parquet.
type Store struct {
	root   string
	tracer trace.Tracer
}

func NewStore(root string) *Store {
	return &Store{
		root:   root,
		tracer: otel.Tracer("rawstore"),
	}
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// Write appends responses to their partition files, grouped by fetch date.
// An existing batch file is read back and rewritten with the new rows
// appended, so repeated fetch runs within one day accumulate.
func (s *Store) Write(ctx context.Context, responses []types.RawResponse, filename string) error {
	ctx, span := s.tracer.Start(ctx, "rawstore.write",
		trace.WithAttributes(attribute.Int("responses", len(responses))),
	)
	defer span.End()

	if filename == "" {
		filename = DefaultFilename
	}

	partitions := make(map[string][]types.RawResponse)
	for _, r := range responses {
		key := fmt.Sprintf("year=%d/month=%d/day=%d", r.Year, r.Month, r.Day)
		partitions[key] = append(partitions[key], r)
	}

	for key, rows := range partitions {
		dir := filepath.Join(s.root, filepath.FromSlash(key))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create partition dir: %w", err)
		}
		target := filepath.Join(dir, filename)
		if err := s.writePartition(ctx, target, rows); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to write partition %s: %w", key, err)
		}
	}
	return nil
}

// writePartition materializes existing rows plus the new ones in a scratch
// DuckDB table and rewrites the batch file atomically.
func (s *Store) writePartition(ctx context.Context, target string, rows []types.RawResponse) error {
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return fmt.Errorf("failed to create duckdb connector: %w", err)
	}
	defer connector.Close()

	db := sql.OpenDB(connector)
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE TABLE raw_responses "+rawSchema); err != nil {
		return fmt.Errorf("failed to create scratch table: %w", err)
	}

	if _, statErr := os.Stat(target); statErr == nil {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO raw_responses SELECT * FROM read_parquet(?)", target); err != nil {
			return fmt.Errorf("failed to read existing batch file: %w", err)
		}
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to get native connection: %w", err)
	}
	defer conn.Close()
	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		return fmt.Errorf("failed to cast to *duckdb.Conn")
	}

	appender, err := duckdb.NewAppenderFromConn(duckConn, "", "raw_responses")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}
	for _, r := range rows {
		err := appender.AppendRow(
			r.Timestamp,
			r.URL,
			r.APIName,
			nullable(r.QueryParams),
			nullable(r.ResponseData),
			nullable(r.StatusCode),
			nullable(r.Error),
			r.DurationMS,
			int32(r.Year),
			int32(r.Month),
			int32(r.Day),
		)
		if err != nil {
			appender.Close()
			return fmt.Errorf("failed to append response row: %w", err)
		}
	}
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}

	tmp := target + ".tmp"
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("COPY raw_responses TO '%s' (FORMAT PARQUET)", sqlPath(tmp))); err != nil {
		return fmt.Errorf("failed to write batch file: %w", err)
	}
	return os.Rename(tmp, target)
}

// ReadBatch returns the successfully fetched rows of one batch file. Rows
// recorded with a failed status or an empty body are skipped here; that is
// the pipeline's whole contract with the fetch service.
func (s *Store) ReadBatch(ctx context.Context, path string) ([]types.RawResponse, error) {
	ctx, span := s.tracer.Start(ctx, "rawstore.read_batch",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector: %w", err)
	}
	defer connector.Close()

	db := sql.OpenDB(connector)
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, url, api_name,
		       COALESCE(query_params, ''), COALESCE(response_data, ''),
		       COALESCE(status_code, ''), COALESCE(error, ''),
		       duration_ms, year, month, day
		FROM read_parquet(?)
		WHERE status_code = '200' AND response_data IS NOT NULL`, path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	defer rows.Close()

	var out []types.RawResponse
	for rows.Next() {
		var r types.RawResponse
		if err := rows.Scan(
			&r.Timestamp, &r.URL, &r.APIName,
			&r.QueryParams, &r.ResponseData,
			&r.StatusCode, &r.Error,
			&r.DurationMS, &r.Year, &r.Month, &r.Day,
		); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch rows: %w", err)
	}

	span.SetAttributes(attribute.Int("valid_rows", len(out)))
	return out, nil
}

// ResolveMonth lists the batch files covering one calendar month: all days of
// the target month plus the last day of the previous month and the first day
// of the next month, in chronological order. Boundary days exist so changes
// reported around midnight are joinable; the release filter trims the output
// back to the exact month.
func (s *Store) ResolveMonth(year, month int) ([]string, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month %d", month)
	}

	var files []string

	// time.Date normalizes day 0 to the last day of the previous month.
	prev := time.Date(year, time.Month(month), 0, 0, 0, 0, 0, time.UTC)
	files = append(files, s.dayFiles(prev.Year(), int(prev.Month()), prev.Day())...)

	monthDir := filepath.Join(s.root, fmt.Sprintf("year=%d", year), fmt.Sprintf("month=%d", month))
	for _, day := range sortedDays(monthDir) {
		files = append(files, s.dayFiles(year, month, day)...)
	}

	next := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	files = append(files, s.dayFiles(next.Year(), int(next.Month()), 1)...)

	return files, nil
}

// dayFiles returns the parquet files of one day partition sorted by name,
// nothing when the partition does not exist.
func (s *Store) dayFiles(year, month, day int) []string {
	dir := filepath.Join(s.root,
		fmt.Sprintf("year=%d", year),
		fmt.Sprintf("month=%d", month),
		fmt.Sprintf("day=%d", day),
	)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// sortedDays lists the day=N partition numbers under a month directory in
// numeric order (lexical order would put day=10 before day=2).
func sortedDays(monthDir string) []int {
	entries, err := os.ReadDir(monthDir)
	if err != nil {
		return nil
	}
	var days []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		num, ok := strings.CutPrefix(e.Name(), "day=")
		if !ok {
			continue
		}
		d, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	sort.Ints(days)
	return days
}

// nullable maps "" to SQL NULL so empty optional fields round-trip as
// missing values in the parquet files.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sqlPath escapes a filesystem path for embedding in a single-quoted SQL
// literal.
func sqlPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), "'", "''")
}
