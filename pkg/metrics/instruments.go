package metrics

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTP Client Metrics (OTEL Semantic Conventions)
var (
	// HTTPClientRequestDuration measures the duration of HTTP client requests
	HTTPClientRequestDuration metric.Float64Histogram

	// HTTPClientResponseBodySize measures the size of HTTP response bodies
	HTTPClientResponseBodySize metric.Int64Histogram
)

// Fetch Metrics
var (
	// FetchRequestsTotal counts timetable API requests by outcome
	FetchRequestsTotal metric.Int64Counter

	// FetchRetriesTotal counts retry attempts against the timetable API
	FetchRetriesTotal metric.Int64Counter

	// FetchBatchDuration measures the duration of one fetch batch
	FetchBatchDuration metric.Float64Histogram

	// FetchRequestsInFlight tracks concurrent in-flight API requests
	FetchRequestsInFlight metric.Int64UpDownCounter
)

// Release Metrics
var (
	// ReleaseRunsTotal counts monthly release runs
	ReleaseRunsTotal metric.Int64Counter

	// ReleaseRunDuration measures the duration of a release run
	ReleaseRunDuration metric.Float64Histogram

	// ReleaseDocumentsProcessed counts archived documents read during a run
	ReleaseDocumentsProcessed metric.Int64Counter

	// ReleasePlanRecords counts plan stop records parsed during a run
	ReleasePlanRecords metric.Int64Counter

	// ReleaseChangeRecords counts change records parsed during a run
	ReleaseChangeRecords metric.Int64Counter
)

// Parser Metrics
var (
	// XMLParseDuration measures XML parsing duration
	XMLParseDuration metric.Float64Histogram

	// ParserDocumentsFailed counts documents that failed to parse
	ParserDocumentsFailed metric.Int64Counter
)

// MonthAttributes returns the standard attribute set for per-month metrics.
func MonthAttributes(year, month int) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.Int("release.year", year),
		attribute.Int("release.month", month),
	)
}

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	// HTTP Client Metrics - following OTEL semantic conventions
	HTTPClientRequestDuration, err = Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0),
	)
	if err != nil {
		return err
	}

	HTTPClientResponseBodySize, err = Meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760), // 1KB to 10MB
	)
	if err != nil {
		return err
	}

	// Fetch Metrics
	FetchRequestsTotal, err = Meter.Int64Counter(
		"fetch.requests.total",
		metric.WithDescription("Timetable API requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	FetchRetriesTotal, err = Meter.Int64Counter(
		"fetch.retries.total",
		metric.WithDescription("Retry attempts against the timetable API"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	FetchBatchDuration, err = Meter.Float64Histogram(
		"fetch.batch.duration",
		metric.WithDescription("Duration of one fetch batch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0),
	)
	if err != nil {
		return err
	}

	FetchRequestsInFlight, err = Meter.Int64UpDownCounter(
		"fetch.requests.in_flight",
		metric.WithDescription("API requests currently in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	// Release Metrics
	ReleaseRunsTotal, err = Meter.Int64Counter(
		"release.runs.total",
		metric.WithDescription("Monthly release runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	ReleaseRunDuration, err = Meter.Float64Histogram(
		"release.run.duration",
		metric.WithDescription("Duration of a monthly release run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1.0, 5.0, 15.0, 30.0, 60.0, 120.0, 300.0, 600.0, 1800.0),
	)
	if err != nil {
		return err
	}

	ReleaseDocumentsProcessed, err = Meter.Int64Counter(
		"release.documents.processed",
		metric.WithDescription("Archived documents read during release runs"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	ReleasePlanRecords, err = Meter.Int64Counter(
		"release.plan_records.parsed",
		metric.WithDescription("Plan stop records parsed during release runs"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	ReleaseChangeRecords, err = Meter.Int64Counter(
		"release.change_records.parsed",
		metric.WithDescription("Change records parsed during release runs"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	// Parser Metrics
	XMLParseDuration, err = Meter.Float64Histogram(
		"xml.parse.duration",
		metric.WithDescription("Duration of XML parsing operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5),
	)
	if err != nil {
		return err
	}

	ParserDocumentsFailed, err = Meter.Int64Counter(
		"parser.documents.failed",
		metric.WithDescription("Documents that failed to parse"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	return nil
}
