package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"db2parquet/pkg/dbapi"
	"db2parquet/pkg/logging"
	"db2parquet/pkg/metrics"
	"db2parquet/pkg/profiling"
	"db2parquet/pkg/rawstore"
	"db2parquet/pkg/stations"
	"db2parquet/pkg/tracing"
)

func main() {
	// Command line flags
	var (
		apiKey      = flag.String("api-key", getEnv("DB_API_KEY", ""), "DB API marketplace key (required)")
		clientID    = flag.String("client-id", getEnv("DB_CLIENT_ID", ""), "DB API marketplace client ID (required)")
		rawDataDir  = flag.String("raw-data", getEnv("DB_RAW_DATA", "raw_data"), "Root directory of the raw response archive")
		stationMap  = flag.String("station-map", getEnv("DB_STATION_MAP", "eva_to_station_name.json"), "EVA-to-station-name mapping file")
		categories  = flag.String("categories", "", "Station categories to refresh station data for, comma-separated (e.g. 1,2)")
		date        = flag.String("date", "", "Plan date as YYMMDD (default: today)")
		hours       = flag.String("hours", "", "Plan hours, comma-separated or ranges (e.g. 6,7,8 or 6-10); empty skips plan fetches")
		skipChanges = flag.Bool("skip-changes", false, "Skip the fchg fetch round")
		filename    = flag.String("filename", rawstore.DefaultFilename, "Batch file name within the day partition")
		concurrent  = flag.Int("max-concurrent", 10, "Maximum concurrent API requests")
		ratePerMin  = flag.Int("rate-per-minute", 1000, "API request rate ceiling per minute")
		maxRetries  = flag.Int("max-retries", 5, "Retry budget per request")
		timeout     = flag.String("timeout", "15s", "Per-request HTTP timeout")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "DB Timetable Fetcher\n\n")
		fmt.Fprintf(os.Stderr, "Fetches planned timetables and change documents from the Deutsche Bahn\n")
		fmt.Fprintf(os.Stderr, "API marketplace and archives the raw responses as date-partitioned\n")
		fmt.Fprintf(os.Stderr, "parquet files for later release processing.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DB_API_KEY     - DB API marketplace key (required)\n")
		fmt.Fprintf(os.Stderr, "  DB_CLIENT_ID   - DB API marketplace client ID (required)\n")
		fmt.Fprintf(os.Stderr, "  DB_RAW_DATA    - Raw archive root (default: raw_data)\n")
		fmt.Fprintf(os.Stderr, "  DB_STATION_MAP - Station mapping file (default: eva_to_station_name.json)\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Refresh station data for category 1 stations\n")
		fmt.Fprintf(os.Stderr, "  %s --categories=1\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Fetch changes plus the morning plan slices for today\n")
		fmt.Fprintf(os.Stderr, "  %s --hours=6-10\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Fetch a specific plan date into a named batch file\n")
		fmt.Fprintf(os.Stderr, "  %s --date=250115 --hours=0-23 --filename=data-full-day.parquet\n\n", os.Args[0])
	}

	flag.Parse()

	// Validate required parameters
	if *apiKey == "" || *clientID == "" {
		fmt.Fprintf(os.Stderr, "Error: API credentials are required. Use --api-key/--client-id or set DB_API_KEY and DB_CLIENT_ID.\n\n")
		flag.Usage()
		os.Exit(1)
	}

	timeoutDuration, err := time.ParseDuration(*timeout)
	if err != nil {
		log.Fatalf("Invalid timeout format: %v", err)
	}
	hourList, err := parseHours(*hours)
	if err != nil {
		log.Fatalf("Invalid hours: %v", err)
	}
	categoryList, err := parseCategories(*categories)
	if err != nil {
		log.Fatalf("Invalid categories: %v", err)
	}
	planDate := *date
	if planDate == "" {
		planDate = time.Now().Format("060102")
	}

	logging.InitLogging()

	// Initialize tracing
	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// Initialize metrics
	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	// Initialize profiling
	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	config := dbapi.DefaultConfig(*apiKey, *clientID)
	config.MaxConcurrent = *concurrent
	config.RatePerMinute = *ratePerMin
	config.MaxRetries = *maxRetries
	config.Timeout = timeoutDuration

	client, err := dbapi.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create API client: %v", err)
	}
	store := rawstore.NewStore(*rawDataDir)

	// Handle shutdown signals: cancelling the context drains in-flight
	// requests and records the rest as failures.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, store, runParams{
		stationMapPath: *stationMap,
		categories:     categoryList,
		planDate:       planDate,
		hours:          hourList,
		skipChanges:    *skipChanges,
		filename:       *filename,
	}); err != nil {
		log.Fatalf("Fetch failed: %v", err)
	}
}

type runParams struct {
	stationMapPath string
	categories     []int
	planDate       string
	hours          []int
	skipChanges    bool
	filename       string
}

func run(ctx context.Context, client *dbapi.Client, store *rawstore.Store, params runParams) error {
	start := time.Now()

	mapping, err := stations.Load(params.stationMapPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load station map: %w", err)
		}
		// First run: the station data fetch below creates the mapping.
		mapping = stations.Mapping{}
	}

	// Station data refresh: fetch, archive, rebuild the mapping file.
	if len(params.categories) > 0 {
		queries := make([]dbapi.Query, 0, len(params.categories))
		for _, category := range params.categories {
			queries = append(queries, dbapi.StationsQuery(category))
		}
		responses, stats := client.FetchAll(ctx, queries)
		logStats("station data", stats)
		if err := store.Write(ctx, responses, params.filename); err != nil {
			return fmt.Errorf("failed to archive station data: %w", err)
		}

		fresh, err := stations.BuildFromArchive(ctx, responses)
		if err != nil {
			return fmt.Errorf("failed to build station mapping: %w", err)
		}
		for eva, name := range fresh {
			mapping[eva] = name
		}
		if err := mapping.Save(params.stationMapPath); err != nil {
			return fmt.Errorf("failed to save station map: %w", err)
		}
		log.Printf("Station map updated: %d stations", len(mapping))
	}

	evas := mapping.EVANumbers()
	if len(evas) == 0 {
		return fmt.Errorf("station map %s is empty; run with --categories first", params.stationMapPath)
	}

	var queries []dbapi.Query
	if !params.skipChanges {
		for _, eva := range evas {
			queries = append(queries, dbapi.ChangeQuery(eva))
		}
	}
	for _, hour := range params.hours {
		for _, eva := range evas {
			queries = append(queries, dbapi.PlanQuery(eva, params.planDate, hour))
		}
	}
	if len(queries) == 0 {
		log.Printf("Nothing to fetch (changes skipped, no hours given)")
		return nil
	}

	log.Printf("Fetching %d documents for %d stations (date %s, hours %v)",
		len(queries), len(evas), params.planDate, params.hours)

	responses, stats := client.FetchAll(ctx, queries)
	logStats("timetable", stats)
	if err := store.Write(ctx, responses, params.filename); err != nil {
		return fmt.Errorf("failed to archive responses: %w", err)
	}

	if metrics.IsEnabled() {
		metrics.FetchBatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	metrics.RecordLastSuccessTimestamp()

	log.Printf("Archived %d responses under %s in %v", len(responses), store.Root(), time.Since(start))
	if stats.FailedRequests > 0 {
		return fmt.Errorf("%d of %d requests failed (archived with error status)", stats.FailedRequests, stats.TotalRequests)
	}
	return nil
}

func logStats(what string, stats dbapi.Stats) {
	log.Printf("Fetched %s: %d total, %d ok, %d failed, %d retried",
		what, stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests, stats.RetriedRequests)
}

// parseHours accepts comma-separated hours and inclusive ranges: "6,7,8",
// "6-10" or a mix. An empty string yields no hours.
func parseHours(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var hours []int
	add := func(h int) error {
		if h < 0 || h > 23 {
			return fmt.Errorf("hour %d out of range 0-23", h)
		}
		if !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
		return nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if from, to, ok := strings.Cut(part, "-"); ok {
			lo, err := strconv.Atoi(from)
			if err != nil {
				return nil, fmt.Errorf("invalid hour range %q", part)
			}
			hi, err := strconv.Atoi(to)
			if err != nil || hi < lo {
				return nil, fmt.Errorf("invalid hour range %q", part)
			}
			for h := lo; h <= hi; h++ {
				if err := add(h); err != nil {
					return nil, err
				}
			}
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid hour %q", part)
		}
		if err := add(h); err != nil {
			return nil, err
		}
	}
	return hours, nil
}

func parseCategories(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var categories []int
	for _, part := range strings.Split(s, ",") {
		c, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid category %q", part)
		}
		categories = append(categories, c)
	}
	return categories, nil
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
