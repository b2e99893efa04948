package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"db2parquet/pkg/logging"
	"db2parquet/pkg/metrics"
	"db2parquet/pkg/profiling"
	"db2parquet/pkg/release"
	"db2parquet/pkg/tracing"
)

func main() {
	// Command line flags
	var (
		year       = flag.Int("year", 0, "Release year (or first positional argument)")
		month      = flag.Int("month", 0, "Release month 1-12 (or second positional argument)")
		rawDataDir = flag.String("raw-data", getEnv("DB_RAW_DATA", "raw_data"), "Root directory of the raw response archive")
		outputDir  = flag.String("output", getEnv("DB_OUTPUT", "data_releases"), "Directory for release parquet files")
		stationMap = flag.String("station-map", getEnv("DB_STATION_MAP", "eva_to_station_name.json"), "EVA-to-station-name mapping file")
		legacyLeg  = flag.Bool("legacy-departure-first", false, "Always prefer the departure leg for delays, even at a ride's final stop")
		nullEchoes = flag.Bool("null-echo-changes", false, "Treat change times equal to planned times as no change")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [year month]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "DB Timetable Monthly Release Builder\n\n")
		fmt.Fprintf(os.Stderr, "Reads one calendar month of archived timetable responses, deduplicates\n")
		fmt.Fprintf(os.Stderr, "and joins plan and change records, derives per-stop delays and\n")
		fmt.Fprintf(os.Stderr, "cancellations, and writes a single release parquet file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DB_RAW_DATA    - Raw archive root (default: raw_data)\n")
		fmt.Fprintf(os.Stderr, "  DB_OUTPUT      - Release output directory (default: data_releases)\n")
		fmt.Fprintf(os.Stderr, "  DB_STATION_MAP - Station mapping file (default: eva_to_station_name.json)\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Build the January 2025 release\n")
		fmt.Fprintf(os.Stderr, "  %s 2025 1\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Same, with explicit directories\n")
		fmt.Fprintf(os.Stderr, "  %s --year=2025 --month=1 --raw-data=raw_data --output=data_releases\n\n", os.Args[0])
	}

	flag.Parse()

	releaseYear, releaseMonth := *year, *month
	if args := flag.Args(); len(args) == 2 {
		var err error
		if releaseYear, err = strconv.Atoi(args[0]); err != nil {
			log.Fatalf("Invalid year %q", args[0])
		}
		if releaseMonth, err = strconv.Atoi(args[1]); err != nil {
			log.Fatalf("Invalid month %q", args[1])
		}
	} else if len(args) != 0 {
		flag.Usage()
		os.Exit(1)
	}

	// Fail before any work when the month cannot name a release.
	if releaseMonth < 1 || releaseMonth > 12 {
		fmt.Fprintf(os.Stderr, "Error: month must be 1-12, got %d.\n\n", releaseMonth)
		flag.Usage()
		os.Exit(1)
	}
	if releaseYear < 2000 || releaseYear > 9999 {
		fmt.Fprintf(os.Stderr, "Error: year %d out of range.\n\n", releaseYear)
		flag.Usage()
		os.Exit(1)
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

	opts := release.DefaultOptions()
	opts.PreferEndStationLeg = !*legacyLeg
	opts.NullEchoChanges = *nullEchoes

	pipeline, err := release.New(release.Config{
		RawDataDir:     *rawDataDir,
		OutputDir:      *outputDir,
		StationMapPath: *stationMap,
		Options:        opts,
	})
	if err != nil {
		log.Fatalf("Failed to create release pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Building release %d-%02d from %s", releaseYear, releaseMonth, *rawDataDir)
	start := time.Now()

	counts, outputFile, err := pipeline.Run(ctx, releaseYear, releaseMonth)
	if err != nil {
		log.Fatalf("Release failed: %v", err)
	}

	log.Printf("Release complete: %s", outputFile)
	log.Printf("Documents: %d valid, %d malformed; records: %d plan, %d change; took %v",
		counts.ValidDocuments, counts.MalformedDocuments,
		counts.PlanRecords, counts.ChangeRecords, time.Since(start))
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
