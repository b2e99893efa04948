package release

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"db2parquet/pkg/types"
)

// Options are the policy toggles of the delay derivation. Both exist because
// the derivation changed over the life of the source data; the defaults are
// the current policy.
type Options struct {
	// PreferEndStationLeg selects the arrival-leg delay at a ride's final
	// destination and the departure-leg delay everywhere else. When false,
	// the departure leg always wins when present (the older policy).
	PreferEndStationLeg bool

	// NullEchoChanges treats a reported change time that exactly equals the
	// planned time as no change at all, so the delay derivation falls
	// through to the other leg instead of reporting a zero sourced from a
	// redundant API echo.
	NullEchoChanges bool
}

// DefaultOptions returns the current derivation policy.
func DefaultOptions() Options {
	return Options{PreferEndStationLeg: true}
}

const sqlTimeLayout = "2006-01-02 15:04:05"

// buildReleaseQuery assembles the single relational pass over the
// intermediate tables: per-stream keep-newest deduplication, plan/change
// left join with default-fill, delay and cancellation derivation, half-open
// month filter, fixed column projection, parquet COPY.
func buildReleaseQuery(outputFile string, monthStart, monthEnd time.Time, opts Options) string {
	arrivalEcho := "arrival_change_time"
	departureEcho := "departure_change_time"
	if opts.NullEchoChanges {
		arrivalEcho = "CASE WHEN arrival_change_time = arrival_planned_time THEN NULL ELSE arrival_change_time END"
		departureEcho = "CASE WHEN departure_change_time = departure_planned_time THEN NULL ELSE departure_change_time END"
	}

	delayExpr := "COALESCE(departure_delta, arrival_delta)"
	if opts.PreferEndStationLeg {
		delayExpr = `CASE WHEN is_endstation
                    THEN COALESCE(arrival_delta, departure_delta)
                    ELSE COALESCE(departure_delta, arrival_delta)
                END`
	}

	return fmt.Sprintf(`
        COPY (
            WITH plan_deduped AS (
                SELECT DISTINCT ON (id)
                    id,
                    station_name,
                    xml_station_name,
                    eva,
                    train_name,
                    final_destination_station,
                    train_category,
                    arrival_planned_time,
                    departure_planned_time
                FROM plan_records
                ORDER BY id, observed_at DESC
            ),
            change_deduped AS (
                SELECT DISTINCT ON (id)
                    id,
                    arrival_change_time,
                    departure_change_time,
                    is_canceled
                FROM change_records
                ORDER BY id, observed_at DESC
            ),
            merged AS (
                SELECT
                    p.id,
                    p.station_name,
                    p.xml_station_name,
                    p.eva,
                    p.train_name,
                    p.final_destination_station,
                    p.train_category,
                    p.arrival_planned_time,
                    p.departure_planned_time,
                    COALESCE(c.arrival_change_time, p.arrival_planned_time) AS arrival_change_time,
                    COALESCE(c.departure_change_time, p.departure_planned_time) AS departure_change_time,
                    COALESCE(c.is_canceled, false) AS is_canceled,
                    COALESCE(COALESCE(p.station_name, p.xml_station_name) = p.final_destination_station, false) AS is_endstation
                FROM plan_deduped p
                LEFT JOIN change_deduped c ON p.id = c.id
            ),
            deltas AS (
                SELECT
                    *,
                    CASE
                        WHEN is_canceled AND arrival_planned_time IS NOT NULL THEN %s
                        ELSE date_diff('minute', arrival_planned_time, %s)
                    END AS arrival_delta,
                    CASE
                        WHEN is_canceled AND departure_planned_time IS NOT NULL THEN %s
                        ELSE date_diff('minute', departure_planned_time, %s)
                    END AS departure_delta
                FROM merged
            ),
            transformed AS (
                SELECT
                    station_name,
                    xml_station_name,
                    eva AS station_identifier,
                    train_name,
                    final_destination_station,
                    CAST(COALESCE(%s, 0) AS INTEGER) AS delay_in_min,
                    COALESCE(departure_change_time, arrival_change_time) AS time,
                    is_canceled,
                    train_category,
                    regexp_replace(id, '-[0-9]+$', '') AS train_line_ride_id,
                    CAST(COALESCE(NULLIF(regexp_extract(id, '-([0-9]+)$', 1), ''), '0') AS INTEGER) AS train_line_station_num,
                    arrival_planned_time,
                    arrival_change_time,
                    departure_planned_time,
                    departure_change_time,
                    is_endstation
                FROM deltas
                ORDER BY time
            )
            SELECT * FROM transformed
            WHERE time >= TIMESTAMP '%s'
                AND time < TIMESTAMP '%s'
        ) TO '%s' (FORMAT PARQUET)`,
		cancelDelayCase(), arrivalEcho,
		cancelDelayCase(), departureEcho,
		delayExpr,
		monthStart.Format(sqlTimeLayout),
		monthEnd.Format(sqlTimeLayout),
		sqlPath(outputFile),
	)
}

// cancelDelayCase renders the per-category cancellation compensation table
// as a SQL CASE expression, categories in deterministic order.
func cancelDelayCase() string {
	table := types.CancelDelayTable()
	categories := make([]string, 0, len(table))
	for cat := range table {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString("CASE train_category")
	for _, cat := range categories {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", cat, table[cat])
	}
	fmt.Fprintf(&b, " ELSE %d END", types.DefaultCancelDelayMinutes)
	return b.String()
}

// monthWindow returns the half-open [first instant of month, first instant
// of next month) interval.
func monthWindow(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// sqlPath escapes a filesystem path for a single-quoted SQL literal.
func sqlPath(p string) string {
	return strings.ReplaceAll(strings.ReplaceAll(p, "\\", "/"), "'", "''")
}
