package types

import (
	"strconv"
	"strings"
	"time"
)

// compactTimeLayout is the fixed date-time format used by the timetables API
// for pt/ct attributes, e.g. "2501151000" for 2025-01-15 10:00.
const compactTimeLayout = "0601021504"

// RawResponse is one archived API response as produced by the fetch client
// and stored in the date-partitioned raw archive.
type RawResponse struct {
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url"`
	APIName      string    `json:"api_name"`
	QueryParams  string    `json:"query_params,omitempty"`
	ResponseData string    `json:"response_data"`
	StatusCode   string    `json:"status_code"`
	Error        string    `json:"error,omitempty"`
	DurationMS   float64   `json:"duration_ms"`
	Year         int       `json:"year"`
	Month        int       `json:"month"`
	Day          int       `json:"day"`
}

// OK reports whether the response carries a usable document.
func (r *RawResponse) OK() bool {
	return r.StatusCode == "200" && r.ResponseData != ""
}

// StopEvent is one stop of one train ride as announced in a plan document.
// The same ID may be parsed from many documents; ObservedAt decides which
// version survives deduplication.
type StopEvent struct {
	ID                      string     `json:"id"`
	StationName             string     `json:"station_name"`
	XMLStationName          string     `json:"xml_station_name"`
	EVA                     string     `json:"eva"`
	TrainName               string     `json:"train_name"`
	FinalDestinationStation string     `json:"final_destination_station"`
	TrainCategory           string     `json:"train_category"`
	ArrivalPlannedTime      *time.Time `json:"arrival_planned_time"`
	DeparturePlannedTime    *time.Time `json:"departure_planned_time"`
	ObservedAt              time.Time  `json:"observed_at"`
}

// RideID returns the ride identifier shared by all stops of the journey.
func (s *StopEvent) RideID() string {
	idx := strings.LastIndex(s.ID, "-")
	if idx < 0 {
		return s.ID
	}
	return s.ID[:idx]
}

// StationNum returns the stop sequence number within the ride, 0 if the ID
// carries none.
func (s *StopEvent) StationNum() int {
	idx := strings.LastIndex(s.ID, "-")
	if idx < 0 || idx == len(s.ID)-1 {
		return 0
	}
	n, err := strconv.Atoi(s.ID[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// ChangeEvent is one reported deviation from a fchg document. Records are
// only created when they carry an actionable delta (a change time or a
// cancellation), so an empty change can never overwrite a known one.
type ChangeEvent struct {
	ID                  string     `json:"id"`
	ArrivalChangeTime   *time.Time `json:"arrival_change_time"`
	DepartureChangeTime *time.Time `json:"departure_change_time"`
	IsCanceled          bool       `json:"is_canceled"`
	ObservedAt          time.Time  `json:"observed_at"`
}

// ParseCompactTime parses the API's compact YYMMDDHHmm attribute format.
// Absent or malformed values yield nil rather than an error: a single bad
// attribute must never abort the enclosing document.
func ParseCompactTime(s string) *time.Time {
	if len(s) != len(compactTimeLayout) {
		return nil
	}
	t, err := time.Parse(compactTimeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// FormatCompactTime is the inverse of ParseCompactTime, used by tests and
// fixtures.
func FormatCompactTime(t time.Time) string {
	return t.Format(compactTimeLayout)
}

// numberedCategories are the train categories whose display name is built
// from the train number instead of a line number.
var numberedCategories = map[string]bool{
	"IC":  true,
	"ICE": true,
	"EC":  true,
}

// TrainName derives the display name of a train. The precedence is
// order-sensitive and must not change: category+number for IC/ICE/EC,
// otherwise arrival line, then departure line, then the bare category.
func TrainName(category, trainNumber, arrivalLine, departureLine string) string {
	if numberedCategories[category] {
		return category + " " + trainNumber
	}
	if arrivalLine != "" {
		return category + " " + arrivalLine
	}
	if departureLine != "" {
		return category + " " + departureLine
	}
	return category
}

// cancelDelayMinutes maps a train category to the synthetic delay credited
// for a canceled stop, so cancellations weigh into aggregate delay statistics
// instead of dropping out of them.
var cancelDelayMinutes = map[string]int{
	"RE":  60,
	"RB":  40,
	"Bus": 30,
	"S":   30,
	"ICE": 180,
	"IC":  120,
	"FLX": 180,
	"TGV": 180,
}

// DefaultCancelDelayMinutes is used for categories without an entry in the
// compensation table.
const DefaultCancelDelayMinutes = 60

// CancelDelayMinutes returns the cancellation compensation in minutes for a
// train category.
func CancelDelayMinutes(category string) int {
	if m, ok := cancelDelayMinutes[category]; ok {
		return m
	}
	return DefaultCancelDelayMinutes
}

// CancelDelayTable returns a copy of the full compensation table, keyed by
// category. The release query renders it into SQL.
func CancelDelayTable() map[string]int {
	out := make(map[string]int, len(cancelDelayMinutes))
	for k, v := range cancelDelayMinutes {
		out[k] = v
	}
	return out
}
