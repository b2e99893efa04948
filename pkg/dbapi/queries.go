package dbapi

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// APINamePlan identifies scheduled-timetable documents in the archive.
	APINamePlan = "timetables/v1/plan"
	// APINameChange identifies change (fchg) documents in the archive.
	APINameChange = "timetables/v1/fchg"
	// APINameStations identifies station reference-data responses.
	APINameStations = "station-data/v2/stations"
)

// Query is one GET against the DB API marketplace.
type Query struct {
	URL    string
	Params url.Values
}

// FullURL returns the URL with encoded query parameters appended.
func (q Query) FullURL() string {
	if len(q.Params) == 0 {
		return q.URL
	}
	return q.URL + "?" + q.Params.Encode()
}

// EncodedParams returns the parameters as stored in the raw archive, "" when
// the query has none.
func (q Query) EncodedParams() string {
	if len(q.Params) == 0 {
		return ""
	}
	return q.Params.Encode()
}

// PlanQuery builds the scheduled-timetable query for one station, day and
// hour. date is the API's YYMMDD form.
func PlanQuery(eva, date string, hour int) Query {
	return Query{URL: fmt.Sprintf("%s%s/%s/%s/%02d", BaseURL, APINamePlan, eva, date, hour)}
}

// ChangeQuery builds the full-changes query for one station.
func ChangeQuery(eva string) Query {
	return Query{URL: fmt.Sprintf("%s%s/%s", BaseURL, APINameChange, eva)}
}

// StationsQuery builds the station reference-data query for one station
// category.
func StationsQuery(category int) Query {
	return Query{
		URL:    BaseURL + APINameStations,
		Params: url.Values{"category": []string{fmt.Sprintf("%d", category)}},
	}
}

// ExtractAPIName returns the logical endpoint identifier for a marketplace
// URL: the first three path segments after the API root, e.g.
// "timetables/v1/plan". Unrecognized URLs are returned whole.
func ExtractAPIName(rawURL string) string {
	withoutParams := rawURL
	if idx := strings.Index(withoutParams, "?"); idx >= 0 {
		withoutParams = withoutParams[:idx]
	}
	if !strings.HasPrefix(withoutParams, BaseURL) {
		return rawURL
	}
	path := strings.TrimPrefix(withoutParams, BaseURL)
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return rawURL
	}
	return strings.Join(parts[:3], "/")
}

// EVAFromPlanURL extracts the station identifier from an archived plan or
// fchg URL, "" when the URL has no station segment.
func EVAFromPlanURL(rawURL string) string {
	for _, apiName := range []string{APINamePlan, APINameChange} {
		prefix := BaseURL + apiName + "/"
		if strings.HasPrefix(rawURL, prefix) {
			rest := strings.TrimPrefix(rawURL, prefix)
			if idx := strings.Index(rest, "/"); idx >= 0 {
				return rest[:idx]
			}
			return rest
		}
	}
	return ""
}
