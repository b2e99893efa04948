package stations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"db2parquet/pkg/dbapi"
	"db2parquet/pkg/types"
)

// Mapping is the EVA-number to canonical-station-name reference data. It is
// small (a few thousand stations) and always held fully in memory.
type Mapping map[string]string

// Load reads a mapping from its JSON file.
func Load(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read station mapping: %w", err)
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse station mapping: %w", err)
	}
	return m, nil
}

// Save writes the mapping as indented JSON.
func (m Mapping) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal station mapping: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Name returns the canonical name for an EVA number, "" when unknown. The
// release pipeline keeps rows with unknown stations; only the canonical name
// column stays empty.
func (m Mapping) Name(eva string) string {
	return m[eva]
}

// stationDataResponse mirrors the station-data/v2/stations payload down to
// the fields the mapping needs.
type stationDataResponse struct {
	Result []struct {
		Name       string `json:"name"`
		EVANumbers []struct {
			Number int  `json:"number"`
			IsMain bool `json:"isMain"`
		} `json:"evaNumbers"`
	} `json:"result"`
}

// BuildFromArchive reconstructs the mapping from archived station reference
// responses. Every EVA number of a station maps to the same canonical name;
// EVA numbers carry a leading zero, matching the timetable API's station
// path segments.
func BuildFromArchive(ctx context.Context, responses []types.RawResponse) (Mapping, error) {
	m := make(Mapping)
	for _, r := range responses {
		if r.APIName != dbapi.APINameStations || !r.OK() {
			continue
		}
		var payload stationDataResponse
		if err := json.Unmarshal([]byte(r.ResponseData), &payload); err != nil {
			return nil, fmt.Errorf("failed to parse station data response: %w", err)
		}
		for _, station := range payload.Result {
			for _, eva := range station.EVANumbers {
				m[fmt.Sprintf("0%d", eva.Number)] = station.Name
			}
		}
	}
	return m, nil
}

// EVANumbers returns all mapped EVA numbers. Used by the fetch CLI to build
// plan/fchg queries.
func (m Mapping) EVANumbers() []string {
	evas := make([]string, 0, len(m))
	for eva := range m {
		evas = append(evas, eva)
	}
	return evas
}
