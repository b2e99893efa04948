package parser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"db2parquet/pkg/metrics"
	"db2parquet/pkg/types"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TimetableParser turns raw timetable documents into stop and change records.
// Parsing is pure: no state is kept between documents and malformed fields
// degrade to nil values instead of errors.
type TimetableParser struct {
	tracer trace.Tracer
}

func NewTimetableParser() *TimetableParser {
	return &TimetableParser{
		tracer: otel.Tracer("timetable-parser"),
	}
}

// ParsePlanDocument extracts stop events from one plan document. eva and
// stationName identify the queried station; observedAt is the fetch time of
// the document and is carried on every record for later deduplication.
func (p *TimetableParser) ParsePlanDocument(ctx context.Context, xmlData, eva, stationName string, observedAt time.Time) ([]types.StopEvent, error) {
	_, span := p.tracer.Start(ctx, "parser.parse_plan_document",
		trace.WithAttributes(
			attribute.String("eva", eva),
			attribute.Int("xml_size_bytes", len(xmlData)),
		),
	)
	defer span.End()
	defer observeParse(ctx, time.Now())

	xmlMap, err := mxj.NewMapXml([]byte(xmlData))
	if err != nil {
		span.RecordError(err)
		if metrics.IsEnabled() {
			metrics.ParserDocumentsFailed.Add(ctx, 1)
		}
		return nil, fmt.Errorf("failed to parse plan XML: %w", err)
	}

	timetable, ok := xmlMap["timetable"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	xmlStationName := attr(timetable, "station")

	var events []types.StopEvent
	for _, stopMap := range stopElements(timetable) {
		id := attr(stopMap, "id")
		if id == "" {
			continue
		}

		tl, _ := stopMap["tl"].(map[string]interface{})
		ar, _ := stopMap["ar"].(map[string]interface{})
		dp, _ := stopMap["dp"].(map[string]interface{})

		category := attr(tl, "c")
		trainName := types.TrainName(category, attr(tl, "n"), attr(ar, "l"), attr(dp, "l"))

		// The last stop of the departure-planned path is the ride's final
		// destination; without a departure leg the train terminates here.
		finalDestination := stationName
		if finalDestination == "" {
			finalDestination = xmlStationName
		}
		if ppth := attr(dp, "ppth"); ppth != "" {
			parts := strings.Split(ppth, "|")
			finalDestination = parts[len(parts)-1]
		}

		events = append(events, types.StopEvent{
			ID:                      id,
			StationName:             stationName,
			XMLStationName:          xmlStationName,
			EVA:                     eva,
			TrainName:               trainName,
			FinalDestinationStation: finalDestination,
			TrainCategory:           category,
			ArrivalPlannedTime:      types.ParseCompactTime(attr(ar, "pt")),
			DeparturePlannedTime:    types.ParseCompactTime(attr(dp, "pt")),
			ObservedAt:              observedAt,
		})
	}

	span.SetAttributes(attribute.Int("stop_events", len(events)))
	return events, nil
}

// ParseChangeDocument extracts change events from one fchg document. Stops
// without an actionable delta (no change time and no cancellation marker) are
// dropped so a later empty re-announcement cannot overwrite a known change.
func (p *TimetableParser) ParseChangeDocument(ctx context.Context, xmlData string, observedAt time.Time) ([]types.ChangeEvent, error) {
	_, span := p.tracer.Start(ctx, "parser.parse_change_document",
		trace.WithAttributes(
			attribute.Int("xml_size_bytes", len(xmlData)),
		),
	)
	defer span.End()

	defer observeParse(ctx, time.Now())

	xmlMap, err := mxj.NewMapXml([]byte(xmlData))
	if err != nil {
		span.RecordError(err)
		if metrics.IsEnabled() {
			metrics.ParserDocumentsFailed.Add(ctx, 1)
		}
		return nil, fmt.Errorf("failed to parse fchg XML: %w", err)
	}

	timetable, ok := xmlMap["timetable"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	var events []types.ChangeEvent
	for _, stopMap := range stopElements(timetable) {
		id := attr(stopMap, "id")
		if id == "" {
			continue
		}

		ar, _ := stopMap["ar"].(map[string]interface{})
		dp, _ := stopMap["dp"].(map[string]interface{})

		arrivalChange := types.ParseCompactTime(attr(ar, "ct"))
		departureChange := types.ParseCompactTime(attr(dp, "ct"))

		// clt carries the cancellation time; its presence on either leg
		// marks the stop as canceled.
		isCanceled := attr(ar, "clt") != "" || attr(dp, "clt") != ""

		if arrivalChange == nil && departureChange == nil && !isCanceled {
			continue
		}

		events = append(events, types.ChangeEvent{
			ID:                  id,
			ArrivalChangeTime:   arrivalChange,
			DepartureChangeTime: departureChange,
			IsCanceled:          isCanceled,
			ObservedAt:          observedAt,
		})
	}

	span.SetAttributes(attribute.Int("change_events", len(events)))
	return events, nil
}

func observeParse(ctx context.Context, start time.Time) {
	if metrics.IsEnabled() {
		metrics.XMLParseDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// stopElements returns the <s> children of a timetable element. A document
// with a single stop decodes as a map rather than a slice.
func stopElements(timetable map[string]interface{}) []map[string]interface{} {
	var raw []interface{}
	switch s := timetable["s"].(type) {
	case []interface{}:
		raw = s
	case map[string]interface{}:
		raw = []interface{}{s}
	default:
		return nil
	}

	stops := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			stops = append(stops, m)
		}
	}
	return stops
}

// attr reads an XML attribute from an mxj element map. mxj prefixes
// attribute keys with "-". Missing elements or attributes yield "".
func attr(element map[string]interface{}, name string) string {
	if element == nil {
		return ""
	}
	v, ok := element["-"+name].(string)
	if !ok {
		return ""
	}
	return v
}
