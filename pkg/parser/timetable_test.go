package parser

import (
	"context"
	"testing"
	"time"
)

var planXML = `<?xml version="1.0" encoding="UTF-8"?>
<timetable station="Frankfurt(Main)Hbf">
  <s id="123456-1">
    <tl f="F" t="p" o="80" c="ICE" n="571"/>
    <ar pt="2501150955" pp="7" l="11" ppth="Berlin Hbf|Braunschweig Hbf"/>
    <dp pt="2501151000" pp="7" ppth="Mannheim Hbf|Stuttgart Hbf"/>
  </s>
  <s id="789012-4">
    <tl f="S" t="p" o="800725" c="S" n="38571"/>
    <ar pt="2501151012" l="3" ppth="Offenbach Ost|Frankfurt Süd"/>
  </s>
</timetable>`

var fchgXML = `<?xml version="1.0" encoding="UTF-8"?>
<timetable station="Frankfurt(Main)Hbf">
  <s id="123456-1">
    <ar ct="2501151010"/>
    <dp ct="2501151015"/>
  </s>
  <s id="789012-4">
    <ar clt="2501150930"/>
  </s>
  <s id="555555-2">
    <ar/>
    <dp/>
  </s>
</timetable>`

func TestParsePlanDocument(t *testing.T) {
	p := NewTimetableParser()
	observedAt := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	events, err := p.ParsePlanDocument(context.Background(), planXML, "08000105", "Frankfurt (Main) Hbf", observedAt)
	if err != nil {
		t.Fatalf("ParsePlanDocument failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d stop events, want 2", len(events))
	}

	ice := events[0]
	if ice.ID != "123456-1" {
		t.Errorf("ID = %q, want %q", ice.ID, "123456-1")
	}
	if ice.TrainName != "ICE 571" {
		t.Errorf("TrainName = %q, want %q (train number wins for ICE)", ice.TrainName, "ICE 571")
	}
	if ice.FinalDestinationStation != "Stuttgart Hbf" {
		t.Errorf("FinalDestinationStation = %q, want %q", ice.FinalDestinationStation, "Stuttgart Hbf")
	}
	if ice.StationName != "Frankfurt (Main) Hbf" {
		t.Errorf("StationName = %q", ice.StationName)
	}
	if ice.XMLStationName != "Frankfurt(Main)Hbf" {
		t.Errorf("XMLStationName = %q", ice.XMLStationName)
	}
	if ice.EVA != "08000105" {
		t.Errorf("EVA = %q", ice.EVA)
	}
	wantDp := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	if ice.DeparturePlannedTime == nil || !ice.DeparturePlannedTime.Equal(wantDp) {
		t.Errorf("DeparturePlannedTime = %v, want %v", ice.DeparturePlannedTime, wantDp)
	}
	if !ice.ObservedAt.Equal(observedAt) {
		t.Errorf("ObservedAt = %v, want %v", ice.ObservedAt, observedAt)
	}

	sbahn := events[1]
	if sbahn.TrainName != "S 3" {
		t.Errorf("TrainName = %q, want %q (arrival line for S without number form)", sbahn.TrainName, "S 3")
	}
	// No departure leg: the train terminates at the queried station.
	if sbahn.FinalDestinationStation != "Frankfurt (Main) Hbf" {
		t.Errorf("FinalDestinationStation = %q, want current station", sbahn.FinalDestinationStation)
	}
	if sbahn.DeparturePlannedTime != nil {
		t.Errorf("DeparturePlannedTime = %v, want nil", sbahn.DeparturePlannedTime)
	}
}

func TestParsePlanDocument_SingleStop(t *testing.T) {
	xml := `<timetable station="Kassel Hbf"><s id="42-1"><tl c="RE" n="4711"/><dp pt="2501152230" l="98" ppth="Melsungen|Bebra"/></s></timetable>`
	p := NewTimetableParser()

	events, err := p.ParsePlanDocument(context.Background(), xml, "08003200", "Kassel Hbf", time.Now())
	if err != nil {
		t.Fatalf("ParsePlanDocument failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d stop events, want 1", len(events))
	}
	if events[0].TrainName != "RE 98" {
		t.Errorf("TrainName = %q, want %q", events[0].TrainName, "RE 98")
	}
}

func TestParsePlanDocument_MalformedTime(t *testing.T) {
	xml := `<timetable station="X"><s id="1-1"><tl c="S"/><dp pt="garbage"/></s></timetable>`
	p := NewTimetableParser()

	events, err := p.ParsePlanDocument(context.Background(), xml, "0800", "X", time.Now())
	if err != nil {
		t.Fatalf("ParsePlanDocument failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d stop events, want 1 (bad attribute must not drop the stop)", len(events))
	}
	if events[0].DeparturePlannedTime != nil {
		t.Errorf("DeparturePlannedTime = %v, want nil for unparsable attribute", events[0].DeparturePlannedTime)
	}
}

func TestParsePlanDocument_InvalidXML(t *testing.T) {
	p := NewTimetableParser()
	if _, err := p.ParsePlanDocument(context.Background(), "not xml <<", "0800", "X", time.Now()); err == nil {
		t.Error("expected error for unparsable document")
	}
}

func TestParseChangeDocument(t *testing.T) {
	p := NewTimetableParser()
	observedAt := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	events, err := p.ParseChangeDocument(context.Background(), fchgXML, observedAt)
	if err != nil {
		t.Fatalf("ParseChangeDocument failed: %v", err)
	}
	// The third stop carries neither a change time nor a cancellation and
	// must be dropped.
	if len(events) != 2 {
		t.Fatalf("got %d change events, want 2", len(events))
	}

	delayed := events[0]
	if delayed.ID != "123456-1" {
		t.Errorf("ID = %q", delayed.ID)
	}
	if delayed.IsCanceled {
		t.Error("IsCanceled = true, want false")
	}
	wantAr := time.Date(2025, 1, 15, 10, 10, 0, 0, time.UTC)
	if delayed.ArrivalChangeTime == nil || !delayed.ArrivalChangeTime.Equal(wantAr) {
		t.Errorf("ArrivalChangeTime = %v, want %v", delayed.ArrivalChangeTime, wantAr)
	}

	canceled := events[1]
	if !canceled.IsCanceled {
		t.Error("IsCanceled = false, want true for stop with clt marker")
	}
	if canceled.ArrivalChangeTime != nil || canceled.DepartureChangeTime != nil {
		t.Error("cancellation without change times should keep both legs nil")
	}
}
