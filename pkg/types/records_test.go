package types

import (
	"testing"
	"time"
)

func TestParseCompactTime(t *testing.T) {
	got := ParseCompactTime("2501151000")
	if got == nil {
		t.Fatal("ParseCompactTime returned nil for valid input")
	}
	want := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseCompactTime = %v, want %v", got, want)
	}
}

func TestParseCompactTime_Invalid(t *testing.T) {
	cases := []string{"", "250115", "not-a-time!", "2513151000", "25011510000"}
	for _, c := range cases {
		if got := ParseCompactTime(c); got != nil {
			t.Errorf("ParseCompactTime(%q) = %v, want nil", c, got)
		}
	}
}

func TestFormatCompactTime_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	got := ParseCompactTime(FormatCompactTime(ts))
	if got == nil || !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

func TestTrainName_Precedence(t *testing.T) {
	tests := []struct {
		name                                 string
		category, number, arLine, dpLine     string
		want                                 string
	}{
		{"ICE uses train number", "ICE", "571", "11", "12", "ICE 571"},
		{"IC uses train number", "IC", "2012", "", "", "IC 2012"},
		{"EC uses train number", "EC", "6", "5", "", "EC 6"},
		{"arrival line preferred", "S", "12345", "3", "4", "S 3"},
		{"departure line fallback", "RE", "4711", "", "9", "RE 9"},
		{"bare category", "Bus", "", "", "", "Bus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrainName(tt.category, tt.number, tt.arLine, tt.dpLine)
			if got != tt.want {
				t.Errorf("TrainName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStopEvent_IDParts(t *testing.T) {
	s := StopEvent{ID: "-5296516961807985244-2501151022-12"}
	if got := s.RideID(); got != "-5296516961807985244-2501151022" {
		t.Errorf("RideID = %q", got)
	}
	if got := s.StationNum(); got != 12 {
		t.Errorf("StationNum = %d, want 12", got)
	}
}

func TestCancelDelayMinutes(t *testing.T) {
	if got := CancelDelayMinutes("ICE"); got != 180 {
		t.Errorf("ICE compensation = %d, want 180", got)
	}
	if got := CancelDelayMinutes("RB"); got != 40 {
		t.Errorf("RB compensation = %d, want 40", got)
	}
	if got := CancelDelayMinutes("Unknown"); got != DefaultCancelDelayMinutes {
		t.Errorf("default compensation = %d, want %d", got, DefaultCancelDelayMinutes)
	}
}

func TestRawResponse_OK(t *testing.T) {
	ok := RawResponse{StatusCode: "200", ResponseData: "<timetable/>"}
	if !ok.OK() {
		t.Error("expected OK for 200 with data")
	}
	failed := RawResponse{StatusCode: "503", Error: "service unavailable"}
	if failed.OK() {
		t.Error("expected not OK for 503")
	}
	empty := RawResponse{StatusCode: "200"}
	if empty.OK() {
		t.Error("expected not OK for empty body")
	}
}
