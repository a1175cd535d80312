package gateway

import (
	"testing"

	"google.golang.org/api/calendar/v3"
)

func TestBuildTimedDateTimePassesThroughNamedZone(t *testing.T) {
	src := &calendar.EventDateTime{DateTime: "2026-03-05T09:00:00-05:00", TimeZone: "America/New_York"}
	got := BuildTimedDateTime(src)
	if got.TimeZone != "America/New_York" {
		t.Errorf("TimeZone = %q, want America/New_York", got.TimeZone)
	}
}

func TestBuildTimedDateTimeSetsUTCForZSuffix(t *testing.T) {
	src := &calendar.EventDateTime{DateTime: "2026-03-05T14:00:00Z"}
	got := BuildTimedDateTime(src)
	if got.TimeZone != "UTC" {
		t.Errorf("TimeZone = %q, want UTC", got.TimeZone)
	}
}

func TestBuildTimedDateTimeOmitsZoneForFixedOffset(t *testing.T) {
	src := &calendar.EventDateTime{DateTime: "2026-03-05T09:00:00-05:00"}
	got := BuildTimedDateTime(src)
	if got.TimeZone != "" {
		t.Errorf("TimeZone = %q, want empty so the embedded offset is honored as-is", got.TimeZone)
	}
	if got.DateTime != src.DateTime {
		t.Errorf("DateTime = %q, want unchanged %q", got.DateTime, src.DateTime)
	}
}

func TestDeriveInstanceEventIDAllDay(t *testing.T) {
	got, err := DeriveInstanceEventID("parent-123", &calendar.EventDateTime{Date: "2026-03-05"})
	if err != nil {
		t.Fatalf("DeriveInstanceEventID: %v", err)
	}
	want := "parent-123_20260305"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeriveInstanceEventIDTimed(t *testing.T) {
	got, err := DeriveInstanceEventID("parent-123", &calendar.EventDateTime{DateTime: "2026-03-05T14:30:00Z"})
	if err != nil {
		t.Fatalf("DeriveInstanceEventID: %v", err)
	}
	want := "parent-123_20260305T143000Z"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeriveInstanceEventIDTimedOffsetConvertsToUTC(t *testing.T) {
	got, err := DeriveInstanceEventID("parent-123", &calendar.EventDateTime{DateTime: "2026-03-05T09:30:00-05:00"})
	if err != nil {
		t.Fatalf("DeriveInstanceEventID: %v", err)
	}
	want := "parent-123_20260305T143000Z"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeriveInstanceEventIDMissingBoth(t *testing.T) {
	if _, err := DeriveInstanceEventID("parent-123", &calendar.EventDateTime{}); err == nil {
		t.Error("expected error when originalStartTime has neither date nor dateTime")
	}
}
