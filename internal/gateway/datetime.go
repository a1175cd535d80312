package gateway

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// BuildTimedDateTime normalizes src into an EventDateTime suitable for
// writing back to the API. If src already names an IANA zone it is
// passed through. If src's dateTime ends in "Z" (UTC), the zone is made
// explicit. Otherwise src carries a fixed UTC offset with no named zone,
// and TimeZone is left empty so Google honors the embedded offset as-is
// -- setting TimeZone here would make Google reinterpret a fixed-offset
// instant using that zone's rules, drifting recurring-event instances
// across DST transitions.
func BuildTimedDateTime(src *calendar.EventDateTime) *calendar.EventDateTime {
	if src == nil {
		return nil
	}
	out := &calendar.EventDateTime{DateTime: src.DateTime}
	switch {
	case src.TimeZone != "":
		out.TimeZone = src.TimeZone
	case strings.HasSuffix(src.DateTime, "Z"):
		out.TimeZone = "UTC"
	}
	return out
}

// DeriveInstanceEventID computes the synthetic event id Google uses to
// address a single instance of a recurring event, given the parent
// recurring event's id and that instance's originalStartTime.
func DeriveInstanceEventID(parentEventID string, originalStart *calendar.EventDateTime) (string, error) {
	if originalStart == nil {
		return "", fmt.Errorf("gateway: derive instance id: missing originalStartTime")
	}
	if originalStart.Date != "" {
		return fmt.Sprintf("%s_%s", parentEventID, strings.ReplaceAll(originalStart.Date, "-", "")), nil
	}
	if originalStart.DateTime == "" {
		return "", fmt.Errorf("gateway: derive instance id: originalStartTime has neither date nor dateTime")
	}

	t, err := time.Parse(time.RFC3339, originalStart.DateTime)
	if err != nil {
		return "", fmt.Errorf("gateway: derive instance id: parse dateTime: %w", err)
	}
	suffix := t.UTC().Format("20060102T150405") + "Z"
	return fmt.Sprintf("%s_%s", parentEventID, suffix), nil
}
