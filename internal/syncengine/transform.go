package syncengine

import (
	"fmt"
	"strings"

	"google.golang.org/api/calendar/v3"
)

// isAllDay reports whether e uses date-only start/end (no time component).
func isAllDay(e *calendar.Event) bool {
	return e.Start != nil && e.Start.Date != ""
}

// isRecurring reports whether e is (or belongs to) a recurring series.
func isRecurring(e *calendar.Event) bool {
	return len(e.Recurrence) > 0 || e.RecurringEventId != ""
}

// copyEventForMain builds the full-detail copy written to the main
// calendar for a client-origin event: summary prefixed with
// the managed-event marker and a bracketed, truncated source label;
// description/location/start/end/transparency/recurrence preserved;
// attendees flattened into a description footer rather than invited.
func (e *Engine) copyEventForMain(source *calendar.Event, sourceLabel, colorID string, sourceEditable bool) *calendar.Event {
	label := strings.TrimSpace(sourceLabel)
	if len(label) > 80 {
		label = label[:77] + "..."
	}

	var markerParts []string
	prefix := strings.TrimSpace(e.cfg.ManagedEventPrefix)
	if prefix != "" {
		markerParts = append(markerParts, prefix)
	}
	if label != "" {
		markerParts = append(markerParts, fmt.Sprintf("[%s]", label))
	}
	marker := strings.TrimSpace(strings.Join(markerParts, " "))

	baseSummary := source.Summary
	if baseSummary == "" {
		baseSummary = "Untitled Event"
	}
	summary := baseSummary
	if marker != "" {
		summary = strings.TrimSpace(marker + " " + baseSummary)
	}

	transparency := source.Transparency
	if transparency == "" {
		transparency = "opaque"
	}

	out := &calendar.Event{
		Summary:      summary,
		Description:  source.Description,
		Location:     source.Location,
		Start:        cloneDateTime(source.Start),
		End:          cloneDateTime(source.End),
		Transparency: transparency,
	}
	if colorID != "" {
		out.ColorId = colorID
	}

	if label != "" {
		sourceLine := fmt.Sprintf("%s source: %s", e.cfg.ManagedEventPrefix, label)
		if out.Description != "" {
			out.Description = sourceLine + "\n\n" + out.Description
		} else {
			out.Description = sourceLine
		}
	}

	if len(source.Recurrence) > 0 {
		out.Recurrence = append([]string(nil), source.Recurrence...)
	}

	if !sourceEditable {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{"sourceReadOnly": "true"},
		}
	}

	if len(source.Attendees) > 0 {
		var emails []string
		for _, a := range source.Attendees {
			if a.Email != "" {
				emails = append(emails, a.Email)
			}
		}
		if len(emails) > 0 {
			footer := "Original attendees: " + strings.Join(emails, ", ")
			if out.Description != "" {
				out.Description = strings.TrimSpace(out.Description + "\n\n" + footer)
			} else {
				out.Description = footer
			}
		}
	}

	return out
}

func cloneDateTime(d *calendar.EventDateTime) *calendar.EventDateTime {
	if d == nil {
		return nil
	}
	return BuildTimedDateTime(d)
}

// BuildTimedDateTime applies the same DST-safe datetime normalization as
// gateway.BuildTimedDateTime, and additionally passes a date-only
// (all-day) value through as a date. d must not be nil.
func BuildTimedDateTime(d *calendar.EventDateTime) *calendar.EventDateTime {
	if d.Date != "" {
		return &calendar.EventDateTime{Date: d.Date}
	}
	out := &calendar.EventDateTime{DateTime: d.DateTime}
	switch {
	case d.TimeZone != "":
		out.TimeZone = d.TimeZone
	case strings.HasSuffix(d.DateTime, "Z"):
		out.TimeZone = "UTC"
	}
	return out
}

// createBusyBlock builds the opaque placeholder event mirrored onto every
// other active client calendar to represent time already committed.
func (e *Engine) createBusyBlock(start, end *calendar.EventDateTime, allDay bool, recurrence []string) *calendar.Event {
	return e.buildBusyBlock(e.cfg.BusyBlockTitle, start, end, allDay, recurrence)
}

// createPersonalBusyBlock is the personal-origin variant, using a distinct
// visible title so these blocks can be told apart during manual cleanup.
func (e *Engine) createPersonalBusyBlock(start, end *calendar.EventDateTime, allDay bool, recurrence []string) *calendar.Event {
	return e.buildBusyBlock(e.cfg.PersonalBusyBlockTitle, start, end, allDay, recurrence)
}

func (e *Engine) buildBusyBlock(title string, start, end *calendar.EventDateTime, allDay bool, recurrence []string) *calendar.Event {
	summary := title
	if prefix := strings.TrimSpace(e.cfg.ManagedEventPrefix); prefix != "" {
		summary = strings.TrimSpace(prefix + " " + title)
	}
	ev := &calendar.Event{
		Summary:      summary,
		Visibility:   "private",
		Transparency: "opaque",
	}
	if allDay {
		ev.Start = &calendar.EventDateTime{Date: start.Date}
		ev.End = &calendar.EventDateTime{Date: end.Date}
	} else {
		ev.Start = BuildTimedDateTime(start)
		ev.End = BuildTimedDateTime(end)
	}
	if len(recurrence) > 0 {
		ev.Recurrence = append([]string(nil), recurrence...)
	}
	return ev
}

// shouldCreateBusyBlock implements the busy-worthy predicate: skip
// cancelled events, skip events the user declined, and skip all-day
// events explicitly marked "Free" (transparency=transparent).
func shouldCreateBusyBlock(e *calendar.Event) bool {
	if e.Status == "cancelled" {
		return false
	}
	for _, a := range e.Attendees {
		if a.Self && a.ResponseStatus == "declined" {
			return false
		}
	}
	if isAllDay(e) && e.Transparency == "transparent" {
		return false
	}
	return true
}

// canUserEditEvent determines whether userEmail can modify the given
// event: organizer, guestsCanModify, or creator identity.
func canUserEditEvent(e *calendar.Event, userEmail string) bool {
	userEmail = strings.ToLower(userEmail)
	if e.Organizer != nil {
		if strings.ToLower(e.Organizer.Email) == userEmail || e.Organizer.Self {
			return true
		}
	}
	if e.GuestsCanModify {
		return true
	}
	if e.Creator != nil {
		if strings.ToLower(e.Creator.Email) == userEmail || e.Creator.Self {
			return true
		}
	}
	return false
}
