// Package gateway implements the Remote Calendar Gateway: a thin,
// provider-specific wrapper around the Google Calendar API that the rest
// of the sync engine talks to instead of the SDK directly. It owns
// pagination, rate limiting, and the error-classification rules that
// decide whether a failure is retryable, a sign the sync cursor expired,
// or a sign the calendar/event is gone.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	// ErrSyncTokenExpired signals the caller must discard its sync token
	// and perform a full resync (Google returns HTTP 410 for this case).
	ErrSyncTokenExpired = errors.New("gateway: sync token expired")
	// ErrCalendarNotFound mirrors a 404 from the calendar API.
	ErrCalendarNotFound = errors.New("gateway: calendar not found")
	// ErrPermissionDenied mirrors a 403 from the calendar API.
	ErrPermissionDenied = errors.New("gateway: permission denied")
	// ErrEventNotFound mirrors a 404 on a single-event fetch.
	ErrEventNotFound = errors.New("gateway: event not found")
)

// fullSyncWindowPast/Future bound the time range fetched when no sync
// token is available (initial sync, or recovery after a 410).
const (
	fullSyncWindowPast   = 30 * 24 * time.Hour
	fullSyncWindowFuture = 365 * 24 * time.Hour
)

// Gateway wraps a single user's calendar.Service with outbound rate
// limiting. One Gateway is constructed per credential/token source.
type Gateway struct {
	svc     *calendar.Service
	limiter *rate.Limiter
}

// New builds a Gateway over an already-authenticated HTTP client (a
// golang.org/x/oauth2 client, typically produced by internal/creds).
// ratePerSecond/burst bound outbound call volume to respect Google's
// per-user quota.
func New(ctx context.Context, httpClient *http.Client, ratePerSecond float64, burst int, opts ...option.ClientOption) (*Gateway, error) {
	allOpts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := calendar.NewService(ctx, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: create calendar service: %w", err)
	}
	return &Gateway{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}, nil
}

func (g *Gateway) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// ListResult is the outcome of a ListEvents call.
type ListResult struct {
	Events           []*calendar.Event
	NextSyncToken    string
	SyncTokenExpired bool
}

// ListEvents lists events on calendarID, following pagination to
// completion. If syncToken is non-empty it is used for incremental sync;
// otherwise a bounded full-fetch window (30 days back, 365 days forward)
// is used, matching the original sync window.
func (g *Gateway) ListEvents(ctx context.Context, calendarID, syncToken string) (*ListResult, error) {
	result := &ListResult{}
	pageToken := ""

	for {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}

		call := g.svc.Events.List(calendarID).Context(ctx).SingleEvents(true).MaxResults(250)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			now := time.Now().UTC()
			call = call.TimeMin(now.Add(-fullSyncWindowPast).Format(time.RFC3339)).
				TimeMax(now.Add(fullSyncWindowFuture).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		events, err := call.Do()
		if err != nil {
			if isGoneErr(err) {
				return &ListResult{SyncTokenExpired: true}, nil
			}
			return nil, classifyErr(err)
		}

		result.Events = append(result.Events, events.Items...)
		if events.NextSyncToken != "" {
			result.NextSyncToken = events.NextSyncToken
		}

		pageToken = events.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return result, nil
}

// GetEvent fetches a single event, returning ErrEventNotFound on 404.
func (g *Gateway) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	event, err := g.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrEventNotFound
		}
		return nil, classifyErr(err)
	}
	return event, nil
}

// CreateEvent creates event on calendarID, stamping the managed-event
// marker into extendedProperties.private[syncTag] so future syncs can
// recognize it as one of ours via IsOurEvent.
func (g *Gateway) CreateEvent(ctx context.Context, calendarID, syncTag string, event *calendar.Event) (*calendar.Event, error) {
	stampOurs(event, syncTag)
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	created, err := g.svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyErr(err)
	}
	return created, nil
}

// UpdateEvent replaces event eventID on calendarID. Google's update is a
// full replacement, so the marker must be re-stamped on every call.
func (g *Gateway) UpdateEvent(ctx context.Context, calendarID, eventID, syncTag string, event *calendar.Event) (*calendar.Event, error) {
	stampOurs(event, syncTag)
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	updated, err := g.svc.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		if isNotFoundErr(err) || isGoneErr(err) {
			return nil, ErrEventNotFound
		}
		return nil, classifyErr(err)
	}
	return updated, nil
}

// PatchEvent applies a partial update to eventID on calendarID: only the
// non-zero fields set on event are sent, unlike UpdateEvent's full
// replacement. The managed-event marker is re-stamped so a patch can never
// accidentally drop it.
func (g *Gateway) PatchEvent(ctx context.Context, calendarID, eventID, syncTag string, event *calendar.Event) (*calendar.Event, error) {
	stampOurs(event, syncTag)
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	patched, err := g.svc.Events.Patch(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		if isNotFoundErr(err) || isGoneErr(err) {
			return nil, ErrEventNotFound
		}
		return nil, classifyErr(err)
	}
	return patched, nil
}

// SearchEvents finds events on calendarID whose text fields match query,
// following pagination to completion within the same bounded full-fetch
// window ListEvents uses for a cold sync. Unlike ListEvents this never
// takes a sync token: search is a point-in-time lookup, not an
// incremental-sync primitive.
func (g *Gateway) SearchEvents(ctx context.Context, calendarID, query string) ([]*calendar.Event, error) {
	var events []*calendar.Event
	pageToken := ""
	now := time.Now().UTC()

	for {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}

		call := g.svc.Events.List(calendarID).Context(ctx).SingleEvents(true).MaxResults(250).
			Q(query).
			TimeMin(now.Add(-fullSyncWindowPast).Format(time.RFC3339)).
			TimeMax(now.Add(fullSyncWindowFuture).Format(time.RFC3339))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, classifyErr(err)
		}

		events = append(events, page.Items...)
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return events, nil
}

// DeleteEvent deletes eventID from calendarID. A 404 or 410 is treated as
// success: the remote artifact is already gone, which is the outcome the
// caller wanted.
func (g *Gateway) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	err := g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		if isNotFoundErr(err) || isGoneErr(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

// stampOurs marks event as managed by this sync engine.
func stampOurs(event *calendar.Event, syncTag string) {
	if event.ExtendedProperties == nil {
		event.ExtendedProperties = &calendar.EventExtendedProperties{}
	}
	if event.ExtendedProperties.Private == nil {
		event.ExtendedProperties.Private = make(map[string]string)
	}
	event.ExtendedProperties.Private[syncTag] = "true"
}

// IsOurEvent reports whether event carries this engine's managed-event
// marker.
func IsOurEvent(event *calendar.Event, syncTag string) bool {
	if event == nil || event.ExtendedProperties == nil || event.ExtendedProperties.Private == nil {
		return false
	}
	return event.ExtendedProperties.Private[syncTag] == "true"
}

func isNotFoundErr(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

func isGoneErr(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 410
	}
	return false
}

func classifyErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 403:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, apiErr.Message)
		case 404:
			return fmt.Errorf("%w: %s", ErrCalendarNotFound, apiErr.Message)
		case 410:
			return fmt.Errorf("%w: %s", ErrSyncTokenExpired, apiErr.Message)
		}
	}
	return err
}
