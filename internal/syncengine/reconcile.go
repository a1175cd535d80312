package syncengine

import (
	"context"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// RecreateMainCopy rebuilds a mapping's main-calendar artifact from its
// still-live origin event and repoints the mapping at the new id. Used by
// the consistency reconciler when a probe finds the origin intact but the
// main-calendar copy gone -- the same 404-recreate path
// SyncClientEventToMain already takes inline, lifted out so a drift check
// can trigger it without waiting for the origin to change again.
func (e *Engine) RecreateMainCopy(
	ctx context.Context,
	mainGW *gateway.Gateway,
	mainCalendarID string,
	origin *calendar.Event,
	att *store.Attachment,
	userEmail string,
	mapping *store.EventMapping,
) (string, error) {
	var rebuilt *calendar.Event
	if mapping.MappingKind == store.MappingKindPersonal {
		start, end, allDay := eventTimes(origin)
		rebuilt = e.createPersonalBusyBlock(start, end, allDay, origin.Recurrence)
	} else {
		rebuilt = e.copyEventForMain(origin, att.SourceLabel, att.ColorID, canUserEditEvent(origin, userEmail))
	}

	created, err := mainGW.CreateEvent(ctx, mainCalendarID, e.cfg.SyncTag, rebuilt)
	if err != nil {
		return "", err
	}
	if err := e.store.UpdateMappingMainEvent(mapping.ID, created.Id, mainCalendarID); err != nil {
		return "", err
	}
	return created.Id, nil
}

// DeleteMainCopyConfirmed is the exported form of deleteMainCopyConfirmed,
// for reconcile passes that need the same "never drop a DB row unless the
// remote delete is confirmed" guarantee outside this package.
func (e *Engine) DeleteMainCopyConfirmed(ctx context.Context, mainGW *gateway.Gateway, mainCalendarID string, mainEventID *string) bool {
	return e.deleteMainCopyConfirmed(ctx, mainGW, mainCalendarID, mainEventID)
}

// CleanupBusyBlocksForMapping is the exported form of
// deleteAllBusyBlocksConfirmed, for reconcile passes operating on mappings
// that are no longer live (soft-deleted, or already retired) but still
// have busy-block artifacts to sweep up.
func (e *Engine) CleanupBusyBlocksForMapping(ctx context.Context, mapping *store.EventMapping) {
	e.deleteAllBusyBlocksConfirmed(ctx, mapping)
}

// GatewayForCalendar is the exported form of gatewayForCalendar, for
// reconcile passes that need to reach a calendar this engine was not
// constructed against directly (e.g. a busy block's own calendar).
func (e *Engine) GatewayForCalendar(ctx context.Context, userID, calendarID string) (*gateway.Gateway, error) {
	return e.gatewayForCalendar(ctx, userID, calendarID)
}
