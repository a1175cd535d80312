package syncengine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// SyncClientEventToMain implements the client→main transform (§4.3.a):
// copy a client-calendar event's detail onto the main calendar, creating
// or updating the tracked mapping, then fan the newly created main event
// out to every other client calendar's busy blocks.
//
// Returns the main-calendar event id, or "" if the event was skipped
// (our own artifact, or a cancellation -- callers should route those
// through HandleDeletedClientEvent instead).
func (e *Engine) SyncClientEventToMain(
	ctx context.Context,
	mainGW *gateway.Gateway,
	event *calendar.Event,
	user *store.User,
	att *store.Attachment,
	mainCalendarID string,
) (string, error) {
	if gateway.IsOurEvent(event, e.cfg.SyncTag) {
		return "", nil
	}
	if event.Status == "cancelled" {
		return "", nil
	}

	existing, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.Id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	mainCopy := e.copyEventForMain(event, att.SourceLabel, att.ColorID, canUserEditEvent(event, user.Email))
	recurring := isRecurring(event)

	if existing != nil {
		mainEventID := strOrEmpty(existing.MainEventID)
		if mainEventID != "" {
			_, err := mainGW.UpdateEvent(ctx, mainCalendarID, mainEventID, e.cfg.SyncTag, mainCopy)
			if errors.Is(err, gateway.ErrEventNotFound) {
				e.logf("main event %s gone, recreating from client event %s", mainEventID, event.Id)
				created, cerr := mainGW.CreateEvent(ctx, mainCalendarID, e.cfg.SyncTag, mainCopy)
				if cerr != nil {
					return "", cerr
				}
				mainEventID = created.Id
			} else if err != nil {
				return "", err
			}
		}
		if err := e.store.UpdateMappingMainEvent(existing.ID, mainEventID, mainCalendarID); err != nil {
			return "", err
		}
		return mainEventID, nil
	}

	// Fork handling: a modified instance of a tracked recurring series
	// arrives with no mapping of its own but a recurringEventId pointing
	// at the tracked parent. Cancel the stale series occurrence first so
	// we don't end up with duplicate busy blocks for the same slot.
	if event.RecurringEventId != "" {
		parent, perr := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.RecurringEventId)
		if perr != nil && !errors.Is(perr, store.ErrNotFound) {
			return "", perr
		}
		if parent != nil && event.OriginalStartTime != nil {
			e.cancelRecurringInstanceEverywhere(ctx, mainGW, mainCalendarID, parent, event.OriginalStartTime)
		}
	}

	created, err := mainGW.CreateEvent(ctx, mainCalendarID, e.cfg.SyncTag, mainCopy)
	if err != nil {
		return "", err
	}

	mapping := &store.EventMapping{
		UserID:                 user.ID,
		MappingKind:            store.MappingKindClientToMain,
		OriginCalendarID:       att.CalendarID,
		OriginEventID:          event.Id,
		OriginRecurringEventID: ptrOrNil(event.RecurringEventId),
		MainEventID:            ptrOrNil(created.Id),
		MainCalendarID:         ptrOrNil(mainCalendarID),
		IsRecurring:            recurring,
	}
	if err := e.store.CreateMapping(mapping); err != nil {
		return "", err
	}

	if _, err := e.SyncMainEventToClients(ctx, mainGW, created, user, mainCalendarID); err != nil {
		e.logf("fan-out after client create failed for main event %s: %v", created.Id, err)
	}

	return created.Id, nil
}

// cancelRecurringInstanceEverywhere deletes one occurrence's main-calendar
// copy and every busy-block copy, leaving the parent series mapping
// intact. Used both to fork a modified occurrence off a tracked series
// and to handle a single-instance cancellation tombstone.
func (e *Engine) cancelRecurringInstanceEverywhere(
	ctx context.Context,
	mainGW *gateway.Gateway,
	mainCalendarID string,
	parent *store.EventMapping,
	originalStart *calendar.EventDateTime,
) {
	if mainGW != nil && mainCalendarID != "" && parent.MainEventID != nil {
		instanceID, err := gateway.DeriveInstanceEventID(*parent.MainEventID, originalStart)
		if err != nil {
			e.logf("derive main instance id for %s: %v", *parent.MainEventID, err)
		} else if err := mainGW.DeleteEvent(ctx, mainCalendarID, instanceID); err != nil {
			e.logf("cancel main instance %s: %v", instanceID, err)
		}
	}

	blocks, err := e.store.ListBusyBlocksForMapping(parent.ID)
	if err != nil {
		e.logf("list busy blocks for mapping %s: %v", parent.ID, err)
		return
	}
	for _, block := range blocks {
		instanceID, err := gateway.DeriveInstanceEventID(block.BlockEventID, originalStart)
		if err != nil {
			e.logf("derive busy block instance id for %s: %v", block.BlockEventID, err)
			continue
		}
		gw, err := e.gatewayForCalendar(ctx, parent.UserID, block.CalendarID)
		if err != nil {
			e.logf("resolve gateway for busy block calendar %s: %v", block.CalendarID, err)
			continue
		}
		if err := gw.DeleteEvent(ctx, block.CalendarID, instanceID); err != nil {
			e.logf("cancel busy block instance %s: %v", instanceID, err)
		}
	}
}

// HandleDeletedClientEvent implements the client-origin deletion handler
// (§4.3.a): single-instance cancellations of a tracked recurring series
// cancel just that occurrence; full deletions remove the main copy and
// every busy block, then soft- or hard-delete the mapping.
func (e *Engine) HandleDeletedClientEvent(
	ctx context.Context,
	mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	event *calendar.Event,
	mainCalendarID string,
) error {
	if event.RecurringEventId != "" {
		return e.handleCancelledInstance(ctx, mainGW, user, att, event, mainCalendarID)
	}

	mapping, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.Id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !e.deleteMainCopyConfirmed(ctx, mainGW, mainCalendarID, mapping.MainEventID) {
		return fmt.Errorf("main event %s for mapping %s did not confirm deleted, leaving mapping for retry", strOrEmpty(mapping.MainEventID), mapping.ID)
	}

	e.deleteAllBusyBlocksConfirmed(ctx, mapping)

	if mapping.IsRecurring {
		return e.store.SoftDeleteMapping(mapping.ID)
	}
	return e.store.HardDeleteMapping(mapping.ID)
}

// handleCancelledInstance cancels one occurrence of a tracked series and,
// if a prior fork of that same instance exists, cleans that up too.
func (e *Engine) handleCancelledInstance(
	ctx context.Context,
	mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	event *calendar.Event,
	mainCalendarID string,
) error {
	if event.OriginalStartTime == nil {
		e.logf("cancelled recurring instance %s has no originalStartTime, cannot cancel specific occurrence", event.Id)
	} else {
		parent, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.RecurringEventId)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if parent != nil {
			e.cancelRecurringInstanceEverywhere(ctx, mainGW, mainCalendarID, parent, event.OriginalStartTime)
		}
	}

	// Clean up a previously forked standalone mapping for this same instance, if any.
	instanceMapping, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.Id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !e.deleteMainCopyConfirmed(ctx, mainGW, mainCalendarID, instanceMapping.MainEventID) {
		return fmt.Errorf("forked instance main event %s for mapping %s did not confirm deleted, leaving mapping for retry", strOrEmpty(instanceMapping.MainEventID), instanceMapping.ID)
	}
	e.deleteAllBusyBlocksConfirmed(ctx, instanceMapping)

	return e.store.HardDeleteMapping(instanceMapping.ID)
}

// deleteMainCopyConfirmed deletes a mapping's main-calendar copy and
// reports whether the remote artifact is confirmed gone (no copy existed,
// or the delete succeeded -- Gateway.DeleteEvent itself already treats a
// 404/410 as success). Callers must not drop the mapping row unless this
// returns true, so a failed remote delete always leaves something for a
// later reconcile pass to retry.
func (e *Engine) deleteMainCopyConfirmed(ctx context.Context, mainGW *gateway.Gateway, mainCalendarID string, mainEventID *string) bool {
	if mainEventID == nil {
		return true
	}
	if err := mainGW.DeleteEvent(ctx, mainCalendarID, *mainEventID); err != nil {
		e.logf("delete main event %s: %v", *mainEventID, err)
		return false
	}
	return true
}

// deleteAllBusyBlocksConfirmed deletes every busy-block artifact for a
// mapping and drops its DB row only once the remote delete is confirmed
// (success or already-gone), preserving the invariant that the DB row is
// the authoritative index of what still needs cleanup.
func (e *Engine) deleteAllBusyBlocksConfirmed(ctx context.Context, mapping *store.EventMapping) {
	blocks, err := e.store.ListBusyBlocksForMapping(mapping.ID)
	if err != nil {
		e.logf("list busy blocks for mapping %s: %v", mapping.ID, err)
		return
	}
	for _, block := range blocks {
		gw, err := e.gatewayForCalendar(ctx, mapping.UserID, block.CalendarID)
		if err != nil {
			e.logf("resolve gateway for busy block calendar %s: %v", block.CalendarID, err)
			continue
		}
		if err := gw.DeleteEvent(ctx, block.CalendarID, block.BlockEventID); err != nil {
			e.logf("delete busy block %s: %v", block.BlockEventID, err)
			continue
		}
		if err := e.store.DeleteBusyBlock(block.ID); err != nil {
			e.logf("drop busy block row %s: %v", block.ID, err)
		}
	}
}

// gatewayForCalendar resolves an authenticated Gateway for a calendar id
// that this engine does not already hold a Gateway for, by looking up
// which attachment owns it.
func (e *Engine) gatewayForCalendar(ctx context.Context, userID, calendarID string) (*gateway.Gateway, error) {
	att, err := e.store.GetAttachmentByCalendar(userID, calendarID)
	if err != nil {
		return nil, err
	}
	return e.resolver.GatewayFor(ctx, att)
}
