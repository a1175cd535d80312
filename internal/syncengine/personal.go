package syncengine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// SyncPersonalEventToAll implements the personal-origin pipeline
// (§4.3.c): unlike a client event, a personal event never gets a full
// detail copy -- only an opaque busy block, placed on the main calendar
// (as main_event_id) and mirrored to every active client calendar.
// Personal calendars themselves never receive busy blocks; they are a
// read-only availability source. Mappings record no user_can_edit flag,
// for personal origin or any other.
func (e *Engine) SyncPersonalEventToAll(
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
	if !shouldCreateBusyBlock(event) {
		return "", nil
	}

	start, end, allDay := eventTimes(event)
	busyBlock := e.createPersonalBusyBlock(start, end, allDay, event.Recurrence)

	existing, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.Id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	var mappingID, mainEventID string
	if existing != nil {
		mainEventID = strOrEmpty(existing.MainEventID)
		if mainEventID != "" {
			_, err := mainGW.UpdateEvent(ctx, mainCalendarID, mainEventID, e.cfg.SyncTag, busyBlock)
			if errors.Is(err, gateway.ErrEventNotFound) {
				created, cerr := mainGW.CreateEvent(ctx, mainCalendarID, e.cfg.SyncTag, busyBlock)
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
		mappingID = existing.ID
	} else {
		created, err := mainGW.CreateEvent(ctx, mainCalendarID, e.cfg.SyncTag, busyBlock)
		if err != nil {
			return "", err
		}
		mainEventID = created.Id

		mapping := &store.EventMapping{
			UserID:                 user.ID,
			MappingKind:            store.MappingKindPersonal,
			OriginCalendarID:       att.CalendarID,
			OriginEventID:          event.Id,
			OriginRecurringEventID: ptrOrNil(event.RecurringEventId),
			MainEventID:            ptrOrNil(mainEventID),
			MainCalendarID:         ptrOrNil(mainCalendarID),
			IsRecurring:            isRecurring(event),
		}
		if err := e.store.CreateMapping(mapping); err != nil {
			return "", err
		}
		mappingID = mapping.ID
	}

	clients, err := e.store.ListActiveAttachmentsByKind(user.ID, store.CalendarKindClient)
	if err != nil {
		return mainEventID, err
	}

	for _, clientAtt := range clients {
		gw, err := e.resolver.GatewayFor(ctx, clientAtt)
		if err != nil {
			e.logf("resolve gateway for client calendar %s: %v", clientAtt.CalendarID, err)
			continue
		}

		blocks, err := e.store.ListBusyBlocksForMapping(mappingID)
		if err != nil {
			e.logf("list busy blocks for mapping %s: %v", mappingID, err)
			continue
		}
		var existingBlock *store.BusyBlock
		for _, b := range blocks {
			if b.CalendarID == clientAtt.CalendarID {
				existingBlock = b
				break
			}
		}

		if existingBlock != nil {
			if _, err := gw.UpdateEvent(ctx, clientAtt.CalendarID, existingBlock.BlockEventID, e.cfg.SyncTag, busyBlock); err != nil {
				e.logf("update personal busy block %s failed, recreating: %v", existingBlock.BlockEventID, err)
				replacement, cerr := gw.CreateEvent(ctx, clientAtt.CalendarID, e.cfg.SyncTag, busyBlock)
				if cerr != nil {
					e.logf("recreate personal busy block on %s: %v", clientAtt.CalendarID, cerr)
					continue
				}
				if err := e.store.DeleteBusyBlock(existingBlock.ID); err != nil {
					e.logf("drop stale personal busy block row %s: %v", existingBlock.ID, err)
				}
				newBlock := &store.BusyBlock{MappingID: mappingID, CalendarID: clientAtt.CalendarID, BlockEventID: replacement.Id}
				if err := e.store.CreateBusyBlock(newBlock); err != nil {
					e.logf("record replacement personal busy block: %v", err)
				}
			}
			continue
		}

		result, err := gw.CreateEvent(ctx, clientAtt.CalendarID, e.cfg.SyncTag, busyBlock)
		if err != nil {
			e.logf("create personal busy block on %s: %v", clientAtt.CalendarID, err)
			continue
		}
		newBlock := &store.BusyBlock{MappingID: mappingID, CalendarID: clientAtt.CalendarID, BlockEventID: result.Id}
		if err := e.store.CreateBusyBlock(newBlock); err != nil {
			e.logf("record personal busy block: %v", err)
		}
	}

	return mainEventID, nil
}

// HandleDeletedPersonalEvent removes a personal-origin mapping's main
// busy block and every mirrored client busy block once each remote
// delete is confirmed (success or already-gone).
func (e *Engine) HandleDeletedPersonalEvent(
	ctx context.Context,
	mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	event *calendar.Event,
	mainCalendarID string,
) error {
	mapping, err := e.store.GetLiveMappingByOrigin(user.ID, att.CalendarID, event.Id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !e.deleteMainCopyConfirmed(ctx, mainGW, mainCalendarID, mapping.MainEventID) {
		return fmt.Errorf("personal main busy block %s for mapping %s did not confirm deleted, leaving mapping for retry", strOrEmpty(mapping.MainEventID), mapping.ID)
	}

	e.deleteAllBusyBlocksConfirmed(ctx, mapping)

	if mapping.IsRecurring {
		return e.store.SoftDeleteMapping(mapping.ID)
	}
	return e.store.HardDeleteMapping(mapping.ID)
}
