package syncengine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// SyncMainEventToClients implements the main-fan-out rule (§4.3.b): given
// a main-calendar event, mirror it as an opaque busy block onto every
// other active client attachment. If the event is the main-calendar copy
// of a client-origin event, the origin calendar is looked up from its
// mapping and skipped, so the event is not mirrored back to its source.
// Managed events are skipped unless they are such a copy.
//
// Returns the busy-block event ids created this call, including
// replacements for blocks that could not be updated; blocks updated in
// place are not listed.
func (e *Engine) SyncMainEventToClients(
	ctx context.Context,
	mainGW *gateway.Gateway,
	event *calendar.Event,
	user *store.User,
	mainCalendarID string,
) ([]string, error) {
	if gateway.IsOurEvent(event, e.cfg.SyncTag) {
		copyOf, err := e.store.GetLiveMappingByMainEvent(user.ID, event.Id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if copyOf == nil || copyOf.MappingKind != store.MappingKindClientToMain {
			return nil, nil
		}
	}
	if !shouldCreateBusyBlock(event) {
		return nil, nil
	}

	mapping, originCalendarID, err := e.mainOriginMapping(user.ID, event)
	if err != nil {
		return nil, err
	}

	start, end, allDay := eventTimes(event)
	busyBlock := e.createBusyBlock(start, end, allDay, event.Recurrence)

	clients, err := e.store.ListActiveAttachmentsByKind(user.ID, store.CalendarKindClient)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, att := range clients {
		if originCalendarID != "" && att.CalendarID == originCalendarID {
			continue
		}

		gw, err := e.resolver.GatewayFor(ctx, att)
		if err != nil {
			e.logf("resolve gateway for client calendar %s: %v", att.CalendarID, err)
			continue
		}

		blocks, err := e.store.ListBusyBlocksForMapping(mapping.ID)
		if err != nil {
			e.logf("list busy blocks for mapping %s: %v", mapping.ID, err)
			continue
		}
		var existingBlock *store.BusyBlock
		for _, b := range blocks {
			if b.CalendarID == att.CalendarID {
				existingBlock = b
				break
			}
		}

		if existingBlock != nil {
			if _, err := gw.UpdateEvent(ctx, att.CalendarID, existingBlock.BlockEventID, e.cfg.SyncTag, busyBlock); err != nil {
				e.logf("update busy block %s on %s failed, attempting replace: %v", existingBlock.BlockEventID, att.CalendarID, err)
				replacement, cerr := gw.CreateEvent(ctx, att.CalendarID, e.cfg.SyncTag, busyBlock)
				if cerr != nil {
					e.logf("create replacement busy block on %s: %v", att.CalendarID, cerr)
					continue
				}
				oldID := existingBlock.BlockEventID
				if err := e.store.DeleteBusyBlock(existingBlock.ID); err != nil {
					e.logf("drop stale busy block row %s: %v", existingBlock.ID, err)
				}
				newBlock := &store.BusyBlock{MappingID: mapping.ID, CalendarID: att.CalendarID, BlockEventID: replacement.Id}
				if err := e.store.CreateBusyBlock(newBlock); err != nil {
					e.logf("record replacement busy block: %v", err)
				}
				created = append(created, replacement.Id)
				if err := gw.DeleteEvent(ctx, att.CalendarID, oldID); err != nil {
					e.logf("best-effort delete of old busy block %s: %v", oldID, err)
				}
			}
			continue
		}

		result, err := gw.CreateEvent(ctx, att.CalendarID, e.cfg.SyncTag, busyBlock)
		if err != nil {
			e.logf("create busy block on calendar %s: %v", att.CalendarID, err)
			continue
		}
		newBlock := &store.BusyBlock{MappingID: mapping.ID, CalendarID: att.CalendarID, BlockEventID: result.Id}
		if err := e.store.CreateBusyBlock(newBlock); err != nil {
			e.logf("record busy block: %v", err)
			continue
		}
		created = append(created, result.Id)
	}

	return created, nil
}

// mainOriginMapping resolves (or lazily creates) the mapping a
// main-calendar event fans out through. If the event actually originated
// on a client calendar, the existing client-to-main mapping is reused and
// its origin calendar is returned so fan-out skips mirroring back to it.
func (e *Engine) mainOriginMapping(userID string, event *calendar.Event) (*store.EventMapping, string, error) {
	clientOrigin, err := e.store.GetLiveMappingByMainEvent(userID, event.Id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	if clientOrigin != nil && clientOrigin.MappingKind == store.MappingKindClientToMain {
		return clientOrigin, clientOrigin.OriginCalendarID, nil
	}

	existing, err := e.store.GetLiveMappingByOrigin(userID, "", event.Id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	if existing != nil {
		return existing, "", nil
	}

	mapping := &store.EventMapping{
		UserID:                 userID,
		MappingKind:            store.MappingKindMainToClient,
		OriginCalendarID:       "",
		OriginEventID:          event.Id,
		OriginRecurringEventID: ptrOrNil(event.RecurringEventId),
		MainEventID:            ptrOrNil(event.Id),
		IsRecurring:            isRecurring(event),
	}
	if err := e.store.CreateMapping(mapping); err != nil {
		return nil, "", err
	}
	return mapping, "", nil
}

// HandleDeletedMainEvent handles a deletion observed on the main
// calendar. A single-instance cancellation of a tracked series cancels
// just that occurrence's busy blocks, leaving the series intact. A full
// deletion removes the client-origin event (if any), every busy block,
// and soft- or hard-deletes the mapping.
func (e *Engine) HandleDeletedMainEvent(
	ctx context.Context,
	user *store.User,
	event *calendar.Event,
) error {
	if event.RecurringEventId != "" && event.OriginalStartTime != nil {
		parent, err := e.store.GetLiveMappingByMainEvent(user.ID, event.RecurringEventId)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e.cancelRecurringInstanceEverywhere(ctx, nil, "", parent, event.OriginalStartTime)
		return nil
	}

	mapping, err := e.store.GetLiveMappingByMainEvent(user.ID, event.Id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if mapping.MappingKind == store.MappingKindClientToMain && mapping.OriginCalendarID != "" {
		originAtt, aerr := e.store.GetAttachmentByCalendar(user.ID, mapping.OriginCalendarID)
		if aerr != nil {
			e.logf("resolve origin attachment %s: %v", mapping.OriginCalendarID, aerr)
			return fmt.Errorf("resolve origin attachment for mapping %s: %w", mapping.ID, aerr)
		}
		gw, gerr := e.resolver.GatewayFor(ctx, originAtt)
		if gerr != nil {
			e.logf("resolve gateway for origin calendar %s: %v", mapping.OriginCalendarID, gerr)
			return fmt.Errorf("resolve gateway for mapping %s: %w", mapping.ID, gerr)
		}
		if err := gw.DeleteEvent(ctx, mapping.OriginCalendarID, mapping.OriginEventID); err != nil {
			e.logf("delete client-origin event %s: %v", mapping.OriginEventID, err)
			return fmt.Errorf("client-origin event %s for mapping %s did not confirm deleted, leaving mapping for retry: %w", mapping.OriginEventID, mapping.ID, err)
		}
	}

	e.deleteAllBusyBlocksConfirmed(ctx, mapping)

	if mapping.IsRecurring {
		return e.store.SoftDeleteMapping(mapping.ID)
	}
	return e.store.HardDeleteMapping(mapping.ID)
}
