package syncengine

import (
	"context"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// DisconnectCleanup implements §4.3.d: when an attachment transitions
// active→false, tear down every artifact it is party to -- busy blocks
// written onto it by other mappings, its own mappings' main copies and
// the busy blocks they produced elsewhere, its webhook channel, and its
// sync cursor. A busy-block or mapping row is dropped only once the
// remote delete is confirmed (success or already-gone), so a crash
// mid-cleanup leaves work a retry can still find. The webhook channel
// row is deleted even when stopping the channel fails.
func (e *Engine) DisconnectCleanup(ctx context.Context, mainGW *gateway.Gateway, user *store.User, att *store.Attachment, mainCalendarID string) error {
	gw, err := e.resolver.GatewayFor(ctx, att)
	if err != nil {
		return err
	}

	if err := e.cleanupBusyBlocksOn(ctx, gw, user.ID, att.CalendarID); err != nil {
		e.logf("cleanup busy blocks on disconnecting calendar %s: %v", att.CalendarID, err)
	}

	if err := e.cleanupMappingsOriginatingFrom(ctx, mainGW, user, att, mainCalendarID); err != nil {
		e.logf("cleanup mappings originating from disconnecting calendar %s: %v", att.CalendarID, err)
	}

	if err := e.cleanupWebhookChannel(ctx, gw, att.ID); err != nil {
		e.logf("cleanup webhook channel for attachment %s: %v", att.ID, err)
	}

	return e.store.ClearSyncToken(att.ID)
}

// cleanupBusyBlocksOn removes every busy-block row written onto the
// disconnecting calendar by some other mapping of this user. Busy blocks
// aren't indexed by calendar directly, so this walks the user's live
// mappings and filters their blocks -- acceptable for a rare, one-shot
// disconnect path; the periodic orphan sweep (ListOrphanedBusyBlocks)
// handles the steady-state case where a mapping itself was removed first.
func (e *Engine) cleanupBusyBlocksOn(ctx context.Context, gw *gateway.Gateway, userID, calendarID string) error {
	mappings, err := e.store.ListLiveMappingsByUser(userID, "")
	if err != nil {
		return err
	}
	for _, m := range mappings {
		blocks, err := e.store.ListBusyBlocksForMapping(m.ID)
		if err != nil {
			e.logf("list busy blocks for mapping %s: %v", m.ID, err)
			continue
		}
		for _, b := range blocks {
			if b.CalendarID != calendarID {
				continue
			}
			if err := gw.DeleteEvent(ctx, calendarID, b.BlockEventID); err != nil {
				e.logf("delete busy block %s on disconnecting calendar: %v", b.BlockEventID, err)
				continue
			}
			if err := e.store.DeleteBusyBlock(b.ID); err != nil {
				e.logf("drop busy block row %s: %v", b.ID, err)
			}
		}
	}
	return nil
}

// cleanupMappingsOriginatingFrom removes every mapping whose origin is
// the disconnecting calendar, deleting each main-calendar copy and every
// busy block it produced on other calendars.
func (e *Engine) cleanupMappingsOriginatingFrom(ctx context.Context, mainGW *gateway.Gateway, user *store.User, att *store.Attachment, mainCalendarID string) error {
	mappings, err := e.store.ListLiveMappingsByCalendar(att.CalendarID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if !e.deleteMainCopyConfirmed(ctx, mainGW, mainCalendarID, m.MainEventID) {
			e.logf("main copy for disconnected mapping %s did not confirm deleted, leaving mapping for retry", m.ID)
			continue
		}
		e.deleteAllBusyBlocksConfirmed(ctx, m)
		if m.IsRecurring {
			if err := e.store.SoftDeleteMapping(m.ID); err != nil {
				e.logf("soft-delete mapping %s: %v", m.ID, err)
			}
		} else {
			if err := e.store.HardDeleteMapping(m.ID); err != nil {
				e.logf("hard-delete mapping %s: %v", m.ID, err)
			}
		}
	}
	return nil
}

func (e *Engine) cleanupWebhookChannel(ctx context.Context, gw *gateway.Gateway, attachmentID string) error {
	channel, err := e.store.GetWebhookChannelByAttachment(attachmentID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := gw.StopChannel(ctx, channel.ChannelID, channel.ResourceID); err != nil {
		e.logf("stop webhook channel %s: %v", channel.ChannelID, err)
	}
	return e.store.DeleteWebhookChannel(channel.ID)
}
