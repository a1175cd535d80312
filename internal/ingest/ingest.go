// Package ingest implements the change-stream ingestor (§4.2): per-attachment
// incremental fetch against the remote calendar gateway, dispatching each
// changed event into the sync engine and persisting the sync cursor only
// once the whole batch has been processed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
	"github.com/calsyncio/calsync-core/internal/syncengine"
)

// Result summarizes one ingest pass over a single attachment.
type Result struct {
	Synced  int
	Deleted int
	Failed  int
}

// Ingestor drives incremental fetch-and-dispatch for one attachment at a
// time. It holds no per-attachment state itself; the sync cursor lives in
// the store and the mapping state lives in the sync engine.
type Ingestor struct {
	store  *store.Store
	engine *syncengine.Engine
}

// New builds an Ingestor over the given store and sync engine.
func New(st *store.Store, engine *syncengine.Engine) *Ingestor {
	return &Ingestor{store: st, engine: engine}
}

func logf(format string, args ...any) {
	log.Printf("[Ingestor] "+format, args...)
}

// IngestClientCalendar fetches changes on a client attachment since its
// last sync token (or a bounded full fetch if the token has expired or was
// never set) and dispatches each event through the sync engine. The sync
// token is only advanced once every event in the batch has been attempted;
// a batch-level fetch error leaves the stored token untouched so the next
// run retries from the same cursor.
func (ing *Ingestor) IngestClientCalendar(
	ctx context.Context,
	clientGW, mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	mainCalendarID string,
) (Result, error) {
	var result Result

	syncToken := ""
	if att.SyncToken != nil {
		syncToken = *att.SyncToken
	}

	list, err := clientGW.ListEvents(ctx, att.CalendarID, syncToken)
	if err != nil {
		return result, err
	}
	if list.SyncTokenExpired {
		logf("sync token expired for attachment %s, performing full resync", att.ID)
		list, err = clientGW.ListEvents(ctx, att.CalendarID, "")
		if err != nil {
			return result, err
		}
	}

	for _, event := range list.Events {
		if err := ing.dispatchClientEvent(ctx, mainGW, user, att, event, mainCalendarID); err != nil {
			result.Failed++
			logf("process client event %s on attachment %s: %v", event.Id, att.ID, err)
			ing.recordMalformed(att.ID, event, err)
			continue
		}
		if event.Status == "cancelled" {
			result.Deleted++
		} else {
			result.Synced++
		}
	}

	if err := ing.finalizeBatch(att.ID, result, list.NextSyncToken); err != nil {
		return result, err
	}

	return result, nil
}

func (ing *Ingestor) dispatchClientEvent(
	ctx context.Context,
	mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	event *calendar.Event,
	mainCalendarID string,
) error {
	if event.Status == "cancelled" {
		return ing.engine.HandleDeletedClientEvent(ctx, mainGW, user, att, event, mainCalendarID)
	}

	mainEventID, err := ing.engine.SyncClientEventToMain(ctx, mainGW, event, user, att, mainCalendarID)
	if err != nil {
		return err
	}
	if mainEventID == "" {
		return nil
	}

	mainEvent, err := mainGW.GetEvent(ctx, mainCalendarID, mainEventID)
	if err != nil {
		if errors.Is(err, gateway.ErrEventNotFound) {
			return nil
		}
		return err
	}

	if _, err := ing.engine.SyncMainEventToClients(ctx, mainGW, mainEvent, user, mainCalendarID); err != nil {
		logf("fan-out for main event %s after client ingest: %v", mainEventID, err)
	}
	return nil
}

// IngestPersonalCalendar is IngestClientCalendar's personal-origin
// counterpart: events never get a full copy, only busy blocks, and
// deletions route through HandleDeletedPersonalEvent.
func (ing *Ingestor) IngestPersonalCalendar(
	ctx context.Context,
	personalGW, mainGW *gateway.Gateway,
	user *store.User,
	att *store.Attachment,
	mainCalendarID string,
) (Result, error) {
	var result Result

	syncToken := ""
	if att.SyncToken != nil {
		syncToken = *att.SyncToken
	}

	list, err := personalGW.ListEvents(ctx, att.CalendarID, syncToken)
	if err != nil {
		return result, err
	}
	if list.SyncTokenExpired {
		logf("sync token expired for personal attachment %s, performing full resync", att.ID)
		list, err = personalGW.ListEvents(ctx, att.CalendarID, "")
		if err != nil {
			return result, err
		}
	}

	for _, event := range list.Events {
		var derr error
		if event.Status == "cancelled" {
			derr = ing.engine.HandleDeletedPersonalEvent(ctx, mainGW, user, att, event, mainCalendarID)
		} else {
			_, derr = ing.engine.SyncPersonalEventToAll(ctx, mainGW, event, user, att, mainCalendarID)
		}
		if derr != nil {
			result.Failed++
			logf("process personal event %s on attachment %s: %v", event.Id, att.ID, derr)
			ing.recordMalformed(att.ID, event, derr)
			continue
		}
		if event.Status == "cancelled" {
			result.Deleted++
		} else {
			result.Synced++
		}
	}

	if err := ing.finalizeBatch(att.ID, result, list.NextSyncToken); err != nil {
		return result, err
	}

	return result, nil
}

// IngestMainCalendar fetches changes on the user's main calendar and fans
// each surviving event out to client busy blocks; cancellations route
// through HandleDeletedMainEvent.
func (ing *Ingestor) IngestMainCalendar(
	ctx context.Context,
	mainGW *gateway.Gateway,
	user *store.User,
	mainAtt *store.Attachment,
	mainCalendarID string,
) (Result, error) {
	var result Result

	syncToken := ""
	if mainAtt.SyncToken != nil {
		syncToken = *mainAtt.SyncToken
	}

	list, err := mainGW.ListEvents(ctx, mainCalendarID, syncToken)
	if err != nil {
		return result, err
	}
	if list.SyncTokenExpired {
		logf("sync token expired for main calendar of user %s, performing full resync", user.ID)
		list, err = mainGW.ListEvents(ctx, mainCalendarID, "")
		if err != nil {
			return result, err
		}
	}

	for _, event := range list.Events {
		var derr error
		if event.Status == "cancelled" {
			derr = ing.engine.HandleDeletedMainEvent(ctx, user, event)
		} else {
			_, derr = ing.engine.SyncMainEventToClients(ctx, mainGW, event, user, mainCalendarID)
		}
		if derr != nil {
			result.Failed++
			logf("process main event %s for user %s: %v", event.Id, user.ID, derr)
			ing.recordMalformed(mainAtt.ID, event, derr)
			continue
		}
		if event.Status == "cancelled" {
			result.Deleted++
		} else {
			result.Synced++
		}
	}

	if err := ing.finalizeBatch(mainAtt.ID, result, list.NextSyncToken); err != nil {
		return result, err
	}

	return result, nil
}

// finalizeBatch implements the sync-token-advancement rule (§4.3.e,
// §7): the cursor only moves forward once every event in the batch was
// processed without error. A batch with any per-event failure leaves
// sync_token untouched (so the next run re-fetches and retries the same
// range) and instead bumps the attachment's consecutive-failure streak
// and last_error; a fully clean batch clears that streak.
func (ing *Ingestor) finalizeBatch(attachmentID string, result Result, nextSyncToken string) error {
	if result.Failed > 0 {
		return ing.store.RecordAttachmentFailure(attachmentID, fmt.Sprintf("%d of %d events failed this batch", result.Failed, result.Failed+result.Synced+result.Deleted))
	}

	var newToken *string
	if nextSyncToken != "" {
		newToken = &nextSyncToken
	}
	if err := ing.store.UpdateSyncToken(attachmentID, newToken); err != nil {
		return err
	}
	return ing.store.ClearAttachmentFailures(attachmentID)
}

func (ing *Ingestor) recordMalformed(attachmentID string, event *calendar.Event, cause error) {
	if err := ing.store.RecordMalformedEvent(&store.MalformedEvent{
		AttachmentID: attachmentID,
		EventID:      event.Id,
		ErrorMessage: cause.Error(),
	}); err != nil {
		logf("record malformed event %s: %v", event.Id, err)
	}
}
