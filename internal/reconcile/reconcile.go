// Package reconcile implements the Consistency Reconciler (§4.6): the
// drift-repair half of the Consistency & Rollback component. It walks
// live mappings comparing each origin event against its main-calendar
// artifact, repairs the three ways they can fall out of sync, and sweeps
// up busy blocks left behind by mappings that are gone or soft-deleted.
// The companion internal/backup package covers the other half, snapshot
// and restore.
package reconcile

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

// Action describes one repair a reconcile pass made, or -- under dry-run
// -- would have made, matching spec.md §4.6's {action, event_id, summary}
// report shape for the reconcile_calendar(attachment_id, dry_run) trigger
// operation.
type Action struct {
	Action  string `json:"action"`
	EventID string `json:"event_id"`
	Summary string `json:"summary"`
}

const (
	ActionRetireMainCopy     = "retire_main_copy"
	ActionRecreateMainCopy   = "recreate_main_copy"
	ActionCleanupBusyBlock   = "cleanup_busy_block"
	ActionDropOrphanedBlock  = "drop_orphaned_busy_block"
)

// GatewayResolver builds an authenticated Gateway for a given attachment.
type GatewayResolver interface {
	GatewayFor(ctx context.Context, att *store.Attachment) (*gateway.Gateway, error)
}

// Reconciler is the Consistency Reconciler. For every live mapping it
// confirms the origin event and its main-calendar artifact both still
// exist, repairing drift in either direction, and separately sweeps up
// busy blocks a mapping left behind after going away or being
// soft-deleted.
type Reconciler struct {
	store    *store.Store
	resolver GatewayResolver
	engine   *syncengine.Engine
}

// New builds a Reconciler over the Mapping Store, gateway resolver, and
// the same Sync Engine instance the scheduler drives periodic_sync with,
// so a recreated main-calendar copy is built by the identical transform
// rules a live sync would have used.
func New(st *store.Store, resolver GatewayResolver, engine *syncengine.Engine) *Reconciler {
	return &Reconciler{store: st, resolver: resolver, engine: engine}
}

// RunConsistencyCheck is the consistency_check job (§4.5/§4.6): reconciles
// every live mapping for every active non-main attachment, then sweeps
// orphaned and soft-deleted-but-still-live busy blocks. dryRun reports the
// actions that would be taken without making any remote call or DB write.
func (r *Reconciler) RunConsistencyCheck(ctx context.Context, dryRun bool) ([]Action, error) {
	attachments, err := r.store.ListActiveAttachments()
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	var all []Action
	checked, repaired := 0, 0
	for _, att := range attachments {
		if att.CalendarKind == store.CalendarKindMain {
			continue
		}
		gw, err := r.resolver.GatewayFor(ctx, att)
		if err != nil {
			log.Printf("[Reconciler] resolve gateway for attachment %s: %v", att.ID, err)
			continue
		}
		actions, n, err := r.checkAttachment(ctx, gw, att, dryRun)
		if err != nil {
			log.Printf("[Reconciler] check attachment %s: %v", att.ID, err)
			continue
		}
		checked += n
		repaired += len(actions)
		all = append(all, actions...)
	}

	orphanActions, err := r.CleanupOrphanedBusyBlocks(ctx, dryRun)
	if err != nil {
		log.Printf("[Reconciler] cleanup orphaned busy blocks: %v", err)
	}
	all = append(all, orphanActions...)

	cleanupActions, err := r.CleanupSoftDeletedBusyBlocks(ctx, dryRun)
	if err != nil {
		log.Printf("[Reconciler] cleanup soft-deleted busy blocks: %v", err)
	}
	all = append(all, cleanupActions...)

	log.Printf("[Reconciler] consistency_check: checked %d mappings, repaired %d, removed %d busy blocks (dry_run=%v)",
		checked, repaired, len(orphanActions)+len(cleanupActions), dryRun)
	return all, nil
}

// ReconcileCalendar is the reconcile_calendar(attachment_id, dry_run)
// trigger operation (§6): reconcile just the live mappings originating on
// one attachment, without the global orphan/soft-delete sweeps a full
// consistency_check also performs.
func (r *Reconciler) ReconcileCalendar(ctx context.Context, attachmentID string, dryRun bool) ([]Action, error) {
	att, err := r.store.GetAttachmentByID(attachmentID)
	if err != nil {
		return nil, fmt.Errorf("load attachment %s: %w", attachmentID, err)
	}
	gw, err := r.resolver.GatewayFor(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway for attachment %s: %w", attachmentID, err)
	}
	actions, _, err := r.checkAttachment(ctx, gw, att, dryRun)
	return actions, err
}

func (r *Reconciler) checkAttachment(ctx context.Context, originGW *gateway.Gateway, att *store.Attachment, dryRun bool) ([]Action, int, error) {
	mappings, err := r.store.ListLiveMappingsByCalendar(att.CalendarID)
	if err != nil {
		return nil, 0, fmt.Errorf("list mappings for %s: %w", att.CalendarID, err)
	}

	var actions []Action
	for _, m := range mappings {
		action, err := r.reconcileMapping(ctx, originGW, att, m, dryRun)
		if err != nil {
			log.Printf("[Reconciler] mapping %s: %v", m.ID, err)
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}
	return actions, len(mappings), nil
}

// reconcileMapping probes one live mapping's origin event and dispatches
// to the matching repair case: an absent or cancelled origin retires the
// main copy (the same test check_user_consistency applies in the original
// Python implementation); a live origin whose main copy has gone missing
// is rebuilt instead.
func (r *Reconciler) reconcileMapping(ctx context.Context, originGW *gateway.Gateway, att *store.Attachment, m *store.EventMapping, dryRun bool) (*Action, error) {
	origin, err := originGW.GetEvent(ctx, m.OriginCalendarID, m.OriginEventID)
	gone := errors.Is(err, gateway.ErrEventNotFound)
	if err != nil && !gone {
		return nil, fmt.Errorf("probe origin event %s on %s: %w", m.OriginEventID, m.OriginCalendarID, err)
	}

	if gone || origin.Status == "cancelled" {
		return r.retireMapping(ctx, att, m, dryRun)
	}
	return r.repairMainCopy(ctx, att, m, origin, dryRun)
}

// retireMapping is the "origin gone or cancelled" repair case: delete the
// orphaned main-calendar copy and soft-delete the mapping, mirroring
// HandleDeletedClientEvent's outcome for a deletion that never arrived as
// a webhook.
func (r *Reconciler) retireMapping(ctx context.Context, att *store.Attachment, m *store.EventMapping, dryRun bool) (*Action, error) {
	summary := fmt.Sprintf("origin event %s on %s is gone or cancelled", m.OriginEventID, m.OriginCalendarID)
	if dryRun {
		return &Action{Action: ActionRetireMainCopy, EventID: m.OriginEventID, Summary: summary}, nil
	}

	if m.MainEventID != nil && m.MainCalendarID != nil {
		mainGW, err := r.gatewayForCalendar(ctx, att.UserID, *m.MainCalendarID)
		if err != nil {
			return nil, fmt.Errorf("resolve main gateway for user %s: %w", att.UserID, err)
		}
		if !r.engine.DeleteMainCopyConfirmed(ctx, mainGW, *m.MainCalendarID, m.MainEventID) {
			return nil, fmt.Errorf("main event %s for mapping %s did not confirm deleted, leaving mapping for retry", *m.MainEventID, m.ID)
		}
	}

	r.engine.CleanupBusyBlocksForMapping(ctx, m)

	if err := r.store.SoftDeleteMapping(m.ID); err != nil {
		return nil, fmt.Errorf("soft delete mapping %s: %w", m.ID, err)
	}
	return &Action{Action: ActionRetireMainCopy, EventID: m.OriginEventID, Summary: summary}, nil
}

// repairMainCopy is the "origin present, main copy gone" repair case: the
// origin is still live but its main-calendar artifact has been deleted
// out from under it (e.g. the 404 arrived between ingest passes), so
// rebuild the main copy from the origin and repoint the mapping.
func (r *Reconciler) repairMainCopy(ctx context.Context, att *store.Attachment, m *store.EventMapping, origin *calendar.Event, dryRun bool) (*Action, error) {
	if m.MainEventID == nil || m.MainCalendarID == nil {
		return nil, nil
	}

	mainGW, err := r.gatewayForCalendar(ctx, att.UserID, *m.MainCalendarID)
	if err != nil {
		return nil, fmt.Errorf("resolve main gateway for user %s: %w", att.UserID, err)
	}

	if _, err := mainGW.GetEvent(ctx, *m.MainCalendarID, *m.MainEventID); err == nil {
		return nil, nil
	} else if !errors.Is(err, gateway.ErrEventNotFound) {
		return nil, fmt.Errorf("probe main event %s: %w", *m.MainEventID, err)
	}

	summary := fmt.Sprintf("origin event %s is live but main copy %s is gone, recreating", m.OriginEventID, *m.MainEventID)
	if dryRun {
		return &Action{Action: ActionRecreateMainCopy, EventID: m.OriginEventID, Summary: summary}, nil
	}

	user, err := r.store.GetUserByID(att.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", att.UserID, err)
	}

	newID, err := r.engine.RecreateMainCopy(ctx, mainGW, *m.MainCalendarID, origin, att, user.Email, m)
	if err != nil {
		return nil, fmt.Errorf("recreate main copy for mapping %s: %w", m.ID, err)
	}
	return &Action{Action: ActionRecreateMainCopy, EventID: newID, Summary: summary}, nil
}

// CleanupOrphanedBusyBlocks deletes busy-block rows whose mapping has
// already been hard-deleted -- left behind by a race between the block's
// own creation and its mapping's deletion.
func (r *Reconciler) CleanupOrphanedBusyBlocks(ctx context.Context, dryRun bool) ([]Action, error) {
	orphans, err := r.store.ListOrphanedBusyBlocks()
	if err != nil {
		return nil, fmt.Errorf("list orphaned busy blocks: %w", err)
	}

	var actions []Action
	for _, b := range orphans {
		summary := fmt.Sprintf("busy block %s on %s has no owning mapping", b.BlockEventID, b.CalendarID)
		if dryRun {
			actions = append(actions, Action{Action: ActionDropOrphanedBlock, EventID: b.BlockEventID, Summary: summary})
			continue
		}
		if err := r.store.DeleteBusyBlock(b.ID); err != nil {
			log.Printf("[Reconciler] delete orphaned busy block %s: %v", b.ID, err)
			continue
		}
		actions = append(actions, Action{Action: ActionDropOrphanedBlock, EventID: b.BlockEventID, Summary: summary})
	}
	return actions, nil
}

// CleanupSoftDeletedBusyBlocks is the "mapping soft-deleted but busy
// blocks remain" repair case: a soft delete only retires the
// origin/main-copy relationship, so busy blocks mirrored onto other
// calendars must be deleted remotely and their rows dropped separately.
func (r *Reconciler) CleanupSoftDeletedBusyBlocks(ctx context.Context, dryRun bool) ([]Action, error) {
	mappings, err := r.store.ListSoftDeletedMappingsWithBusyBlocks()
	if err != nil {
		return nil, fmt.Errorf("list soft-deleted mappings with busy blocks: %w", err)
	}

	var actions []Action
	for _, m := range mappings {
		blocks, err := r.store.ListBusyBlocksForMapping(m.ID)
		if err != nil {
			log.Printf("[Reconciler] list busy blocks for soft-deleted mapping %s: %v", m.ID, err)
			continue
		}
		for _, b := range blocks {
			summary := fmt.Sprintf("mapping %s is soft-deleted but busy block %s on %s is still live", m.ID, b.BlockEventID, b.CalendarID)
			if dryRun {
				actions = append(actions, Action{Action: ActionCleanupBusyBlock, EventID: b.BlockEventID, Summary: summary})
				continue
			}
			gw, err := r.gatewayForCalendar(ctx, m.UserID, b.CalendarID)
			if err != nil {
				log.Printf("[Reconciler] resolve gateway for busy block calendar %s: %v", b.CalendarID, err)
				continue
			}
			if err := gw.DeleteEvent(ctx, b.CalendarID, b.BlockEventID); err != nil {
				log.Printf("[Reconciler] delete busy block %s: %v", b.BlockEventID, err)
				continue
			}
			if err := r.store.DeleteBusyBlock(b.ID); err != nil {
				log.Printf("[Reconciler] drop busy block row %s: %v", b.ID, err)
				continue
			}
			actions = append(actions, Action{Action: ActionCleanupBusyBlock, EventID: b.BlockEventID, Summary: summary})
		}
	}
	return actions, nil
}

func (r *Reconciler) gatewayForCalendar(ctx context.Context, userID, calendarID string) (*gateway.Gateway, error) {
	att, err := r.store.GetAttachmentByCalendar(userID, calendarID)
	if err != nil {
		return nil, err
	}
	return r.resolver.GatewayFor(ctx, att)
}
