package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// runPeriodicSync is the periodic_sync job (§4.5): for every user with a
// main calendar configured and sync not paused, ingest every active
// client and personal attachment, then the main calendar itself, each
// serialized by its own try-lock so a slow calendar never blocks
// another's tick.
func (s *Scheduler) runPeriodicSync() {
	if s.cfg.paused() {
		return
	}

	users, err := s.store.ListUsersWithMainCalendar()
	if err != nil {
		log.Printf("[Scheduler] periodic_sync: list users: %v", err)
		return
	}

	for _, user := range users {
		if user.SyncPaused {
			continue
		}
		s.syncUser(user)
	}
}

func (s *Scheduler) syncUser(user *store.User) {
	mainCalendarID := ""
	if user.MainCalendarID != nil {
		mainCalendarID = *user.MainCalendarID
	}
	if mainCalendarID == "" {
		return
	}

	mainAtt, err := s.store.GetAttachmentByCalendar(user.ID, mainCalendarID)
	if err != nil {
		log.Printf("[Scheduler] periodic_sync: get main attachment for user %s: %v", user.ID, err)
		return
	}

	mainGW, err := s.resolver.GatewayFor(context.Background(), mainAtt)
	if err != nil {
		log.Printf("[Scheduler] periodic_sync: resolve main gateway for user %s: %v", user.ID, err)
		return
	}

	clients, err := s.store.ListActiveAttachmentsByKind(user.ID, store.CalendarKindClient)
	if err != nil {
		log.Printf("[Scheduler] periodic_sync: list client attachments for user %s: %v", user.ID, err)
	}
	for _, att := range clients {
		s.syncClientAttachment(user, att, mainGW, mainCalendarID)
	}

	personal, err := s.store.ListActiveAttachmentsByKind(user.ID, store.CalendarKindPersonal)
	if err != nil {
		log.Printf("[Scheduler] periodic_sync: list personal attachments for user %s: %v", user.ID, err)
	}
	for _, att := range personal {
		s.syncPersonalAttachment(user, att, mainGW, mainCalendarID)
	}

	s.syncMainCalendar(user, mainAtt, mainGW, mainCalendarID)
}

func (s *Scheduler) syncClientAttachment(user *store.User, att *store.Attachment, mainGW *gateway.Gateway, mainCalendarID string) {
	lock := s.calendarLock(tryLockClientPrefix + att.ID)
	if !lock.TryLock() {
		log.Printf("[Scheduler] client attachment %s already syncing, skipping", att.ID)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	clientGW, err := s.resolver.GatewayFor(ctx, att)
	if err != nil {
		log.Printf("[Scheduler] resolve gateway for client attachment %s: %v", att.ID, err)
		return
	}

	s.activity.StartSync(att.ID, att.SourceLabel, 1)
	result, err := s.ingestor.IngestClientCalendar(ctx, clientGW, mainGW, user, att, mainCalendarID)
	s.finishAttachmentSync(user, att, result.Synced, result.Deleted, result.Failed, err)
}

func (s *Scheduler) syncPersonalAttachment(user *store.User, att *store.Attachment, mainGW *gateway.Gateway, mainCalendarID string) {
	lock := s.calendarLock(tryLockClientPrefix + att.ID)
	if !lock.TryLock() {
		log.Printf("[Scheduler] personal attachment %s already syncing, skipping", att.ID)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	personalGW, err := s.resolver.GatewayFor(ctx, att)
	if err != nil {
		log.Printf("[Scheduler] resolve gateway for personal attachment %s: %v", att.ID, err)
		return
	}

	s.activity.StartSync(att.ID, att.SourceLabel, 1)
	result, err := s.ingestor.IngestPersonalCalendar(ctx, personalGW, mainGW, user, att, mainCalendarID)
	s.finishAttachmentSync(user, att, result.Synced, result.Deleted, result.Failed, err)
}

func (s *Scheduler) syncMainCalendar(user *store.User, mainAtt *store.Attachment, mainGW *gateway.Gateway, mainCalendarID string) {
	lock := s.calendarLock(tryLockMainPrefix + user.ID)
	if !lock.TryLock() {
		log.Printf("[Scheduler] main calendar for user %s already syncing, skipping", user.ID)
		return
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	s.activity.StartSync(mainAtt.ID, mainAtt.SourceLabel, 1)
	result, err := s.ingestor.IngestMainCalendar(ctx, mainGW, user, mainAtt, mainCalendarID)
	s.finishAttachmentSync(user, mainAtt, result.Synced, result.Deleted, result.Failed, err)
}

// finishAttachmentSync records the outcome of one attachment's ingest
// pass into the activity tracker, fires a recovery notification (which
// internal/notify only delivers if it had marked the attachment stale),
// and checks the attachment's consecutive-failure streak against the
// failure-alert threshold.
func (s *Scheduler) finishAttachmentSync(user *store.User, att *store.Attachment, synced, deleted, failed int, err error) {
	if err != nil {
		log.Printf("[Scheduler] sync failed for attachment %s (%s): %v", att.ID, att.SourceLabel, err)
		s.activity.FinishSync(att.ID, false, err.Error(), []string{err.Error()})
		return
	}

	log.Printf("[Scheduler] attachment %s (%s) synced: %d events, %d deleted, %d failed",
		att.ID, att.SourceLabel, synced, deleted, failed)

	var errs []string
	if failed > 0 {
		errs = []string{fmt.Sprintf("%d event(s) failed this batch", failed)}
	}
	s.activity.UpdateProgress(att.ID, synced, 0, deleted, failed, synced+deleted+failed)
	s.activity.FinishSync(att.ID, true, fmt.Sprintf("%d synced, %d deleted, %d failed", synced, deleted, failed), errs)

	s.checkFailureThreshold(user, att)

	if failed > 0 {
		// sync_token did not advance this pass (see internal/ingest), so
		// the attachment isn't "recovered" in any sense yet.
		return
	}

	now := time.Now()
	_, wasTracked := s.lastSyncedAt(att.ID)
	s.markSynced(att.ID, now)

	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}
	if wasTracked {
		s.notifier.SendRecoveryAlertWithPrefs(s.ctx, att.ID, att.SourceLabel, user.Email, s.alertPrefs(user))
	}
}

// checkFailureThreshold re-reads the attachment's consecutive-failure
// streak (bumped/cleared by internal/ingest via store.Attachment's
// consecutive_failures/last_error columns) and alerts once it reaches
// failureAlertThreshold, or clears the alert state once a clean batch
// has reset the streak to zero.
func (s *Scheduler) checkFailureThreshold(user *store.User, att *store.Attachment) {
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}

	updated, err := s.store.GetAttachmentByID(att.ID)
	if err != nil {
		log.Printf("[Scheduler] check failure threshold for attachment %s: %v", att.ID, err)
		return
	}

	if updated.ConsecutiveFailures == 0 {
		s.notifier.ClearFailureState(att.ID)
		return
	}
	if updated.ConsecutiveFailures < failureAlertThreshold {
		return
	}

	lastErr := ""
	if updated.LastError != nil {
		lastErr = *updated.LastError
	}
	s.notifier.SendFailureAlertWithPrefs(s.ctx, att.ID, att.SourceLabel, user.Email, updated.ConsecutiveFailures, lastErr, s.alertPrefs(user))
}
