package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/calsyncio/calsync-core/internal/creds"
	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// tokenRefreshProbeEventID never exists on a real calendar; fetching it
// forces an HTTP round trip (and so a token refresh, if one is due)
// without mutating anything. A 404 (ErrEventNotFound) means the
// credential is healthy; any other error is reported up.
const tokenRefreshProbeEventID = "calsync-token-refresh-probe"

// runConsistencyCheck is the consistency_check job (§4.5/§4.6): delegates
// to the Consistency Reconciler for every active non-main attachment, live
// (not dry-run), on the job's own ticker.
func (s *Scheduler) runConsistencyCheck(ctx context.Context) {
	actions, err := s.reconciler.RunConsistencyCheck(ctx, false)
	if err != nil {
		log.Printf("[Scheduler] consistency_check: %v", err)
		return
	}
	log.Printf("[Scheduler] consistency_check: %d repairs applied", len(actions))
}

// runWebhookRenewal is the webhook_renewal job (§4.5/§6): re-registers a
// push-notification channel for any attachment whose channel is expiring
// soon, tearing down the stale channel first.
func (s *Scheduler) runWebhookRenewal(ctx context.Context) {
	if s.cfg.WebhookCallbackURL == "" {
		return
	}

	cutoff := time.Now().Add(s.cfg.WebhookRenewal)
	channels, err := s.store.ListChannelsExpiringBefore(cutoff)
	if err != nil {
		log.Printf("[Scheduler] webhook_renewal: list expiring channels: %v", err)
		return
	}

	renewed := 0
	for _, ch := range channels {
		att, err := s.store.GetAttachmentByID(ch.AttachmentID)
		if err != nil {
			log.Printf("[Scheduler] webhook_renewal: load attachment %s: %v", ch.AttachmentID, err)
			continue
		}
		gw, err := s.resolver.GatewayFor(ctx, att)
		if err != nil {
			log.Printf("[Scheduler] webhook_renewal: resolve gateway for attachment %s: %v", att.ID, err)
			continue
		}

		if err := gw.StopChannel(ctx, ch.ChannelID, ch.ResourceID); err != nil {
			log.Printf("[Scheduler] webhook_renewal: stop channel %s: %v", ch.ChannelID, err)
		}
		if err := s.store.DeleteWebhookChannel(ch.ID); err != nil {
			log.Printf("[Scheduler] webhook_renewal: delete channel row %s: %v", ch.ID, err)
		}

		watch, err := gw.Watch(ctx, att.CalendarID, s.cfg.WebhookCallbackURL)
		if err != nil {
			log.Printf("[Scheduler] webhook_renewal: register channel for attachment %s: %v", att.ID, err)
			continue
		}
		if err := s.store.CreateWebhookChannel(&store.WebhookChannel{
			AttachmentID: att.ID,
			ChannelID:    watch.ChannelID,
			ResourceID:   watch.ResourceID,
			ChannelToken: watch.Token,
			CalendarType: att.CalendarKind,
			Expiration:   watch.Expiration,
		}); err != nil {
			log.Printf("[Scheduler] webhook_renewal: persist new channel for attachment %s: %v", att.ID, err)
			continue
		}
		renewed++
	}

	log.Printf("[Scheduler] webhook_renewal: renewed %d/%d expiring channels", renewed, len(channels))
}

// runTokenRefresh is the token_refresh job (§4.5): proactively exercises
// each credential's token source via a cheap probe call, so a refresh (or
// a detected revocation) happens on the scheduler's own clock instead of
// surprising the next real sync.
func (s *Scheduler) runTokenRefresh(ctx context.Context) {
	attachments, err := s.store.ListActiveAttachments()
	if err != nil {
		log.Printf("[Scheduler] token_refresh: list attachments: %v", err)
		return
	}

	seen := make(map[string]bool)
	for _, att := range attachments {
		if seen[att.CredentialID] {
			continue
		}
		seen[att.CredentialID] = true
		s.refreshCredential(ctx, att)
	}
}

func (s *Scheduler) refreshCredential(ctx context.Context, att *store.Attachment) {
	gw, err := s.resolver.GatewayFor(ctx, att)
	if err != nil {
		log.Printf("[Scheduler] token_refresh: resolve gateway for credential %s: %v", att.CredentialID, err)
		return
	}

	_, err = gw.GetEvent(ctx, att.CalendarID, tokenRefreshProbeEventID)
	if err == nil || errors.Is(err, gateway.ErrEventNotFound) {
		return
	}
	if !errors.Is(err, creds.ErrRevoked) {
		log.Printf("[Scheduler] token_refresh: probe credential %s: %v", att.CredentialID, err)
		return
	}

	s.resolver.InvalidateCredential(att.CredentialID)
	log.Printf("[Scheduler] token_refresh: credential %s revoked", att.CredentialID)

	cred, gerr := s.store.GetCredentialByID(att.CredentialID)
	if gerr != nil {
		log.Printf("[Scheduler] token_refresh: load revoked credential %s: %v", att.CredentialID, gerr)
		return
	}
	user, gerr := s.store.GetUserByID(cred.UserID)
	if gerr != nil {
		log.Printf("[Scheduler] token_refresh: load user for revoked credential %s: %v", att.CredentialID, gerr)
		return
	}
	if s.notifier != nil && s.notifier.IsEnabled() {
		s.notifier.SendTokenRevokedAlert(ctx, att.ID, att.SourceLabel, user.Email, cred.ProviderAccountEmail, s.alertPrefs(user))
	}
}

// runAlertProcess is the alert_process job (§4.5/§7): scans active
// attachments for staleness against the last observed sync time and fires
// (cooldown-deduplicated, via internal/notify's own bookkeeping) the stale
// alert. Recovery alerts are sent from finishAttachmentSync instead.
func (s *Scheduler) runAlertProcess(ctx context.Context) {
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}

	threshold := s.cfg.SyncInterval * staleMultiplier
	attachments, err := s.store.ListActiveAttachments()
	if err != nil {
		log.Printf("[Scheduler] alert_process: list attachments: %v", err)
		return
	}

	for _, att := range attachments {
		last, ok := s.lastSyncedAt(att.ID)
		if !ok {
			continue
		}
		since := time.Since(last)
		if since < threshold {
			continue
		}

		user, err := s.store.GetUserByID(att.UserID)
		if err != nil {
			log.Printf("[Scheduler] alert_process: load user for attachment %s: %v", att.ID, err)
			continue
		}
		s.notifier.SendStaleAlertWithPrefs(ctx, att.ID, att.SourceLabel, user.Email, since, threshold, s.alertPrefs(user))
	}
}

// runBackup is the backup job (§9): delegates to internal/backup for a
// full snapshot of every user with a main calendar, on the job's own
// ticker. internal/backup.CreateBackup applies its own retention sweep
// once the new archive is written.
func (s *Scheduler) runBackup(ctx context.Context) {
	if s.cfg.BackupPath == "" {
		return
	}
	result, err := s.backup.CreateBackup(ctx, nil)
	if err != nil {
		log.Printf("[Scheduler] backup: %v", err)
		return
	}
	log.Printf("[Scheduler] backup: wrote archive %s", result.Path)
}

// runRetentionCleanup is the retention_cleanup job (§4.5/§9): prunes
// soft-deleted mappings, job locks, and disconnected attachments past
// their configured retention windows.
func (s *Scheduler) runRetentionCleanup(ctx context.Context) {
	now := time.Now()

	if n, err := s.store.DeleteSoftDeletedMappingsOlderThan(now.AddDate(0, 0, -s.cfg.RecurringSoftDeleteDays)); err != nil {
		log.Printf("[Scheduler] retention_cleanup: prune soft-deleted mappings: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] retention_cleanup: pruned %d soft-deleted mappings", n)
	}

	if n, err := s.store.DeleteAttachmentsDisconnectedBefore(now.AddDate(0, 0, -s.cfg.DisconnectedRetentionDays)); err != nil {
		log.Printf("[Scheduler] retention_cleanup: prune disconnected attachments: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] retention_cleanup: pruned %d disconnected attachments", n)
	}

	if n, err := s.store.DeleteExpiredLocks(now); err != nil {
		log.Printf("[Scheduler] retention_cleanup: prune expired job locks: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] retention_cleanup: pruned %d expired job locks", n)
	}
}
