// Package scheduler drives every periodic operation of the sync core
// (§4.5): a per-user periodic sync job fanning out over every attached
// calendar under per-calendar try-locks, and the fixed roster of
// maintenance jobs (consistency check, webhook renewal, token refresh,
// alert processing, backup, retention cleanup) each serialized by a
// database-backed lock so only one holder ever runs a given job at a
// time, even across restarts.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/calsyncio/calsync-core/internal/activity"
	"github.com/calsyncio/calsync-core/internal/backup"
	"github.com/calsyncio/calsync-core/internal/creds"
	"github.com/calsyncio/calsync-core/internal/ingest"
	"github.com/calsyncio/calsync-core/internal/notify"
	"github.com/calsyncio/calsync-core/internal/reconcile"
	"github.com/calsyncio/calsync-core/internal/resolver"
	"github.com/calsyncio/calsync-core/internal/store"
	"github.com/calsyncio/calsync-core/internal/syncengine"
)

const (
	// syncTimeout bounds a single user's periodic_sync pass (every
	// attachment plus the main calendar).
	syncTimeout = 30 * time.Minute

	// staleMultiplier: an attachment is stale once it hasn't synced in
	// staleMultiplier times the configured sync interval.
	staleMultiplier = 2

	// lockLease is how long a DB-backed maintenance-job lock is held
	// before a crashed holder's lock is eligible for reclaim.
	lockLease = 15 * time.Minute

	// failureAlertThreshold is the consecutive-failure count
	// (attachments.consecutive_failures) at which the scheduler sends a
	// failure-threshold alert, regardless of how recently the attachment
	// last synced successfully.
	failureAlertThreshold = 3
)

// Job-lock key prefixes/names, per spec.md §4.5.
const (
	tryLockClientPrefix = "client:"
	tryLockMainPrefix   = "main:"

	lockKeyConsistencyCheck = "job:consistency_check"
	lockKeyWebhookRenewal   = "job:webhook_renewal"
	lockKeyTokenRefresh     = "job:token_refresh"
	lockKeyAlertProcess     = "job:alert_process"
	lockKeyBackup           = "job:backup"
	lockKeyRetentionCleanup = "job:retention_cleanup"
)

// Config carries the interval/retention settings sourced from
// internal/config.SyncConfig.
type Config struct {
	SyncInterval              time.Duration
	WebhookRenewal            time.Duration
	ConsistencyCheck          time.Duration
	TokenRefresh              time.Duration
	AlertProcess              time.Duration
	BackupInterval            time.Duration
	RetentionCleanup          time.Duration
	EventRetentionDays        int
	RecurringSoftDeleteDays   int
	DisconnectedRetentionDays int

	// WebhookCallbackURL is this process's publicly reachable push-notification
	// receiver endpoint, used as the address registered with Watch.
	WebhookCallbackURL string

	// BackupPath is the directory backup archives are written to.
	BackupPath          string
	BackupRetentionDays int

	// SyncTag is the managed-event marker (internal/gateway's IsOurEvent)
	// used to scope backup snapshots and restore diffs to this engine's
	// own artifacts.
	SyncTag string

	// GlobalPaused is consulted at the top of every trigger entry point
	// (§4.5's global pause flag); when it reports true, all sync and
	// maintenance work is skipped. A nil func means never paused.
	GlobalPaused func() bool
}

func (c Config) paused() bool {
	return c.GlobalPaused != nil && c.GlobalPaused()
}

// Scheduler owns the in-process per-calendar try-lock map, the identity
// used for DB-backed job-lock ownership, and the wiring needed to run
// every periodic job against the Mapping Store.
type Scheduler struct {
	store    *store.Store
	ingestor *ingest.Ingestor
	resolver *resolver.Resolver
	creds    *creds.Manager
	notifier   *notify.Notifier
	activity   *activity.Tracker
	reconciler *reconcile.Reconciler
	backup     *backup.Backup
	cfg        Config
	holder     string

	mu       sync.Mutex
	calLocks map[string]*sync.Mutex
	attLast  map[string]time.Time // attachmentID -> last successful sync, for stale detection

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds a Scheduler. holder identifies this process for DB-backed
// job-lock ownership (e.g. hostname+pid); it must be stable for the
// process's lifetime and unique across concurrently running processes.
// engine is the Sync Engine instance whose transform/delete rules the
// consistency reconciler reuses to repair drift; it may be nil in tests
// that never invoke a reconcile/backup trigger.
func New(st *store.Store, ing *ingest.Ingestor, res *resolver.Resolver, credMgr *creds.Manager, notifier *notify.Notifier, engine *syncengine.Engine, cfg Config, holder string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		ingestor:   ing,
		resolver:   res,
		creds:      credMgr,
		notifier:   notifier,
		activity:   activity.NewTracker(),
		reconciler: reconcile.New(st, res, engine),
		backup:     backup.New(st, res, cfg.SyncTag, cfg.BackupPath, cfg.BackupRetentionDays),
		cfg:        cfg,
		holder:     holder,
		calLocks:   make(map[string]*sync.Mutex),
		attLast:    make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Activity exposes the scheduler's sync-activity tracker for status
// queries (spec.md's §7 "user-visible behavior"): current/recent runs
// per attachment, serving alongside the Mapping Store's own
// consecutive_failures/last_error columns.
func (s *Scheduler) Activity() *activity.Tracker {
	return s.activity
}

// Start launches the periodic-sync loop plus the six maintenance job
// goroutines. Safe to call once; a second call is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(7)
	go s.periodicSyncRoutine()
	go s.maintenanceRoutine("consistency_check", lockKeyConsistencyCheck, s.cfg.ConsistencyCheck, s.runConsistencyCheck)
	go s.maintenanceRoutine("webhook_renewal", lockKeyWebhookRenewal, s.cfg.WebhookRenewal, s.runWebhookRenewal)
	go s.maintenanceRoutine("token_refresh", lockKeyTokenRefresh, s.cfg.TokenRefresh, s.runTokenRefresh)
	go s.maintenanceRoutine("alert_process", lockKeyAlertProcess, s.cfg.AlertProcess, s.runAlertProcess)
	go s.maintenanceRoutine("backup", lockKeyBackup, s.cfg.BackupInterval, s.runBackup)
	go s.maintenanceRoutine("retention_cleanup", lockKeyRetentionCleanup, s.cfg.RetentionCleanup, s.runRetentionCleanup)

	log.Printf("[Scheduler] started (sync every %v)", s.cfg.SyncInterval)
}

// Stop cancels every running job and blocks until they exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("[Scheduler] stopped")
}

// TriggerSync manually fires a periodic_sync pass outside its ticker,
// e.g. in response to a webhook push notification (§6).
func (s *Scheduler) TriggerSync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPeriodicSync()
	}()
}

// TriggerAttachmentSync manually fires an out-of-cycle sync for one
// attachment, e.g. in response to a push notification naming a specific
// calendar (§6): narrower than TriggerSync, which fans out to every
// user's every attachment.
func (s *Scheduler) TriggerAttachmentSync(attachmentID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		att, err := s.store.GetAttachmentByID(attachmentID)
		if err != nil {
			log.Printf("[Scheduler] trigger attachment sync: load attachment %s: %v", attachmentID, err)
			return
		}
		user, err := s.store.GetUserByID(att.UserID)
		if err != nil {
			log.Printf("[Scheduler] trigger attachment sync: load user for attachment %s: %v", attachmentID, err)
			return
		}

		if att.CalendarKind == store.CalendarKindMain {
			s.syncUser(user)
			return
		}

		mainCalendarID := ""
		if user.MainCalendarID != nil {
			mainCalendarID = *user.MainCalendarID
		}
		if mainCalendarID == "" {
			return
		}
		mainAtt, err := s.store.GetAttachmentByCalendar(user.ID, mainCalendarID)
		if err != nil {
			log.Printf("[Scheduler] trigger attachment sync: load main attachment for user %s: %v", user.ID, err)
			return
		}
		mainGW, err := s.resolver.GatewayFor(s.ctx, mainAtt)
		if err != nil {
			log.Printf("[Scheduler] trigger attachment sync: resolve main gateway for user %s: %v", user.ID, err)
			return
		}

		if att.CalendarKind == store.CalendarKindPersonal {
			s.syncPersonalAttachment(user, att, mainGW, mainCalendarID)
		} else {
			s.syncClientAttachment(user, att, mainGW, mainCalendarID)
		}
	}()
}

// ReconcileCalendar is the reconcile_calendar(attachment_id, dry_run?)
// trigger operation (§6): runs the consistency reconciler against a
// single attachment's mappings on demand, outside the consistency_check
// job's own ticker. Under dryRun it reports what would change without
// writing anything.
func (s *Scheduler) ReconcileCalendar(ctx context.Context, attachmentID string, dryRun bool) ([]reconcile.Action, error) {
	return s.reconciler.ReconcileCalendar(ctx, attachmentID, dryRun)
}

// CreateBackup is the create_backup(user_ids?) trigger operation (§6):
// snapshots the named users (or every user with a main calendar, if none
// are named) into a new archive on demand, outside the backup job's own
// ticker.
func (s *Scheduler) CreateBackup(ctx context.Context, userIDs []string) (*backup.Result, error) {
	return s.backup.CreateBackup(ctx, userIDs)
}

// RestoreFromBackup is the restore_from_backup(...) trigger operation
// (§6): reconciles the named users' live calendars toward a chosen
// archive's recorded state.
func (s *Scheduler) RestoreFromBackup(ctx context.Context, backupID string, userIDs []string, dryRun bool) (*backup.Result, error) {
	return s.backup.RestoreFromBackup(ctx, backupID, userIDs, dryRun)
}

// ListBackups enumerates every archive available to RestoreFromBackup.
func (s *Scheduler) ListBackups() ([]backup.Metadata, error) {
	return s.backup.ListBackups()
}

// periodicSyncRoutine runs the periodic_sync job on its own ticker,
// fanning out to every active user each tick.
func (s *Scheduler) periodicSyncRoutine() {
	defer s.wg.Done()

	s.runPeriodicSync()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runPeriodicSync()
		}
	}
}

// maintenanceRoutine runs a singleton maintenance job immediately, then
// on its own ticker, serialized across processes by a DB-backed lock. A
// zero interval disables the job entirely.
func (s *Scheduler) maintenanceRoutine(name, lockKey string, interval time.Duration, run func(ctx context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}

	s.runLocked(name, lockKey, run)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runLocked(name, lockKey, run)
		}
	}
}

// runLocked acquires the named job's DB lock, runs it under a bounded
// context, and releases the lock. A lock held by another holder is not
// an error -- it means another scheduler process already has this tick.
func (s *Scheduler) runLocked(name, lockKey string, run func(ctx context.Context)) {
	if s.cfg.paused() {
		return
	}
	if err := s.store.AcquireLock(lockKey, s.holder, lockLease); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			log.Printf("[Scheduler] %s: lock held elsewhere, skipping this tick", name)
			return
		}
		log.Printf("[Scheduler] %s: acquire lock: %v", name, err)
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(lockKey, s.holder); err != nil {
			log.Printf("[Scheduler] %s: release lock: %v", name, err)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	started := time.Now()
	run(ctx)
	log.Printf("[Scheduler] %s completed in %v", name, time.Since(started).Round(time.Millisecond))
}

// calendarLock returns the in-process try-lock mutex for a given
// "client:<id>" / "main:<id>" key, creating one if needed.
func (s *Scheduler) calendarLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.calLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.calLocks[key] = l
	return l
}

func (s *Scheduler) markSynced(attachmentID string, when time.Time) {
	s.mu.Lock()
	s.attLast[attachmentID] = when
	s.mu.Unlock()
}

func (s *Scheduler) lastSyncedAt(attachmentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.attLast[attachmentID]
	return t, ok
}

// alertPrefs returns the per-user alert-preference override for a user.
// This schema has no per-user preferences table, so every user uses the
// process-wide notify.Config defaults (nil means "use global default").
func (s *Scheduler) alertPrefs(*store.User) *notify.UserPreferences {
	return nil
}
