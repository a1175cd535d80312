// Package backup implements the snapshot/restore half of the Consistency
// & Rollback component (§4.6): a per-user JSON snapshot of every
// BusyBridge-managed remote event alongside a compacted copy of the whole
// database, bundled into one ZIP archive; the daily/weekly/monthly
// retention sweep over those archives; and a diff-based restore that
// reconciles live calendars back toward a chosen archive's recorded
// state, remapping any recreated event id into the Mapping Store.
//
// This mirrors original_source/app/sync/backup.py's create_backup /
// apply_retention_policy / restore_from_backup, adapted onto this
// schema's tables and onto the Remote Calendar Gateway's HTTP-backed
// Google Calendar client instead of a local aiosqlite/googleapiclient pair.
package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// Version identifies the archive layout so a future format change can be
// detected before an incompatible restore is attempted.
const Version = "1"

// Retention counts for the daily/weekly/monthly backup classification
// (§4.6), matching original_source/app/sync/backup.py's
// apply_retention_policy precisely.
const (
	KeepDaily   = 7
	KeepWeekly  = 2
	KeepMonthly = 6
)

// GatewayResolver builds an authenticated Gateway for a given attachment.
type GatewayResolver interface {
	GatewayFor(ctx context.Context, att *store.Attachment) (*gateway.Gateway, error)
}

// Backup owns the Mapping Store, gateway resolver, and on-disk archive
// directory used by CreateBackup/RestoreFromBackup/ApplyStartupRestore.
type Backup struct {
	store         *store.Store
	resolver      GatewayResolver
	syncTag       string
	dir           string
	retentionDays int
}

// New builds a Backup over the given directory, which is created on
// first use. syncTag is the managed-event marker (internal/gateway's
// IsOurEvent) used to scope both the snapshot and the restore diff to
// this engine's own artifacts.
func New(st *store.Store, resolver GatewayResolver, syncTag, dir string, retentionDays int) *Backup {
	return &Backup{store: st, resolver: resolver, syncTag: syncTag, dir: dir, retentionDays: retentionDays}
}

// SnapshotEvent is the fixed allowlist of event fields a backup records
// for each managed remote event, matching
// original_source/app/sync/backup.py's _SNAPSHOT_FIELDS verbatim.
type SnapshotEvent struct {
	ID                      string                            `json:"id"`
	Summary                 string                            `json:"summary,omitempty"`
	Description             string                            `json:"description,omitempty"`
	Location                string                            `json:"location,omitempty"`
	Status                  string                            `json:"status,omitempty"`
	Start                   *calendar.EventDateTime           `json:"start,omitempty"`
	End                     *calendar.EventDateTime           `json:"end,omitempty"`
	Recurrence              []string                          `json:"recurrence,omitempty"`
	RecurringEventID        string                            `json:"recurringEventId,omitempty"`
	OriginalStartTime       *calendar.EventDateTime           `json:"originalStartTime,omitempty"`
	ExtendedProperties      *calendar.EventExtendedProperties `json:"extendedProperties,omitempty"`
	ColorID                 string                            `json:"colorId,omitempty"`
	Transparency            string                            `json:"transparency,omitempty"`
	Visibility              string                            `json:"visibility,omitempty"`
	Attendees               []*calendar.EventAttendee         `json:"attendees,omitempty"`
	Organizer               *calendar.EventOrganizer          `json:"organizer,omitempty"`
	GuestsCanModify         bool                              `json:"guestsCanModify,omitempty"`
	GuestsCanInviteOthers   bool                              `json:"guestsCanInviteOthers,omitempty"`
	GuestsCanSeeOtherGuests bool                              `json:"guestsCanSeeOtherGuests,omitempty"`
	Reminders               *calendar.EventReminders          `json:"reminders,omitempty"`
}

func toSnapshotEvent(e *calendar.Event) SnapshotEvent {
	return SnapshotEvent{
		ID:                      e.Id,
		Summary:                 e.Summary,
		Description:             e.Description,
		Location:                e.Location,
		Status:                  e.Status,
		Start:                   e.Start,
		End:                     e.End,
		Recurrence:              e.Recurrence,
		RecurringEventID:        e.RecurringEventId,
		OriginalStartTime:       e.OriginalStartTime,
		ExtendedProperties:      e.ExtendedProperties,
		ColorID:                 e.ColorId,
		Transparency:            e.Transparency,
		Visibility:              e.Visibility,
		Attendees:               e.Attendees,
		Organizer:               e.Organizer,
		GuestsCanModify:         e.GuestsCanModify,
		GuestsCanInviteOthers:   e.GuestsCanInviteOthers,
		GuestsCanSeeOtherGuests: e.GuestsCanSeeOtherGuests,
		Reminders:               e.Reminders,
	}
}

func (s SnapshotEvent) toEvent() *calendar.Event {
	return &calendar.Event{
		Summary:                 s.Summary,
		Description:             s.Description,
		Location:                s.Location,
		Status:                  s.Status,
		Start:                   s.Start,
		End:                     s.End,
		Recurrence:              s.Recurrence,
		RecurringEventId:        s.RecurringEventID,
		OriginalStartTime:       s.OriginalStartTime,
		ExtendedProperties:      s.ExtendedProperties,
		ColorId:                 s.ColorID,
		Transparency:            s.Transparency,
		Visibility:              s.Visibility,
		Attendees:               s.Attendees,
		Organizer:               s.Organizer,
		GuestsCanModify:         s.GuestsCanModify,
		GuestsCanInviteOthers:   s.GuestsCanInviteOthers,
		GuestsCanSeeOtherGuests: s.GuestsCanSeeOtherGuests,
		Reminders:               s.Reminders,
	}
}

// CalendarSnapshot is one attached calendar's recorded events.
type CalendarSnapshot struct {
	AttachmentID string             `json:"attachment_id,omitempty"`
	CalendarID   string             `json:"calendar_id"`
	Kind         store.CalendarKind `json:"kind"`
	Events       []SnapshotEvent    `json:"events"`
	Error        string             `json:"error,omitempty"`
}

// UserSnapshot is one user's entry in the archive's snapshots/ directory:
// every managed event across their main calendar and active attachments.
type UserSnapshot struct {
	UserID      string             `json:"user_id"`
	UserEmail   string             `json:"user_email"`
	Calendars   []CalendarSnapshot `json:"calendars"`
}

// Metadata is the archive's metadata.json.
type Metadata struct {
	Version                string    `json:"version"`
	BackupID               string    `json:"backup_id"`
	BackupType             string    `json:"backup_type"`
	CreatedAt              time.Time `json:"created_at"`
	UserIDsSnapshotted     []string  `json:"user_ids_snapshotted"`
	TotalEventsSnapshotted int       `json:"total_events_snapshotted"`
	SnapshotErrors         []string  `json:"snapshot_errors,omitempty"`
}

// Result reports what a backup or restore pass did.
type Result struct {
	BackupID string   `json:"backup_id"`
	Path     string   `json:"path,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
}

// Action describes one create/update/delete the restore diff made, or --
// under dry-run -- would have made, matching spec.md §4.6's
// {action, event_id, summary} report shape.
type Action struct {
	Action  string `json:"action"`
	EventID string `json:"event_id"`
	Summary string `json:"summary"`
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// CreateBackup is the create_backup(user_ids?) trigger operation (§6): it
// snapshots every targeted user's managed events (all users with a main
// calendar, if userIDs is empty), vacuums a consistent copy of the whole
// database, and bundles both into one ZIP archive under Backup's
// directory, classified daily/weekly/monthly by the archive's own
// timestamp.
func (b *Backup) CreateBackup(ctx context.Context, userIDs []string) (*Result, error) {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", b.dir, err)
	}

	users, err := b.resolveUsers(userIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	backupID := fmt.Sprintf("calsync-%s", now.Format("20060102-150405"))
	archivePath := filepath.Join(b.dir, backupID+".zip")

	var snapshotErrors []string
	var snapshots []UserSnapshot
	totalEvents := 0
	for _, u := range users {
		snap := b.snapshotUser(ctx, u)
		for _, cs := range snap.Calendars {
			totalEvents += len(cs.Events)
			if cs.Error != "" {
				snapshotErrors = append(snapshotErrors, fmt.Sprintf("user %s calendar %s: %s", u.ID, cs.CalendarID, cs.Error))
			}
		}
		snapshots = append(snapshots, snap)
	}

	dbDumpPath := filepath.Join(b.dir, backupID+".db.tmp")
	quoted := "'" + strings.ReplaceAll(dbDumpPath, "'", "''") + "'"
	if _, err := b.store.Conn().ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return nil, fmt.Errorf("vacuum into %s: %w", dbDumpPath, err)
	}
	defer os.Remove(dbDumpPath)

	backupType := "full"
	if len(userIDs) > 0 {
		backupType = "partial"
	}
	meta := Metadata{
		Version:                Version,
		BackupID:               backupID,
		BackupType:             backupType,
		CreatedAt:              now,
		UserIDsSnapshotted:     userIDList(users),
		TotalEventsSnapshotted: totalEvents,
		SnapshotErrors:         snapshotErrors,
	}

	if err := writeArchive(archivePath, meta, dbDumpPath, snapshots); err != nil {
		return nil, fmt.Errorf("write archive %s: %w", archivePath, err)
	}

	log.Printf("[Backup] wrote %s (%d users, %d events, %d snapshot errors)",
		archivePath, len(users), totalEvents, len(snapshotErrors))

	if err := b.PruneOldBackups(); err != nil {
		log.Printf("[Backup] prune: %v", err)
	}

	return &Result{BackupID: backupID, Path: archivePath}, nil
}

func userIDList(users []*store.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

func (b *Backup) resolveUsers(userIDs []string) ([]*store.User, error) {
	if len(userIDs) == 0 {
		return b.store.ListUsersWithMainCalendar()
	}
	var users []*store.User
	for _, id := range userIDs {
		u, err := b.store.GetUserByID(id)
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// snapshotUser fetches every non-cancelled, engine-managed event across a
// user's main calendar and active client/personal attachments.
func (b *Backup) snapshotUser(ctx context.Context, user *store.User) UserSnapshot {
	snap := UserSnapshot{UserID: user.ID, UserEmail: user.Email}

	attachments, err := b.store.ListActiveAttachmentsByUser(user.ID)
	if err != nil {
		snap.Calendars = append(snap.Calendars, CalendarSnapshot{Error: fmt.Sprintf("list attachments: %v", err)})
		return snap
	}

	for _, att := range attachments {
		cs := CalendarSnapshot{AttachmentID: att.ID, CalendarID: att.CalendarID, Kind: att.CalendarKind}
		gw, err := b.resolver.GatewayFor(ctx, att)
		if err != nil {
			cs.Error = fmt.Sprintf("resolve gateway: %v", err)
			snap.Calendars = append(snap.Calendars, cs)
			continue
		}
		result, err := gw.ListEvents(ctx, att.CalendarID, "")
		if err != nil {
			cs.Error = fmt.Sprintf("list events: %v", err)
			snap.Calendars = append(snap.Calendars, cs)
			continue
		}
		for _, ev := range result.Events {
			if ev.Status == "cancelled" || !gateway.IsOurEvent(ev, b.syncTag) {
				continue
			}
			cs.Events = append(cs.Events, toSnapshotEvent(ev))
		}
		snap.Calendars = append(snap.Calendars, cs)
	}

	return snap
}

func writeArchive(path string, meta Metadata, dbDumpPath string, snapshots []UserSnapshot) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeZipEntry(zw, "metadata.json", metaBytes); err != nil {
		return err
	}

	dbBytes, err := os.ReadFile(dbDumpPath)
	if err != nil {
		return fmt.Errorf("read db dump: %w", err)
	}
	if err := writeZipEntry(zw, "database.db", dbBytes); err != nil {
		return err
	}

	for _, snap := range snapshots {
		snapBytes, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal snapshot for user %s: %w", snap.UserID, err)
		}
		if err := writeZipEntry(zw, "snapshots/"+snap.UserID+".json", snapBytes); err != nil {
			return err
		}
	}

	return nil
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

// ListBackups enumerates every archive in Backup's directory, newest
// first, reading just its metadata.json.
func (b *Backup) ListBackups() ([]Metadata, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", b.dir, err)
	}

	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".zip" {
			continue
		}
		meta, err := readMetadata(filepath.Join(b.dir, e.Name()))
		if err != nil {
			log.Printf("[Backup] read metadata from %s: %v", e.Name(), err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func readMetadata(archivePath string) (Metadata, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return Metadata{}, err
	}
	defer zr.Close()

	f, err := zr.Open("metadata.json")
	if err != nil {
		return Metadata{}, fmt.Errorf("archive missing metadata.json: %w", err)
	}
	defer f.Close()

	var meta Metadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata.json: %w", err)
	}
	return meta, nil
}

// DeleteBackup removes one archive by id.
func (b *Backup) DeleteBackup(backupID string) error {
	path := filepath.Join(b.dir, backupID+".zip")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

type backupFile struct {
	id      string
	path    string
	modTime time.Time
}

// classifyBackup buckets a snapshot by the date it was taken: the first
// of the month is "monthly", a Sunday is "weekly", everything else is
// "daily" -- the same day==1 / weekday==Sunday / else precedence as
// _classify_backup.
func classifyBackup(modTime time.Time) string {
	switch {
	case modTime.Day() == 1:
		return "monthly"
	case modTime.Weekday() == time.Sunday:
		return "weekly"
	default:
		return "daily"
	}
}

// PruneOldBackups first drops any archive older than the configured
// absolute retention window, then applies the daily/weekly/monthly
// classification to what remains, keeping only the newest KeepDaily/
// KeepWeekly/KeepMonthly of each bucket.
func (b *Backup) PruneOldBackups() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", b.dir, err)
	}

	cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
	buckets := map[string][]backupFile{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".zip" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(b.dir, e.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("[Backup] remove expired archive %s: %v", path, err)
				continue
			}
			log.Printf("[Backup] removed expired archive %s (past retention window)", path)
			continue
		}
		class := classifyBackup(info.ModTime())
		buckets[class] = append(buckets[class], backupFile{
			id:      strings.TrimSuffix(e.Name(), ".zip"),
			path:    filepath.Join(b.dir, e.Name()),
			modTime: info.ModTime(),
		})
	}

	keep := map[string]int{"daily": KeepDaily, "weekly": KeepWeekly, "monthly": KeepMonthly}
	for class, files := range buckets {
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
		n := keep[class]
		if n > len(files) {
			n = len(files)
		}
		for _, f := range files[n:] {
			if err := os.Remove(f.path); err != nil {
				log.Printf("[Backup] remove surplus %s archive %s: %v", class, f.path, err)
				continue
			}
			log.Printf("[Backup] removed surplus %s archive %s", class, f.path)
		}
	}
	return nil
}

// ApplyStartupRestore implements the startup catastrophic-recovery path:
// if zipPath names an archive produced by CreateBackup and no database
// file exists yet at dbPath, validate the archive contains metadata.json
// and database.db, then extract database.db into place before the store
// is opened. It never overwrites an existing database -- restoring over
// live data is an explicit operator action (remove or rename dbPath
// first), not an automatic one.
func ApplyStartupRestore(zipPath, dbPath string) error {
	if zipPath == "" {
		return nil
	}

	if _, err := os.Stat(dbPath); err == nil {
		log.Printf("restore requested from %s but %s already exists; skipping", zipPath, dbPath)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dbPath, err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer zr.Close()

	if _, err := zr.Open("metadata.json"); err != nil {
		return fmt.Errorf("archive %s missing metadata.json: %w", zipPath, err)
	}
	dbEntry, err := zr.Open("database.db")
	if err != nil {
		return fmt.Errorf("archive %s missing database.db: %w", zipPath, err)
	}
	defer dbEntry.Close()

	log.Printf("Restoring database from archive %s", zipPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	dst, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create database file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, dbEntry); err != nil {
		return fmt.Errorf("extract database.db into place: %w", err)
	}

	log.Println("Database restored from archive; verify consistency before resuming writes")
	return nil
}

// RestoreFromBackup is the restore_from_backup(...) trigger operation
// (§6): for each targeted user (every user recorded in the archive's
// metadata, if userIDs is empty) it diffs the archive's recorded
// snapshot for each of the user's calendars against that calendar's
// current live state and applies the difference -- creating events the
// remote is missing, updating ones that drifted, and deleting
// engine-managed events the archive no longer lists. Any event recreated
// under a new remote id has that id remapped back into the owning
// event_mappings/busy_blocks row so the Mapping Store stays consistent
// with the restored remote state. Under dryRun, every action is computed
// and reported but no write (remote or local) is made.
func (b *Backup) RestoreFromBackup(ctx context.Context, backupID string, userIDs []string, dryRun bool) (*Result, error) {
	archivePath := filepath.Join(b.dir, backupID+".zip")
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	meta, err := readMetadata(archivePath)
	if err != nil {
		return nil, err
	}

	targets := userIDs
	if len(targets) == 0 {
		targets = meta.UserIDsSnapshotted
	}

	var actions []Action
	for _, userID := range targets {
		snap, err := readUserSnapshot(&zr.Reader, userID)
		if err != nil {
			log.Printf("[Backup] restore %s: %v", userID, err)
			continue
		}
		userActions, err := b.restoreUser(ctx, snap, dryRun)
		if err != nil {
			log.Printf("[Backup] restore user %s from %s: %v", userID, backupID, err)
			continue
		}
		actions = append(actions, userActions...)
	}

	return &Result{BackupID: backupID, Path: archivePath, Actions: actions}, nil
}

func readUserSnapshot(zr *zip.Reader, userID string) (UserSnapshot, error) {
	f, err := zr.Open("snapshots/" + userID + ".json")
	if err != nil {
		return UserSnapshot{}, fmt.Errorf("archive missing snapshot for user %s: %w", userID, err)
	}
	defer f.Close()

	var snap UserSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return UserSnapshot{}, fmt.Errorf("decode snapshot for user %s: %w", userID, err)
	}
	return snap, nil
}

// restoreUser reconciles every calendar recorded in a user's snapshot
// against its current live state, then writes back any id remap the
// reconciliation produced.
func (b *Backup) restoreUser(ctx context.Context, snap UserSnapshot, dryRun bool) ([]Action, error) {
	var actions []Action
	for _, cs := range snap.Calendars {
		if cs.Error != "" {
			log.Printf("[Backup] skipping restore of %s calendar %s: archived with snapshot error: %s", snap.UserID, cs.CalendarID, cs.Error)
			continue
		}

		att, err := b.store.GetAttachmentByCalendar(snap.UserID, cs.CalendarID)
		if err != nil {
			log.Printf("[Backup] restore calendar %s for user %s: %v", cs.CalendarID, snap.UserID, err)
			continue
		}
		gw, err := b.resolver.GatewayFor(ctx, att)
		if err != nil {
			log.Printf("[Backup] restore calendar %s for user %s: resolve gateway: %v", cs.CalendarID, snap.UserID, err)
			continue
		}

		calActions, remap, err := b.diffAndApply(ctx, gw, cs.CalendarID, cs.Events, dryRun)
		if err != nil {
			log.Printf("[Backup] restore calendar %s for user %s: %v", cs.CalendarID, snap.UserID, err)
			continue
		}
		actions = append(actions, calActions...)

		if !dryRun {
			b.applyIDRemap(snap.UserID, cs.CalendarID, remap)
		}
	}
	return actions, nil
}

// diffAndApply compares a calendar's archived event list against its
// current live state and applies the difference. Deletes are restricted
// to events still carrying this engine's managed-event marker: an
// unmanaged event absent from the archive is none of this restore's
// business. The returned map is old-archived-id -> newly created
// remote id, for every event that had to be recreated under a new id.
func (b *Backup) diffAndApply(ctx context.Context, gw *gateway.Gateway, calendarID string, expected []SnapshotEvent, dryRun bool) ([]Action, map[string]string, error) {
	live, err := gw.ListEvents(ctx, calendarID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list live events: %w", err)
	}

	liveByID := make(map[string]*calendar.Event, len(live.Events))
	for _, ev := range live.Events {
		liveByID[ev.Id] = ev
	}

	expectedIDs := make(map[string]bool, len(expected))
	var actions []Action
	remap := map[string]string{}

	for _, want := range expected {
		expectedIDs[want.ID] = true
		current, present := liveByID[want.ID]

		switch {
		case !present:
			actions = append(actions, Action{Action: ActionCreate, EventID: want.ID, Summary: want.Summary})
			if dryRun {
				continue
			}
			created, err := gw.CreateEvent(ctx, calendarID, b.syncTag, want.toEvent())
			if err != nil {
				log.Printf("[Backup] recreate event %s on %s: %v", want.ID, calendarID, err)
				continue
			}
			remap[want.ID] = created.Id

		case !eventsMatch(want, current):
			actions = append(actions, Action{Action: ActionUpdate, EventID: want.ID, Summary: want.Summary})
			if dryRun {
				continue
			}
			if _, err := gw.UpdateEvent(ctx, calendarID, want.ID, b.syncTag, want.toEvent()); err != nil {
				log.Printf("[Backup] update event %s on %s: %v", want.ID, calendarID, err)
			}
		}
	}

	for id, ev := range liveByID {
		if expectedIDs[id] || !gateway.IsOurEvent(ev, b.syncTag) {
			continue
		}
		actions = append(actions, Action{Action: ActionDelete, EventID: id, Summary: ev.Summary})
		if dryRun {
			continue
		}
		if err := gw.DeleteEvent(ctx, calendarID, id); err != nil {
			log.Printf("[Backup] delete stray event %s on %s: %v", id, calendarID, err)
		}
	}

	return actions, remap, nil
}

// eventsMatch compares the subset of fields a restore cares about:
// whether the live event still reflects what was archived closely
// enough that no write is needed.
func eventsMatch(want SnapshotEvent, got *calendar.Event) bool {
	if got == nil {
		return false
	}
	if want.Summary != got.Summary || want.Description != got.Description || want.Status != got.Status {
		return false
	}
	return dateTimeEqual(want.Start, got.Start) && dateTimeEqual(want.End, got.End)
}

func dateTimeEqual(a, b *calendar.EventDateTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DateTime == b.DateTime && a.Date == b.Date && a.TimeZone == b.TimeZone
}

// applyIDRemap repoints any Mapping Store row that referenced an
// archived event id recreated under a new id during restore.
func (b *Backup) applyIDRemap(userID, calendarID string, remap map[string]string) {
	for oldID, newID := range remap {
		if mapping, err := b.store.GetLiveMappingByMainEvent(userID, oldID); err == nil {
			if mapping.MainCalendarID != nil && *mapping.MainCalendarID == calendarID {
				if err := b.store.UpdateMappingMainEvent(mapping.ID, newID, calendarID); err != nil {
					log.Printf("[Backup] remap mapping %s main event %s -> %s: %v", mapping.ID, oldID, newID, err)
				}
				continue
			}
		}
		if block, err := b.store.GetBusyBlockByEventID(calendarID, oldID); err == nil {
			if err := b.store.UpdateBusyBlockEventID(block.ID, newID); err != nil {
				log.Printf("[Backup] remap busy block %s event %s -> %s: %v", block.ID, oldID, newID, err)
			}
		}
	}
}
