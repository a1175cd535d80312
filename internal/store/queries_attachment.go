package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAttachment attaches a remote calendar to a user under a credential.
func (s *Store) CreateAttachment(a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if !a.IsActive {
		a.IsActive = true
	}

	_, err := s.conn.Exec(
		`INSERT INTO attachments (
			id, user_id, credential_id, calendar_id, calendar_kind, color_id,
			source_label, is_active, sync_token, last_synced_at, disconnected_at,
			consecutive_failures, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.CredentialID, a.CalendarID, a.CalendarKind, a.ColorID,
		a.SourceLabel, boolToInt(a.IsActive), a.SyncToken, a.LastSyncedAt, a.DisconnectedAt,
		a.ConsecutiveFailures, a.LastError, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

const attachmentSelectColumns = `id, user_id, credential_id, calendar_id, calendar_kind, color_id,
	source_label, is_active, sync_token, last_synced_at, disconnected_at, consecutive_failures,
	last_error, created_at, updated_at`

func scanAttachment(row interface{ Scan(dest ...any) error }) (*Attachment, error) {
	a := &Attachment{}
	var isActive int
	err := row.Scan(
		&a.ID, &a.UserID, &a.CredentialID, &a.CalendarID, &a.CalendarKind, &a.ColorID,
		&a.SourceLabel, &isActive, &a.SyncToken, &a.LastSyncedAt, &a.DisconnectedAt,
		&a.ConsecutiveFailures, &a.LastError, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	a.IsActive = isActive != 0
	return a, nil
}

// GetAttachmentByID returns an attachment by its ID.
func (s *Store) GetAttachmentByID(id string) (*Attachment, error) {
	row := s.conn.QueryRow(`SELECT `+attachmentSelectColumns+` FROM attachments WHERE id = ?`, id)
	return scanAttachment(row)
}

// GetAttachmentByCalendar returns an attachment by (user, calendar id).
func (s *Store) GetAttachmentByCalendar(userID, calendarID string) (*Attachment, error) {
	row := s.conn.QueryRow(
		`SELECT `+attachmentSelectColumns+` FROM attachments WHERE user_id = ? AND calendar_id = ?`,
		userID, calendarID,
	)
	return scanAttachment(row)
}

// ListActiveAttachments returns all active attachments across all users,
// for the scheduler's periodic sync job enumeration.
func (s *Store) ListActiveAttachments() ([]*Attachment, error) {
	rows, err := s.conn.Query(`SELECT ` + attachmentSelectColumns + ` FROM attachments WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active attachments: %w", err)
	}
	defer rows.Close()
	return scanAttachmentRows(rows)
}

// ListActiveAttachmentsByUser returns a user's active attachments.
func (s *Store) ListActiveAttachmentsByUser(userID string) ([]*Attachment, error) {
	rows, err := s.conn.Query(
		`SELECT `+attachmentSelectColumns+` FROM attachments WHERE user_id = ? AND is_active = 1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active attachments by user: %w", err)
	}
	defer rows.Close()
	return scanAttachmentRows(rows)
}

// ListActiveAttachmentsByKind returns a user's active attachments of a
// given calendar kind (e.g. all client calendars, excluding main/personal).
func (s *Store) ListActiveAttachmentsByKind(userID string, kind CalendarKind) ([]*Attachment, error) {
	rows, err := s.conn.Query(
		`SELECT `+attachmentSelectColumns+` FROM attachments WHERE user_id = ? AND calendar_kind = ? AND is_active = 1`,
		userID, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("list active attachments by kind: %w", err)
	}
	defer rows.Close()
	return scanAttachmentRows(rows)
}

func scanAttachmentRows(rows *sql.Rows) ([]*Attachment, error) {
	var out []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

// UpdateSyncToken persists the cursor returned by the most recent list
// call for incremental sync.
func (s *Store) UpdateSyncToken(attachmentID string, token *string) error {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`UPDATE attachments SET sync_token = ?, last_synced_at = ?, updated_at = ? WHERE id = ?`,
		token, now, now, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("update sync token: %w", err)
	}
	return nil
}

// ClearSyncToken forces the next sync to perform a full resync, used
// after a sync-token-expired (410) response or a database restore.
func (s *Store) ClearSyncToken(attachmentID string) error {
	return s.UpdateSyncToken(attachmentID, nil)
}

// RecordAttachmentFailure bumps an attachment's consecutive-failure
// counter and records the latest error, without touching sync_token:
// a batch with any per-event failure must leave the cursor where it was
// so the next run retries from the same point.
func (s *Store) RecordAttachmentFailure(attachmentID, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`UPDATE attachments SET consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("record attachment failure: %w", err)
	}
	return nil
}

// ClearAttachmentFailures resets an attachment's failure streak after a
// batch completes with zero per-event failures.
func (s *Store) ClearAttachmentFailures(attachmentID string) error {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`UPDATE attachments SET consecutive_failures = 0, last_error = NULL, updated_at = ? WHERE id = ?`,
		now, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("clear attachment failures: %w", err)
	}
	return nil
}

// DeactivateAttachment marks an attachment inactive (calendar detached by
// the user or found unreachable), stamping disconnected_at for the
// disconnected-calendar retention sweep.
func (s *Store) DeactivateAttachment(attachmentID string) error {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`UPDATE attachments SET is_active = 0, disconnected_at = ?, updated_at = ? WHERE id = ?`,
		now, now, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("deactivate attachment: %w", err)
	}
	return nil
}

// DeleteAttachmentsDisconnectedBefore permanently removes attachments
// that have been inactive past the retention window.
func (s *Store) DeleteAttachmentsDisconnectedBefore(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(
		`DELETE FROM attachments WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete disconnected attachments: %w", err)
	}
	return res.RowsAffected()
}
