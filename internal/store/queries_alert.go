package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordMalformedEvent persists a remote event that failed to parse or
// translate, for operator visibility instead of a silent skip.
func (s *Store) RecordMalformedEvent(m *MalformedEvent) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.DiscoveredAt = time.Now().UTC()

	_, err := s.conn.Exec(
		`INSERT INTO malformed_events (id, attachment_id, event_id, error_message, discovered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.AttachmentID, m.EventID, m.ErrorMessage, m.DiscoveredAt,
	)
	if err != nil {
		return fmt.Errorf("record malformed event: %w", err)
	}
	return nil
}

// ListMalformedEventsByAttachment returns malformed-event records for an
// attachment, newest first.
func (s *Store) ListMalformedEventsByAttachment(attachmentID string) ([]*MalformedEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, attachment_id, event_id, error_message, discovered_at
		 FROM malformed_events WHERE attachment_id = ? ORDER BY discovered_at DESC`,
		attachmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list malformed events: %w", err)
	}
	defer rows.Close()

	var out []*MalformedEvent
	for rows.Next() {
		m := &MalformedEvent{}
		if err := rows.Scan(&m.ID, &m.AttachmentID, &m.EventID, &m.ErrorMessage, &m.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan malformed event: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate malformed events: %w", err)
	}
	return out, nil
}

// RecordAlert inserts a pending alert row (sent_at NULL until dispatched).
func (s *Store) RecordAlert(a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.conn.Exec(
		`INSERT INTO alerts (id, user_id, alert_type, subject, message, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.AlertType, a.Subject, a.Message, a.SentAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// MarkAlertSent stamps sent_at on a dispatched alert.
func (s *Store) MarkAlertSent(id string) error {
	_, err := s.conn.Exec(`UPDATE alerts SET sent_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// LastAlertTime returns the most recent created_at for a given subject
// (e.g. "stale:<attachment_id>"), used to enforce the cooldown window.
// It returns the zero time and ErrNotFound if no prior alert exists.
func (s *Store) LastAlertTime(subject string) (time.Time, error) {
	row := s.conn.QueryRow(
		`SELECT created_at FROM alerts WHERE subject = ? ORDER BY created_at DESC LIMIT 1`,
		subject,
	)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last alert time: %w", err)
	}
	return t, nil
}
