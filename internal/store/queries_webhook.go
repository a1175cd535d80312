package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateWebhookChannel records a newly registered push-notification
// channel for an attachment.
func (s *Store) CreateWebhookChannel(c *WebhookChannel) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.conn.Exec(
		`INSERT INTO webhook_channels (
			id, attachment_id, channel_id, resource_id, channel_token,
			calendar_type, expiration, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AttachmentID, c.ChannelID, c.ResourceID, c.ChannelToken,
		c.CalendarType, c.Expiration, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create webhook channel: %w", err)
	}
	return nil
}

const webhookChannelSelectColumns = `id, attachment_id, channel_id, resource_id, channel_token,
	calendar_type, expiration, created_at`

func scanWebhookChannel(row interface{ Scan(dest ...any) error }) (*WebhookChannel, error) {
	c := &WebhookChannel{}
	err := row.Scan(
		&c.ID, &c.AttachmentID, &c.ChannelID, &c.ResourceID, &c.ChannelToken,
		&c.CalendarType, &c.Expiration, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook channel: %w", err)
	}
	return c, nil
}

// GetWebhookChannelByChannelID looks up a channel by the id Google echoes
// back in push notifications (X-Goog-Channel-ID).
func (s *Store) GetWebhookChannelByChannelID(channelID string) (*WebhookChannel, error) {
	row := s.conn.QueryRow(
		`SELECT `+webhookChannelSelectColumns+` FROM webhook_channels WHERE channel_id = ?`,
		channelID,
	)
	return scanWebhookChannel(row)
}

// GetWebhookChannelByAttachment returns the channel currently registered
// for an attachment, if any.
func (s *Store) GetWebhookChannelByAttachment(attachmentID string) (*WebhookChannel, error) {
	row := s.conn.QueryRow(
		`SELECT `+webhookChannelSelectColumns+` FROM webhook_channels WHERE attachment_id = ?`,
		attachmentID,
	)
	return scanWebhookChannel(row)
}

// ListChannelsExpiringBefore returns channels whose expiration falls
// before cutoff, for the renewal job.
func (s *Store) ListChannelsExpiringBefore(cutoff time.Time) ([]*WebhookChannel, error) {
	rows, err := s.conn.Query(
		`SELECT `+webhookChannelSelectColumns+` FROM webhook_channels WHERE expiration < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	defer rows.Close()

	var out []*WebhookChannel
	for rows.Next() {
		c, err := scanWebhookChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expiring channels: %w", err)
	}
	return out, nil
}

// DeleteWebhookChannel removes a channel row, e.g. after Google reports
// it expired or the attachment is deactivated.
func (s *Store) DeleteWebhookChannel(id string) error {
	_, err := s.conn.Exec(`DELETE FROM webhook_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook channel: %w", err)
	}
	return nil
}

// DeleteWebhookChannelByChannelID removes a channel row addressed by the
// external channel id. The webhook receiver's expiry path deletes by row
// id through DeleteWebhookChannel instead.
func (s *Store) DeleteWebhookChannelByChannelID(channelID string) error {
	_, err := s.conn.Exec(`DELETE FROM webhook_channels WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete webhook channel by channel id: %w", err)
	}
	return nil
}
