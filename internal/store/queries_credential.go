package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCredential stores a new encrypted account credential.
func (s *Store) CreateCredential(c *Credential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.conn.Exec(
		`INSERT INTO credentials (
			id, user_id, provider_account_email, encrypted_refresh_token,
			encrypted_access_token, access_token_expiry, scopes, revoked_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProviderAccountEmail, c.EncryptedRefreshToken,
		c.EncryptedAccessToken, c.AccessTokenExpiry, c.Scopes, c.RevokedAt,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

const credentialSelectColumns = `id, user_id, provider_account_email, encrypted_refresh_token,
	encrypted_access_token, access_token_expiry, scopes, revoked_at, created_at, updated_at`

func scanCredential(row interface{ Scan(dest ...any) error }) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.ProviderAccountEmail, &c.EncryptedRefreshToken,
		&c.EncryptedAccessToken, &c.AccessTokenExpiry, &c.Scopes, &c.RevokedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

// GetCredentialByID returns a credential by its ID.
func (s *Store) GetCredentialByID(id string) (*Credential, error) {
	row := s.conn.QueryRow(`SELECT `+credentialSelectColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// GetCredentialByAccount returns a credential by (user, provider account email).
func (s *Store) GetCredentialByAccount(userID, accountEmail string) (*Credential, error) {
	row := s.conn.QueryRow(
		`SELECT `+credentialSelectColumns+` FROM credentials WHERE user_id = ? AND provider_account_email = ?`,
		userID, accountEmail,
	)
	return scanCredential(row)
}

// UpdateCredentialTokens persists a refreshed access token (and, if
// rotated, refresh token) after the OAuth2 token source refreshes.
func (s *Store) UpdateCredentialTokens(id string, encryptedAccessToken []byte, expiry time.Time, encryptedRefreshToken []byte) error {
	now := time.Now().UTC()
	if len(encryptedRefreshToken) > 0 {
		_, err := s.conn.Exec(
			`UPDATE credentials SET encrypted_access_token = ?, access_token_expiry = ?,
			 encrypted_refresh_token = ?, updated_at = ? WHERE id = ?`,
			encryptedAccessToken, expiry, encryptedRefreshToken, now, id,
		)
		if err != nil {
			return fmt.Errorf("update credential tokens: %w", err)
		}
		return nil
	}
	_, err := s.conn.Exec(
		`UPDATE credentials SET encrypted_access_token = ?, access_token_expiry = ?, updated_at = ? WHERE id = ?`,
		encryptedAccessToken, expiry, now, id,
	)
	if err != nil {
		return fmt.Errorf("update credential tokens: %w", err)
	}
	return nil
}

// MarkCredentialRevoked flags a credential as revoked after the Gateway
// observes an invalid_grant response, so the scheduler can stop retrying
// it and the notifier can raise a token-revoked alert.
func (s *Store) MarkCredentialRevoked(id string) error {
	_, err := s.conn.Exec(
		`UPDATE credentials SET revoked_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark credential revoked: %w", err)
	}
	return nil
}

// DeleteCredential removes a credential; cascades to its attachments.
func (s *Store) DeleteCredential(id string) error {
	_, err := s.conn.Exec(`DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
