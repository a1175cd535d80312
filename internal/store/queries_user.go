package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateUser returns an existing user by email or creates a new one.
func (s *Store) GetOrCreateUser(email, displayName string) (*User, error) {
	user, err := s.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &User{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.conn.Exec(
		`INSERT INTO users (id, email, display_name, main_calendar_id, sync_paused, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, 0, ?, ?)`,
		user.ID, user.Email, user.DisplayName, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*User, error) {
	u := &User{}
	var syncPaused int
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.MainCalendarID, &syncPaused, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.SyncPaused = syncPaused != 0
	return u, nil
}

const userSelectColumns = `id, email, display_name, main_calendar_id, sync_paused, created_at, updated_at`

// GetUserByEmail returns a user by their email address.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.conn.QueryRow(`SELECT `+userSelectColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByID returns a user by their ID.
func (s *Store) GetUserByID(id string) (*User, error) {
	row := s.conn.QueryRow(`SELECT `+userSelectColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// SetMainCalendarID records the identifier of the user's main calendar.
func (s *Store) SetMainCalendarID(userID, calendarID string) error {
	_, err := s.conn.Exec(
		`UPDATE users SET main_calendar_id = ?, updated_at = ? WHERE id = ?`,
		calendarID, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("set main calendar id: %w", err)
	}
	return nil
}

// SetSyncPaused sets or clears the sync_paused flag, e.g. after a restore
// leaves a user's calendars in a state requiring operator review.
func (s *Store) SetSyncPaused(userID string, paused bool) error {
	_, err := s.conn.Exec(
		`UPDATE users SET sync_paused = ?, updated_at = ? WHERE id = ?`,
		boolToInt(paused), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("set sync paused: %w", err)
	}
	return nil
}

// ListUsersWithMainCalendar returns all users who have completed setup
// (i.e. have a main calendar attached), for consistency-check sweeps.
func (s *Store) ListUsersWithMainCalendar() ([]*User, error) {
	rows, err := s.conn.Query(`SELECT ` + userSelectColumns + ` FROM users WHERE main_calendar_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
