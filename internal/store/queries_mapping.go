package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMapping records a new origin-to-artifact mapping. Invariant I1:
// (user_id, origin_calendar_id, origin_event_id) is unique for live rows.
func (s *Store) CreateMapping(m *EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	_, err := s.conn.Exec(
		`INSERT INTO event_mappings (
			id, user_id, mapping_kind, origin_calendar_id, origin_event_id,
			origin_recurring_event_id, main_event_id, main_calendar_id,
			is_recurring, deleted_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.MappingKind, m.OriginCalendarID, m.OriginEventID,
		m.OriginRecurringEventID, m.MainEventID, m.MainCalendarID,
		boolToInt(m.IsRecurring), m.DeletedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

const mappingSelectColumns = `id, user_id, mapping_kind, origin_calendar_id, origin_event_id,
	origin_recurring_event_id, main_event_id, main_calendar_id, is_recurring,
	deleted_at, created_at, updated_at`

func scanMapping(row interface{ Scan(dest ...any) error }) (*EventMapping, error) {
	m := &EventMapping{}
	var isRecurring int
	err := row.Scan(
		&m.ID, &m.UserID, &m.MappingKind, &m.OriginCalendarID, &m.OriginEventID,
		&m.OriginRecurringEventID, &m.MainEventID, &m.MainCalendarID, &isRecurring,
		&m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mapping: %w", err)
	}
	m.IsRecurring = isRecurring != 0
	return m, nil
}

func scanMappingRows(rows *sql.Rows) ([]*EventMapping, error) {
	var out []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return out, nil
}

// GetMappingByID returns a mapping by its ID, including soft-deleted rows.
func (s *Store) GetMappingByID(id string) (*EventMapping, error) {
	row := s.conn.QueryRow(`SELECT `+mappingSelectColumns+` FROM event_mappings WHERE id = ?`, id)
	return scanMapping(row)
}

// GetLiveMappingByOrigin returns the non-deleted mapping for a given
// origin event, if any.
func (s *Store) GetLiveMappingByOrigin(userID, originCalendarID, originEventID string) (*EventMapping, error) {
	row := s.conn.QueryRow(
		`SELECT `+mappingSelectColumns+` FROM event_mappings
		 WHERE user_id = ? AND origin_calendar_id = ? AND origin_event_id = ? AND deleted_at IS NULL`,
		userID, originCalendarID, originEventID,
	)
	return scanMapping(row)
}

// GetLiveMappingByMainEvent returns the non-deleted mapping whose
// main_event_id matches, if any -- used to test whether a main-calendar
// event already has (or originates from) an artifact.
func (s *Store) GetLiveMappingByMainEvent(userID, mainEventID string) (*EventMapping, error) {
	row := s.conn.QueryRow(
		`SELECT `+mappingSelectColumns+` FROM event_mappings
		 WHERE user_id = ? AND main_event_id = ? AND deleted_at IS NULL`,
		userID, mainEventID,
	)
	return scanMapping(row)
}

// ListLiveMappingsByUser returns all non-deleted mappings for a user,
// optionally restricted to a mapping kind.
func (s *Store) ListLiveMappingsByUser(userID string, kind MappingKind) ([]*EventMapping, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.conn.Query(
			`SELECT `+mappingSelectColumns+` FROM event_mappings WHERE user_id = ? AND deleted_at IS NULL`,
			userID,
		)
	} else {
		rows, err = s.conn.Query(
			`SELECT `+mappingSelectColumns+` FROM event_mappings WHERE user_id = ? AND mapping_kind = ? AND deleted_at IS NULL`,
			userID, kind,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list mappings by user: %w", err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

// ListLiveMappingsByCalendar returns all non-deleted mappings whose
// origin is the given calendar, for reconciliation sweeps.
func (s *Store) ListLiveMappingsByCalendar(originCalendarID string) ([]*EventMapping, error) {
	rows, err := s.conn.Query(
		`SELECT `+mappingSelectColumns+` FROM event_mappings WHERE origin_calendar_id = ? AND deleted_at IS NULL`,
		originCalendarID,
	)
	if err != nil {
		return nil, fmt.Errorf("list mappings by calendar: %w", err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

// UpdateMappingMainEvent repoints a mapping's main-calendar artifact id,
// used when a stale artifact is recreated (404/410 from the remote).
func (s *Store) UpdateMappingMainEvent(id string, mainEventID, mainCalendarID string) error {
	_, err := s.conn.Exec(
		`UPDATE event_mappings SET main_event_id = ?, main_calendar_id = ?, updated_at = ? WHERE id = ?`,
		mainEventID, mainCalendarID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update mapping main event: %w", err)
	}
	return nil
}

// SoftDeleteMapping marks a recurring-series mapping deleted without
// removing the row, per invariant I3 (recurring deletions are soft so a
// later single-instance restore can still find the parent).
func (s *Store) SoftDeleteMapping(id string) error {
	_, err := s.conn.Exec(
		`UPDATE event_mappings SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete mapping: %w", err)
	}
	return nil
}

// HardDeleteMapping removes a non-recurring mapping row outright; busy
// blocks cascade via the foreign key.
func (s *Store) HardDeleteMapping(id string) error {
	_, err := s.conn.Exec(`DELETE FROM event_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("hard delete mapping: %w", err)
	}
	return nil
}

// DeleteSoftDeletedMappingsOlderThan permanently removes soft-deleted
// recurring mappings past the soft-delete retention window.
func (s *Store) DeleteSoftDeletedMappingsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(
		`DELETE FROM event_mappings WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old soft-deleted mappings: %w", err)
	}
	return res.RowsAffected()
}

// CreateBusyBlock records one remote busy-block artifact belonging to a
// mapping.
func (s *Store) CreateBusyBlock(b *BusyBlock) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = time.Now().UTC()

	_, err := s.conn.Exec(
		`INSERT INTO busy_blocks (id, mapping_id, calendar_id, block_event_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.MappingID, b.CalendarID, b.BlockEventID, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create busy block: %w", err)
	}
	return nil
}

func scanBusyBlock(row interface{ Scan(dest ...any) error }) (*BusyBlock, error) {
	b := &BusyBlock{}
	err := row.Scan(&b.ID, &b.MappingID, &b.CalendarID, &b.BlockEventID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan busy block: %w", err)
	}
	return b, nil
}

// ListBusyBlocksForMapping returns every busy-block artifact for a mapping.
func (s *Store) ListBusyBlocksForMapping(mappingID string) ([]*BusyBlock, error) {
	rows, err := s.conn.Query(
		`SELECT id, mapping_id, calendar_id, block_event_id, created_at FROM busy_blocks WHERE mapping_id = ?`,
		mappingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list busy blocks: %w", err)
	}
	defer rows.Close()

	var out []*BusyBlock
	for rows.Next() {
		b, err := scanBusyBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate busy blocks: %w", err)
	}
	return out, nil
}

// ListOrphanedBusyBlocks returns busy blocks whose mapping row no longer
// exists (left behind by a hard delete that raced the block's own
// creation), for the consistency reconciler's cleanup sweep.
func (s *Store) ListOrphanedBusyBlocks() ([]*BusyBlock, error) {
	rows, err := s.conn.Query(
		`SELECT bb.id, bb.mapping_id, bb.calendar_id, bb.block_event_id, bb.created_at
		 FROM busy_blocks bb
		 LEFT JOIN event_mappings em ON em.id = bb.mapping_id
		 WHERE em.id IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned busy blocks: %w", err)
	}
	defer rows.Close()

	var out []*BusyBlock
	for rows.Next() {
		b, err := scanBusyBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned busy blocks: %w", err)
	}
	return out, nil
}

// DeleteBusyBlock removes one busy-block row after its remote artifact
// has been confirmed deleted (or confirmed already gone via 404/410).
func (s *Store) DeleteBusyBlock(id string) error {
	_, err := s.conn.Exec(`DELETE FROM busy_blocks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete busy block: %w", err)
	}
	return nil
}

// GetBusyBlockByEventID returns the busy block recorded for a given
// remote event on a given calendar, if any -- used by restore's id remap
// to find which row a recreated busy block belongs to.
func (s *Store) GetBusyBlockByEventID(calendarID, blockEventID string) (*BusyBlock, error) {
	row := s.conn.QueryRow(
		`SELECT id, mapping_id, calendar_id, block_event_id, created_at
		 FROM busy_blocks WHERE calendar_id = ? AND block_event_id = ?`,
		calendarID, blockEventID,
	)
	return scanBusyBlock(row)
}

// UpdateBusyBlockEventID repoints a busy block row at a recreated remote
// event id, used by restore's id remap after a busy block is recreated
// on a calendar because the archived id no longer exists there.
func (s *Store) UpdateBusyBlockEventID(id, blockEventID string) error {
	_, err := s.conn.Exec(`UPDATE busy_blocks SET block_event_id = ? WHERE id = ?`, blockEventID, id)
	if err != nil {
		return fmt.Errorf("update busy block event id: %w", err)
	}
	return nil
}

// ListSoftDeletedMappingsWithBusyBlocks returns soft-deleted mappings that
// still have one or more live busy_blocks rows, for the consistency
// reconciler's cleanup sweep: a soft delete retires the origin/main-copy
// relationship but a busy block mirrored onto another calendar is a
// separate remote artifact that must be deleted in its own right.
func (s *Store) ListSoftDeletedMappingsWithBusyBlocks() ([]*EventMapping, error) {
	rows, err := s.conn.Query(
		`SELECT DISTINCT em.id, em.user_id, em.mapping_kind, em.origin_calendar_id, em.origin_event_id,
			em.origin_recurring_event_id, em.main_event_id, em.main_calendar_id, em.is_recurring,
			em.deleted_at, em.created_at, em.updated_at
		 FROM event_mappings em
		 JOIN busy_blocks bb ON bb.mapping_id = em.id
		 WHERE em.deleted_at IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("list soft-deleted mappings with busy blocks: %w", err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}
