package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLock attempts to take lockKey for holder with the given lease
// duration. It succeeds if the key is unheld, expired, or already held by
// the same holder (re-entrant renewal); otherwise returns ErrLockHeld.
// This backs the per-calendar/per-job single-flight guarantee alongside
// the in-process sync.Mutex map in the scheduler -- the DB lock is what
// makes that guarantee hold across process restarts and, if ever run
// that way, across multiple scheduler processes sharing one database.
func (s *Store) AcquireLock(lockKey, holder string, lease time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(lease)

	res, err := s.conn.Exec(
		`INSERT INTO job_locks (lock_key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(lock_key) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE job_locks.expires_at < excluded.acquired_at OR job_locks.holder = excluded.holder`,
		lockKey, holder, now, expires,
	)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lock rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseLock drops a lock row, but only if still held by holder, so a
// reclaim-timed-out caller cannot release a lock acquired by whoever
// reclaimed it.
func (s *Store) ReleaseLock(lockKey, holder string) error {
	_, err := s.conn.Exec(`DELETE FROM job_locks WHERE lock_key = ? AND holder = ?`, lockKey, holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock row, if any.
func (s *Store) GetLock(lockKey string) (*JobLock, error) {
	row := s.conn.QueryRow(`SELECT lock_key, holder, acquired_at, expires_at FROM job_locks WHERE lock_key = ?`, lockKey)
	l := &JobLock{}
	err := row.Scan(&l.LockKey, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// DeleteExpiredLocks sweeps locks whose lease has passed, as a backstop
// against a crashed holder that never released.
func (s *Store) DeleteExpiredLocks(now time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM job_locks WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return res.RowsAffected()
}
