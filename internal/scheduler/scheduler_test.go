package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calsyncio/calsync-core/internal/store"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st, nil, nil, nil, nil, nil, Config{
		SyncInterval: time.Hour,
	}, "test-holder")
}

func TestNewInitializesState(t *testing.T) {
	sched := newTestScheduler(t)

	if sched.calLocks == nil {
		t.Error("expected calLocks map to be initialized")
	}
	if sched.attLast == nil {
		t.Error("expected attLast map to be initialized")
	}
	if sched.ctx == nil {
		t.Error("expected context to be initialized")
	}
	if sched.cancel == nil {
		t.Error("expected cancel function to be initialized")
	}
	if sched.started {
		t.Error("expected started to be false initially")
	}
}

func TestConfigPaused(t *testing.T) {
	t.Run("nil GlobalPaused means never paused", func(t *testing.T) {
		cfg := Config{}
		if cfg.paused() {
			t.Error("expected paused() to be false with nil GlobalPaused")
		}
	})

	t.Run("GlobalPaused true is honored", func(t *testing.T) {
		cfg := Config{GlobalPaused: func() bool { return true }}
		if !cfg.paused() {
			t.Error("expected paused() to be true")
		}
	})

	t.Run("GlobalPaused false is honored", func(t *testing.T) {
		cfg := Config{GlobalPaused: func() bool { return false }}
		if cfg.paused() {
			t.Error("expected paused() to be false")
		}
	})
}

func TestCalendarLockSameKeyReused(t *testing.T) {
	sched := newTestScheduler(t)

	lock1 := sched.calendarLock("client:att-1")
	lock2 := sched.calendarLock("client:att-1")
	if lock1 != lock2 {
		t.Error("expected same lock for same key")
	}
}

func TestCalendarLockDifferentKeysDistinct(t *testing.T) {
	sched := newTestScheduler(t)

	lock1 := sched.calendarLock("client:att-1")
	lock2 := sched.calendarLock("main:user-1")
	if lock1 == lock2 {
		t.Error("expected different locks for different keys")
	}
}

func TestCalendarLockTryLockReflectsHolder(t *testing.T) {
	sched := newTestScheduler(t)

	lock := sched.calendarLock("client:att-1")
	if !lock.TryLock() {
		t.Fatal("expected first TryLock to succeed")
	}
	defer lock.Unlock()

	again := sched.calendarLock("client:att-1")
	if again.TryLock() {
		t.Error("expected second TryLock on the same key to fail while held")
	}
}

func TestMarkAndLastSyncedAt(t *testing.T) {
	sched := newTestScheduler(t)

	if _, ok := sched.lastSyncedAt("att-1"); ok {
		t.Error("expected no recorded sync time for unknown attachment")
	}

	now := time.Now()
	sched.markSynced("att-1", now)

	got, ok := sched.lastSyncedAt("att-1")
	if !ok {
		t.Fatal("expected a recorded sync time")
	}
	if !got.Equal(now) {
		t.Errorf("lastSyncedAt = %v, want %v", got, now)
	}
}

func TestAlertPrefsAlwaysNil(t *testing.T) {
	sched := newTestScheduler(t)

	user := &store.User{ID: "user-1", Email: "a@example.com"}
	if prefs := sched.alertPrefs(user); prefs != nil {
		t.Errorf("expected nil alert prefs (no per-user overrides in this schema), got %+v", prefs)
	}
}

func TestStopIdempotentWhenNeverStarted(t *testing.T) {
	sched := newTestScheduler(t)

	sched.Stop()
	sched.Stop()
}

func TestMaintenanceRoutineZeroIntervalIsNoop(t *testing.T) {
	sched := newTestScheduler(t)

	ran := false
	sched.wg.Add(1)
	sched.maintenanceRoutine("noop", "job:noop", 0, func(ctx context.Context) {
		ran = true
	})
	if ran {
		t.Error("expected a zero interval to disable the job entirely")
	}
}

func TestConcurrentCalendarLock(t *testing.T) {
	sched := newTestScheduler(t)

	var wg sync.WaitGroup
	locks := make([]*sync.Mutex, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			locks[idx] = sched.calendarLock("client:shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 50; i++ {
		if locks[i] != locks[0] {
			t.Error("expected all concurrently-created locks for the same key to be identical")
			break
		}
	}
}
