package activity

import (
	"sync"
	"time"
)

// SyncActivity represents the current state of a sync run against one
// attachment (a client, personal, or main calendar).
type SyncActivity struct {
	AttachmentID    string     `json:"attachment_id"`
	AttachmentLabel string     `json:"attachment_label"`
	Status          string     `json:"status"` // "running", "completed", "partial", "error"
	CurrentCalendar string     `json:"current_calendar,omitempty"`
	TotalCalendars  int        `json:"total_calendars"`
	CalendarsSynced int        `json:"calendars_synced"`
	EventsProcessed int        `json:"events_processed"`
	EventsCreated   int        `json:"events_created"`
	EventsUpdated   int        `json:"events_updated"`
	EventsDeleted   int        `json:"events_deleted"`
	EventsSkipped   int        `json:"events_skipped"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Tracker tracks sync activity across all attachments.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // attachmentID -> activity
	recent         []*SyncActivity          // recently completed syncs
	maxRecentSyncs int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20, // keep last 20 completed syncs
	}
}

// StartSync begins tracking a new sync run for an attachment.
func (t *Tracker) StartSync(attachmentID, attachmentLabel string, totalCalendars int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[attachmentID] = &SyncActivity{
		AttachmentID:    attachmentID,
		AttachmentLabel: attachmentLabel,
		Status:          "running",
		TotalCalendars:  totalCalendars,
		StartedAt:       time.Now(),
	}
}

// UpdateCalendar updates the current calendar being synced.
func (t *Tracker) UpdateCalendar(attachmentID, calendarName string, calendarIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[attachmentID]; exists {
		activity.CurrentCalendar = calendarName
		activity.CalendarsSynced = calendarIndex
	}
}

// UpdateProgress sets absolute sync progress counters.
func (t *Tracker) UpdateProgress(attachmentID string, created, updated, deleted, skipped, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[attachmentID]; exists {
		activity.EventsCreated = created
		activity.EventsUpdated = updated
		activity.EventsDeleted = deleted
		activity.EventsSkipped = skipped
		activity.EventsProcessed = processed
	}
}

// IncrementProgress increments progress counters by the given amounts.
func (t *Tracker) IncrementProgress(attachmentID string, created, updated, deleted, skipped, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[attachmentID]; exists {
		activity.EventsCreated += created
		activity.EventsUpdated += updated
		activity.EventsDeleted += deleted
		activity.EventsSkipped += skipped
		activity.EventsProcessed += processed
	}
}

// FinishSync marks a sync run as completed and moves it into the recent list.
func (t *Tracker) FinishSync(attachmentID string, success bool, message string, errors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[attachmentID]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.Message = message
	activity.Errors = errors
	activity.CurrentCalendar = ""

	if success {
		if len(errors) > 0 {
			activity.Status = "partial"
		} else {
			activity.Status = "completed"
		}
	} else {
		activity.Status = "error"
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	delete(t.active, attachmentID)
}

// GetActive returns all currently active syncs.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		// copy to avoid races with callers mutating the returned value
		cp := *activity
		cp.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &cp)
	}
	return result
}

// GetRecent returns recently completed syncs.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		cp := *activity
		result[i] = &cp
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsAttachmentSyncing returns true if the given attachment is currently syncing.
func (t *Tracker) IsAttachmentSyncing(attachmentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[attachmentID]
	return exists
}
