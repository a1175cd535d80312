package store

import "time"

// MappingKind distinguishes the three origin shapes an EventMapping can
// represent: a client-calendar event copied to the main calendar, a
// main-calendar event fanned out as busy blocks, and a personal-calendar
// event fanned out as busy blocks only.
type MappingKind string

const (
	MappingKindClientToMain MappingKind = "client_to_main"
	MappingKindMainToClient MappingKind = "main_to_client"
	MappingKindPersonal     MappingKind = "personal"
)

// CalendarKind distinguishes the role an attached calendar plays.
type CalendarKind string

const (
	CalendarKindMain     CalendarKind = "main"
	CalendarKindClient   CalendarKind = "client"
	CalendarKindPersonal CalendarKind = "personal"
)

// AlertType enumerates the alert categories raised by the sync engine.
type AlertType string

const (
	AlertTypeStale         AlertType = "stale"
	AlertTypeRecovery      AlertType = "recovery"
	AlertTypeError         AlertType = "error"
	AlertTypeTokenRevoked  AlertType = "token_revoked"
)

// User is a tenant of the sync engine, identified by their primary email.
type User struct {
	ID             string
	Email          string
	DisplayName    string
	MainCalendarID *string
	SyncPaused     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credential is an encrypted OAuth2 account credential for a remote
// calendar provider account.
type Credential struct {
	ID                    string
	UserID                string
	ProviderAccountEmail  string
	EncryptedRefreshToken []byte
	EncryptedAccessToken  []byte
	AccessTokenExpiry     *time.Time
	Scopes                string
	RevokedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Attachment binds a remote calendar to a user under a credential, with
// its own sync cursor.
type Attachment struct {
	ID                  string
	UserID              string
	CredentialID        string
	CalendarID          string
	CalendarKind        CalendarKind
	ColorID             string
	SourceLabel         string
	IsActive            bool
	SyncToken           *string
	LastSyncedAt        *time.Time
	DisconnectedAt      *time.Time
	ConsecutiveFailures int
	LastError           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EventMapping records the relationship between an origin event and its
// copy/busy-block artifacts on the main calendar.
type EventMapping struct {
	ID                     string
	UserID                 string
	MappingKind            MappingKind
	OriginCalendarID       string
	OriginEventID          string
	OriginRecurringEventID *string
	MainEventID            *string
	MainCalendarID         *string
	IsRecurring            bool
	DeletedAt              *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// BusyBlock records one remote placeholder event created on a client
// calendar to represent time already committed elsewhere.
type BusyBlock struct {
	ID           string
	MappingID    string
	CalendarID   string
	BlockEventID string
	CreatedAt    time.Time
}

// WebhookChannel tracks an active Google Calendar push-notification
// channel for an attachment.
type WebhookChannel struct {
	ID           string
	AttachmentID string
	ChannelID    string
	ResourceID   string
	ChannelToken string
	CalendarType CalendarKind
	Expiration   time.Time
	CreatedAt    time.Time
}

// JobLock is a named mutual-exclusion lease used to serialize scheduler
// work across a single process (and, by construction of the schema,
// would serialize across processes sharing the same database file).
type JobLock struct {
	LockKey    string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// MalformedEvent records a remote event that could not be parsed or
// translated, to be surfaced to operators instead of silently dropped.
type MalformedEvent struct {
	ID           string
	AttachmentID string
	EventID      string
	ErrorMessage string
	DiscoveredAt time.Time
}

// Alert is a persisted record of a notification raised by the sync
// engine, used for cooldown deduplication.
type Alert struct {
	ID        string
	UserID    *string
	AlertType AlertType
	Subject   string
	Message   string
	SentAt    *time.Time
	CreatedAt time.Time
}
