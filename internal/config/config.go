// Package config assembles runtime configuration for calsyncd from the
// environment, following the enumerated configuration surface of the
// synchronization engine (sync intervals, retention TTLs, managed-event
// markers, alert transport settings).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be at least 32 bytes")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Google   GoogleConfig
	Security SecurityConfig
	Database DatabaseConfig
	Sync     SyncConfig
	Alert    AlertConfig
}

// ServerConfig holds process/HTTP-adjacent configuration.
type ServerConfig struct {
	HealthPort  int
	BaseURL     string
	Environment Environment
}

// GoogleConfig holds the OAuth application credentials used by the Remote
// Calendar Gateway to authenticate against the Google Calendar API.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path                string
	BackupPath          string
	BackupRetentionDays int
}

// SyncConfig holds the enumerated sync/job configuration surface.
type SyncConfig struct {
	SyncPaused bool

	SyncIntervalMinutes       int
	WebhookRenewalHours       int
	ConsistencyCheckHours     int
	TokenRefreshMinutes       int
	AlertProcessMinutes       int
	EventRetentionDays        int
	RecurringSoftDeleteDays   int
	DisconnectedRetentionDays int

	ManagedEventPrefix     string
	CalendarSyncTag        string
	BusyBlockTitle         string
	PersonalBusyBlockTitle string

	DefaultColorPalette []string

	TestMode                    bool
	TestModeAllowedHomeEmails   map[string]bool
	TestModeAllowedClientEmails map[string]bool
}

// AlertConfig holds alert-transport and dedup settings.
type AlertConfig struct {
	WebhookEnabled bool
	WebhookURL     string

	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	// CooldownPeriod is the alert-dedup window (recipient+subject),
	// promoted to configuration to resolve the open question on alert
	// deduplication windows.
	CooldownPeriod time.Duration
}

// Load loads configuration from environment variables, optionally seeded
// from a .env file (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	healthPort, err := getEnvInt("HEALTH_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: HEALTH_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.HealthPort = healthPort
	cfg.Server.BaseURL = getEnv("BASE_URL", "")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", "")
	cfg.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", "")
	cfg.Google.RedirectURL = getEnv("GOOGLE_REDIRECT_URL", "")

	encKey, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}
	cfg.Security.EncryptionKey = encKey

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")
	cfg.Database.BackupPath = getEnv("BACKUP_PATH", "./data/backups")
	backupRetentionDays, err := getEnvInt("BACKUP_RETENTION_DAYS", 14)
	if err != nil {
		return nil, fmt.Errorf("%w: BACKUP_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	cfg.Database.BackupRetentionDays = backupRetentionDays

	if err := loadSyncConfig(&cfg.Sync); err != nil {
		return nil, err
	}
	if err := loadAlertConfig(&cfg.Alert); err != nil {
		return nil, err
	}

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func loadSyncConfig(sc *SyncConfig) error {
	sc.SyncPaused = getEnvBool("SYNC_PAUSED", false)

	var err error
	if sc.SyncIntervalMinutes, err = getEnvInt("SYNC_INTERVAL_MINUTES", 5); err != nil {
		return fmt.Errorf("%w: SYNC_INTERVAL_MINUTES: %w", ErrInvalidConfig, err)
	}
	if sc.WebhookRenewalHours, err = getEnvInt("WEBHOOK_RENEWAL_HOURS", 6); err != nil {
		return fmt.Errorf("%w: WEBHOOK_RENEWAL_HOURS: %w", ErrInvalidConfig, err)
	}
	if sc.ConsistencyCheckHours, err = getEnvInt("CONSISTENCY_CHECK_HOURS", 1); err != nil {
		return fmt.Errorf("%w: CONSISTENCY_CHECK_HOURS: %w", ErrInvalidConfig, err)
	}
	if sc.TokenRefreshMinutes, err = getEnvInt("TOKEN_REFRESH_MINUTES", 30); err != nil {
		return fmt.Errorf("%w: TOKEN_REFRESH_MINUTES: %w", ErrInvalidConfig, err)
	}
	if sc.AlertProcessMinutes, err = getEnvInt("ALERT_PROCESS_MINUTES", 1); err != nil {
		return fmt.Errorf("%w: ALERT_PROCESS_MINUTES: %w", ErrInvalidConfig, err)
	}
	if sc.EventRetentionDays, err = getEnvInt("EVENT_RETENTION_DAYS", 30); err != nil {
		return fmt.Errorf("%w: EVENT_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	if sc.RecurringSoftDeleteDays, err = getEnvInt("RECURRING_SOFT_DELETE_DAYS", 30); err != nil {
		return fmt.Errorf("%w: RECURRING_SOFT_DELETE_DAYS: %w", ErrInvalidConfig, err)
	}
	if sc.DisconnectedRetentionDays, err = getEnvInt("DISCONNECTED_CALENDAR_RETENTION_DAYS", 30); err != nil {
		return fmt.Errorf("%w: DISCONNECTED_CALENDAR_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}

	sc.ManagedEventPrefix = getEnv("MANAGED_EVENT_PREFIX", "[CalSync]")
	sc.CalendarSyncTag = getEnv("CALENDAR_SYNC_TAG", "calendarSyncEngine")
	sc.BusyBlockTitle = getEnv("BUSY_BLOCK_TITLE", "Busy")
	sc.PersonalBusyBlockTitle = getEnv("PERSONAL_BUSY_BLOCK_TITLE", "Busy (Personal)")

	for _, c := range strings.Split(getEnv("DEFAULT_COLOR_PALETTE", "1,2,3,4,5,6,7,8,9,10,11"), ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			sc.DefaultColorPalette = append(sc.DefaultColorPalette, c)
		}
	}

	sc.TestMode = getEnvBool("TEST_MODE", false)
	sc.TestModeAllowedHomeEmails = parseEmailAllowlist(getEnv("TEST_MODE_ALLOWED_HOME_EMAILS", ""))
	sc.TestModeAllowedClientEmails = parseEmailAllowlist(getEnv("TEST_MODE_ALLOWED_CLIENT_EMAILS", ""))

	return nil
}

func loadAlertConfig(ac *AlertConfig) error {
	ac.WebhookEnabled = getEnvBool("ALERT_WEBHOOK_ENABLED", false)
	ac.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")

	ac.EmailEnabled = getEnvBool("ALERT_EMAIL_ENABLED", false)
	ac.SMTPHost = getEnv("SMTP_HOST", "")
	port, err := getEnvInt("SMTP_PORT", 587)
	if err != nil {
		return fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	ac.SMTPPort = port
	ac.SMTPUsername = getEnv("SMTP_USERNAME", "")
	ac.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	ac.SMTPFrom = getEnv("SMTP_FROM", "")
	if to := getEnv("SMTP_TO", ""); to != "" {
		for _, addr := range strings.Split(to, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				ac.SMTPTo = append(ac.SMTPTo, addr)
			}
		}
	}
	ac.SMTPTLS = getEnvBool("SMTP_TLS", true)

	cooldownMinutes, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	ac.CooldownPeriod = time.Duration(cooldownMinutes) * time.Minute

	return nil
}

// loadEncryptionKey loads the 32-byte symmetric key either from
// ENCRYPTION_KEY (hex) or from a file named by ENCRYPTION_KEY_FILE. Only
// trailing '\n'/'\r' bytes are stripped from a file-sourced key -- a
// general whitespace trim could corrupt a binary key.
func loadEncryptionKey() ([]byte, error) {
	if hexKey := getEnv("ENCRYPTION_KEY", ""); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(key) < 32 {
			return nil, ErrEncryptionKeySize
		}
		return key[:32], nil
	}

	keyFile := getEnv("ENCRYPTION_KEY_FILE", "")
	if keyFile == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY or ENCRYPTION_KEY_FILE", ErrMissingConfig)
	}

	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY_FILE: %w", ErrInvalidConfig, err)
	}
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
		raw = raw[:len(raw)-1]
	}
	if len(raw) < 32 {
		return nil, ErrEncryptionKeySize
	}
	return raw[:32], nil
}

var allowlistSplit = regexp.MustCompile(`[,\n;]+`)

// parseEmailAllowlist parses a comma/newline/semicolon separated list of
// email addresses into a normalized lowercase set.
func parseEmailAllowlist(raw string) map[string]bool {
	out := make(map[string]bool)
	if raw == "" {
		return out
	}
	for _, tok := range allowlistSplit.Split(raw, -1) {
		email := strings.ToLower(strings.TrimSpace(tok))
		if email != "" {
			out[email] = true
		}
	}
	return out
}

// getMissingRequired returns the names of required configuration values
// that were not set.
func (c *Config) getMissingRequired() []string {
	var missing []string
	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Google.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.Google.RedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	return missing
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
