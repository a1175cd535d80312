package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HEALTH_PORT", "BASE_URL", "ENVIRONMENT",
		"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL",
		"ENCRYPTION_KEY", "ENCRYPTION_KEY_FILE",
		"DATABASE_PATH", "BACKUP_PATH",
		"SYNC_PAUSED", "SYNC_INTERVAL_MINUTES", "TEST_MODE",
		"TEST_MODE_ALLOWED_HOME_EMAILS", "TEST_MODE_ALLOWED_CLIENT_EMAILS",
		"ALERT_COOLDOWN_MINUTES",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func validHexKey() string {
	return hex.EncodeToString([]byte("01234567890123456789012345678901"))[:64]
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "https://calsync.example.com")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("GOOGLE_REDIRECT_URL", "https://calsync.example.com/oauth2/callback")
	t.Setenv("ENCRYPTION_KEY", validHexKey())
}

func TestLoadMissingRequired(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.HealthPort != 8080 {
		t.Errorf("HealthPort = %d, want 8080", cfg.Server.HealthPort)
	}
	if cfg.Sync.SyncIntervalMinutes != 5 {
		t.Errorf("SyncIntervalMinutes = %d, want 5", cfg.Sync.SyncIntervalMinutes)
	}
	if cfg.Sync.ManagedEventPrefix != "[CalSync]" {
		t.Errorf("ManagedEventPrefix = %q, want [CalSync]", cfg.Sync.ManagedEventPrefix)
	}
	if cfg.Sync.CalendarSyncTag != "calendarSyncEngine" {
		t.Errorf("CalendarSyncTag = %q, want calendarSyncEngine", cfg.Sync.CalendarSyncTag)
	}
	if cfg.Alert.CooldownPeriod.Minutes() != 60 {
		t.Errorf("CooldownPeriod = %v, want 60m", cfg.Alert.CooldownPeriod)
	}
	if !cfg.IsProduction() {
		t.Error("expected default environment to be production")
	}
}

func TestLoadEncryptionKeyTooShort(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("ENCRYPTION_KEY", hex.EncodeToString([]byte("short")))

	_, err := Load()
	if !errors.Is(err, ErrEncryptionKeySize) {
		t.Fatalf("expected ErrEncryptionKeySize, got %v", err)
	}
}

func TestLoadEncryptionKeyFileTrimsOnlyTrailingNewlines(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "https://calsync.example.com")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("GOOGLE_REDIRECT_URL", "https://calsync.example.com/oauth2/callback")

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "encryption.key")
	key := []byte("0123456789abcdef0123456789abcdef\n\r\n")
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	t.Setenv("ENCRYPTION_KEY_FILE", keyPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Security.EncryptionKey) != 32 {
		t.Fatalf("EncryptionKey length = %d, want 32", len(cfg.Security.EncryptionKey))
	}
	if string(cfg.Security.EncryptionKey) != "0123456789abcdef0123456789abcdef" {
		t.Errorf("EncryptionKey = %q, want trailing newline/CR stripped but payload intact", cfg.Security.EncryptionKey)
	}
}

func TestParseEmailAllowlist(t *testing.T) {
	got := parseEmailAllowlist("Alice@Example.com, bob@example.com;carol@example.com\ndave@example.com")
	want := []string{"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(got), len(want), got)
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("missing expected email %q", w)
		}
	}
}

func TestParseEmailAllowlistEmpty(t *testing.T) {
	got := parseEmailAllowlist("")
	if len(got) != 0 {
		t.Errorf("expected empty set, got %v", got)
	}
}
