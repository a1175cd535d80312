// Command calsyncd runs the synchronization engine daemon: it loads
// configuration, opens the Mapping Store, wires the Remote Calendar
// Gateway resolver and Sync Engine, starts the scheduler's periodic-sync
// and maintenance jobs, and serves the push-notification receiver and a
// health endpoint over HTTP until told to shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncio/calsync-core/internal/backup"
	"github.com/calsyncio/calsync-core/internal/config"
	"github.com/calsyncio/calsync-core/internal/creds"
	"github.com/calsyncio/calsync-core/internal/crypto"
	"github.com/calsyncio/calsync-core/internal/ingest"
	"github.com/calsyncio/calsync-core/internal/notify"
	"github.com/calsyncio/calsync-core/internal/resolver"
	"github.com/calsyncio/calsync-core/internal/scheduler"
	"github.com/calsyncio/calsync-core/internal/store"
	"github.com/calsyncio/calsync-core/internal/syncengine"
	"github.com/calsyncio/calsync-core/internal/webhookrecv"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting calsyncd...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := backup.ApplyStartupRestore(os.Getenv("RESTORE_FROM_BACKUP"), cfg.Database.Path); err != nil {
		log.Fatalf("Failed to restore database from backup: %v", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	encryptor, err := crypto.New(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	tokenStore := resolver.NewTokenStore(st, encryptor)
	credMgr := creds.New(
		cfg.Google.ClientID,
		cfg.Google.ClientSecret,
		cfg.Google.RedirectURL,
		resolver.Scopes,
		tokenStore,
	)

	gatewayResolver := resolver.New(st, credMgr, encryptor)

	engine := syncengine.New(st, gatewayResolver, syncengine.Config{
		ManagedEventPrefix:     cfg.Sync.ManagedEventPrefix,
		SyncTag:                cfg.Sync.CalendarSyncTag,
		BusyBlockTitle:         cfg.Sync.BusyBlockTitle,
		PersonalBusyBlockTitle: cfg.Sync.PersonalBusyBlockTitle,
	})

	ingestor := ingest.New(st, engine)

	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alert.WebhookEnabled,
		WebhookURL:     cfg.Alert.WebhookURL,
		EmailEnabled:   cfg.Alert.EmailEnabled,
		SMTPHost:       cfg.Alert.SMTPHost,
		SMTPPort:       cfg.Alert.SMTPPort,
		SMTPUsername:   cfg.Alert.SMTPUsername,
		SMTPPassword:   cfg.Alert.SMTPPassword,
		SMTPFrom:       cfg.Alert.SMTPFrom,
		SMTPTo:         cfg.Alert.SMTPTo,
		SMTPTLS:        cfg.Alert.SMTPTLS,
		CooldownPeriod: cfg.Alert.CooldownPeriod,
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %v)",
			cfg.Alert.WebhookEnabled, cfg.Alert.EmailEnabled, cfg.Alert.CooldownPeriod)
	}

	holder := schedulerHolderID()

	webhookCallbackURL := ""
	if cfg.Server.BaseURL != "" {
		webhookCallbackURL = cfg.Server.BaseURL + "/webhooks/google-calendar"
	}

	schedCfg := scheduler.Config{
		SyncInterval:              time.Duration(cfg.Sync.SyncIntervalMinutes) * time.Minute,
		WebhookRenewal:            time.Duration(cfg.Sync.WebhookRenewalHours) * time.Hour,
		ConsistencyCheck:          time.Duration(cfg.Sync.ConsistencyCheckHours) * time.Hour,
		TokenRefresh:              time.Duration(cfg.Sync.TokenRefreshMinutes) * time.Minute,
		AlertProcess:              time.Duration(cfg.Sync.AlertProcessMinutes) * time.Minute,
		BackupInterval:            24 * time.Hour,
		RetentionCleanup:          24 * time.Hour,
		EventRetentionDays:        cfg.Sync.EventRetentionDays,
		RecurringSoftDeleteDays:   cfg.Sync.RecurringSoftDeleteDays,
		DisconnectedRetentionDays: cfg.Sync.DisconnectedRetentionDays,
		WebhookCallbackURL:        webhookCallbackURL,
		BackupPath:                cfg.Database.BackupPath,
		BackupRetentionDays:       cfg.Database.BackupRetentionDays,
		SyncTag:                   cfg.Sync.CalendarSyncTag,
		GlobalPaused:              func() bool { return cfg.Sync.SyncPaused },
	}

	sched := scheduler.New(st, ingestor, gatewayResolver, credMgr, notifier, engine, schedCfg, holder)
	sched.Start()

	webhookHandler := webhookrecv.New(st, sched)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := st.Conn().PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := router.Group("/webhooks")
	webhookrecv.RegisterRoutes(webhooks, webhookHandler)

	addr := fmt.Sprintf(":%d", cfg.Server.HealthPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("calsyncd stopped")
}

// schedulerHolderID identifies this process for DB-backed job-lock
// ownership: hostname+pid, stable for the process's lifetime and (bar
// hostname collisions across distinct hosts sharing one pid) unique
// across concurrently running processes.
func schedulerHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
