package webhookrecv

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncio/calsync-core/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTrigger struct {
	calledWith string
	calls      int
}

func (f *fakeTrigger) TriggerAttachmentSync(attachmentID string) {
	f.calledWith = attachmentID
	f.calls++
}

func setupTestHandler(t *testing.T) (*Handler, *fakeTrigger, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	trigger := &fakeTrigger{}
	return New(st, trigger), trigger, st
}

func doRequest(h *Handler, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google-calendar", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req
	h.ReceiveGoogleCalendar(c)
	return w
}

func TestReceiveGoogleCalendarMissingChannelIDIs400(t *testing.T) {
	h, _, _ := setupTestHandler(t)
	w := doRequest(h, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestReceiveGoogleCalendarSyncMessageIsAcked(t *testing.T) {
	h, trigger, _ := setupTestHandler(t)
	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Resource-State": "sync",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 0 {
		t.Error("expected a sync handshake message not to trigger a sync")
	}
}

func TestReceiveGoogleCalendarUnknownChannelIsAcked(t *testing.T) {
	h, trigger, _ := setupTestHandler(t)
	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "unknown-channel",
		"X-Goog-Resource-State": "exists",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 0 {
		t.Error("expected an unknown channel not to trigger a sync")
	}
}

func seedChannel(t *testing.T, st *store.Store, attachmentID, channelID, token, resourceID string, expiration time.Time) {
	t.Helper()
	if err := st.CreateWebhookChannel(&store.WebhookChannel{
		AttachmentID: attachmentID,
		ChannelID:    channelID,
		ResourceID:   resourceID,
		ChannelToken: token,
		CalendarType: store.CalendarKindClient,
		Expiration:   expiration,
	}); err != nil {
		t.Fatalf("CreateWebhookChannel: %v", err)
	}
}

func TestReceiveGoogleCalendarTokenMismatchIsAcked(t *testing.T) {
	h, trigger, st := setupTestHandler(t)
	seedChannel(t, st, "att-1", "chan-1", "real-token", "res-1", time.Now().Add(time.Hour))

	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Channel-Token":  "wrong-token",
		"X-Goog-Resource-ID":    "res-1",
		"X-Goog-Resource-State": "exists",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 0 {
		t.Error("expected a token mismatch not to trigger a sync")
	}
}

func TestReceiveGoogleCalendarResourceMismatchIsAcked(t *testing.T) {
	h, trigger, st := setupTestHandler(t)
	seedChannel(t, st, "att-1", "chan-1", "real-token", "res-1", time.Now().Add(time.Hour))

	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Channel-Token":  "real-token",
		"X-Goog-Resource-ID":    "res-2",
		"X-Goog-Resource-State": "exists",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 0 {
		t.Error("expected a resource mismatch not to trigger a sync")
	}
}

func TestReceiveGoogleCalendarExpiredChannelIsRemoved(t *testing.T) {
	h, trigger, st := setupTestHandler(t)
	seedChannel(t, st, "att-1", "chan-1", "real-token", "res-1", time.Now().Add(-time.Hour))

	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Channel-Token":  "real-token",
		"X-Goog-Resource-ID":    "res-1",
		"X-Goog-Resource-State": "exists",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 0 {
		t.Error("expected an expired channel not to trigger a sync")
	}
	if _, err := st.GetWebhookChannelByChannelID("chan-1"); err == nil {
		t.Error("expected expired channel to be deleted")
	}
}

func TestReceiveGoogleCalendarValidNotificationTriggersSync(t *testing.T) {
	h, trigger, st := setupTestHandler(t)
	seedChannel(t, st, "att-1", "chan-1", "real-token", "res-1", time.Now().Add(time.Hour))

	w := doRequest(h, map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Channel-Token":  "real-token",
		"X-Goog-Resource-ID":    "res-1",
		"X-Goog-Resource-State": "exists",
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if trigger.calls != 1 {
		t.Fatalf("expected exactly one triggered sync, got %d", trigger.calls)
	}
	if trigger.calledWith != "att-1" {
		t.Errorf("triggered sync for attachment %q, want %q", trigger.calledWith, "att-1")
	}
}
