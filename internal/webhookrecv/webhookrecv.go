// Package webhookrecv implements the push-notification receiver for
// Google Calendar's channel-based webhooks (§6): verify the channel
// token and resource id, then hand the affected calendar off to the
// scheduler for an out-of-cycle sync. Google never puts event data in
// the notification itself -- it is only a hint to go fetch the change.
package webhookrecv

import (
	"crypto/hmac"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncio/calsync-core/internal/store"
)

// Trigger is the subset of *scheduler.Scheduler this package depends on,
// narrowed to an interface so it can be tested without a real Scheduler.
type Trigger interface {
	TriggerAttachmentSync(attachmentID string)
}

// Handler holds the dependencies the receiver needs to validate and act
// on an incoming push notification.
type Handler struct {
	store   *store.Store
	trigger Trigger
}

// New builds a Handler.
func New(st *store.Store, trigger Trigger) *Handler {
	return &Handler{store: st, trigger: trigger}
}

// ReceiveGoogleCalendar handles POST /webhooks/google-calendar. It always
// responds 200 unless the channel id header is entirely absent, matching
// Google's expectation that a webhook endpoint acknowledge receipt even
// when the notification turns out to be stale or unverifiable -- a
// non-2xx response just makes Google retry the same notification.
func (h *Handler) ReceiveGoogleCalendar(c *gin.Context) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	channelToken := c.GetHeader("X-Goog-Channel-Token")
	resourceID := c.GetHeader("X-Goog-Resource-ID")
	resourceState := c.GetHeader("X-Goog-Resource-State")

	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing channel id"})
		return
	}

	if resourceState == "sync" {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	channel, err := h.store.GetWebhookChannelByChannelID(channelID)
	if err != nil {
		// Unknown channel: acknowledge anyway so Google stops retrying a
		// notification for a channel we've already torn down.
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "unknown channel"})
		return
	}

	if channel.ChannelToken != "" && !hmac.Equal([]byte(channel.ChannelToken), []byte(channelToken)) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "token mismatch"})
		return
	}

	if resourceID != "" && channel.ResourceID != "" && resourceID != channel.ResourceID {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "resource mismatch"})
		return
	}

	if time.Now().After(channel.Expiration) {
		_ = h.store.DeleteWebhookChannel(channel.ID) //nolint:errcheck // best-effort cleanup; webhook_renewal only renews channels that still have a row, so none is re-registered here
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "channel expired"})
		return
	}

	h.trigger.TriggerAttachmentSync(channel.AttachmentID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes wires the receiver onto an existing gin router group.
func RegisterRoutes(rg *gin.RouterGroup, h *Handler) {
	rg.POST("/google-calendar", h.ReceiveGoogleCalendar)
}
