package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// channelLifetime is the lease requested for a push-notification channel.
// Google's hard maximum is 7 days; requesting 6 leaves headroom for the
// renewal job to run before Google would otherwise drop the channel.
const channelLifetime = 6 * 24 * time.Hour

// WatchResult is the outcome of registering a push-notification channel.
type WatchResult struct {
	ChannelID  string
	ResourceID string
	Token      string
	Expiration time.Time
}

// Watch registers a push-notification channel for calendarID, POSTing
// Google's watch request against the given webhook receiver URL.
func (g *Gateway) Watch(ctx context.Context, calendarID, webhookURL string) (*WatchResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("gateway: generate channel token: %w", err)
	}
	channelID := uuid.New().String()
	expiration := time.Now().UTC().Add(channelLifetime)

	channel := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    webhookURL,
		Token:      token,
		Expiration: expiration.UnixMilli(),
	}

	resp, err := g.svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, classifyErr(err)
	}

	return &WatchResult{
		ChannelID:  channelID,
		ResourceID: resp.ResourceId,
		Token:      token,
		Expiration: expiration,
	}, nil
}

// StopChannel tears down a previously registered push-notification channel.
func (g *Gateway) StopChannel(ctx context.Context, channelID, resourceID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	channel := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	err := g.svc.Channels.Stop(channel).Context(ctx).Do()
	if err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return classifyErr(err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
