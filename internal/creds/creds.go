// Package creds manages OAuth2 credentials for remote calendar accounts:
// building an authenticated HTTP client from a stored (encrypted) token,
// persisting refreshed tokens back to the Mapping Store, and detecting
// revocation so the scheduler can stop retrying a dead credential.
package creds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrRevoked is returned by Token() when the underlying refresh fails
// with invalid_grant, meaning the user must re-authenticate.
var ErrRevoked = errors.New("creds: credential revoked or expired, re-authentication required")

// TokenStore is the persistence seam a Manager writes refreshed tokens
// and revocations through. internal/resolver.NewTokenStore adapts
// internal/store.Store to it.
type TokenStore interface {
	SaveRefreshedToken(ctx context.Context, credentialID string, accessToken []byte, expiry time.Time, refreshToken []byte) error
	MarkRevoked(ctx context.Context, credentialID string) error
}

// Manager builds oauth2-authenticated HTTP clients for stored credentials.
type Manager struct {
	config *oauth2.Config
	store  TokenStore
}

// New builds a Manager bound to the given OAuth2 application and store.
func New(clientID, clientSecret, redirectURL string, scopes []string, store TokenStore) *Manager {
	return &Manager{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
		store: store,
	}
}

// AuthCodeURL returns the URL to send a user to for the OAuth2 consent
// flow, requesting offline access so a refresh token is issued.
func (m *Manager) AuthCodeURL(state string) string {
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an OAuth2 authorization code for a token.
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := m.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("creds: exchange code: %w", err)
	}
	return tok, nil
}

// Client builds an HTTP client authenticated for credentialID, wrapping
// the base oauth2 token source so refreshed tokens are persisted and an
// invalid_grant failure is surfaced as ErrRevoked (and recorded as such).
func (m *Manager) Client(ctx context.Context, credentialID string, token *oauth2.Token) *http.Client {
	base := m.config.TokenSource(ctx, token)
	wrapped := &persistingTokenSource{
		ctx:          ctx,
		base:         base,
		store:        m.store,
		credentialID: credentialID,
		current:      token,
	}
	return oauth2.NewClient(ctx, wrapped)
}

// persistingTokenSource wraps a base oauth2.TokenSource to (a) persist a
// refreshed access/refresh token back to the store and (b) detect
// invalid_grant case-insensitively and report it as a revoked credential.
type persistingTokenSource struct {
	ctx          context.Context
	base         oauth2.TokenSource
	store        TokenStore
	credentialID string

	mu      sync.Mutex
	current *oauth2.Token
}

func (ts *persistingTokenSource) Token() (*oauth2.Token, error) {
	newToken, err := ts.base.Token()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "invalid_grant") {
			if ts.store != nil {
				_ = ts.store.MarkRevoked(ts.ctx, ts.credentialID) //nolint:errcheck // best-effort; caller already has the real error
			}
			return nil, fmt.Errorf("%w: %w", ErrRevoked, err)
		}
		return nil, err
	}

	ts.mu.Lock()
	changed := newToken.AccessToken != ts.current.AccessToken
	ts.mu.Unlock()

	if changed && ts.store != nil {
		refreshToken := []byte(newToken.RefreshToken)
		if newToken.RefreshToken == "" {
			refreshToken = nil
		}
		if err := ts.store.SaveRefreshedToken(ts.ctx, ts.credentialID, []byte(newToken.AccessToken), newToken.Expiry, refreshToken); err != nil {
			// Token refresh itself succeeded; a persistence failure here
			// just means the next call refreshes again. Don't fail the
			// caller over it.
			return newToken, nil
		}
		ts.mu.Lock()
		ts.current = newToken
		ts.mu.Unlock()
	}

	return newToken, nil
}
