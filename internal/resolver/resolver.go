// Package resolver wires internal/creds and internal/crypto into a
// syncengine.GatewayResolver: given an attachment, decrypt its
// credential's stored tokens, hand them to the OAuth2 manager for an
// authenticated HTTP client, and build a rate-limited Gateway over it.
//
// Gateways are cached per credential so a burst of attachments sharing
// one Google account reuse the same token source and rate limiter
// instead of each tracking refreshes independently.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/calsyncio/calsync-core/internal/crypto"
	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
)

// Scopes requested for every Google account credential: full calendar
// read/write access plus the caller's email for account identification.
var Scopes = []string{calendar.CalendarScope, "https://www.googleapis.com/auth/userinfo.email"}

const (
	// gatewayRatePerSecond and gatewayBurst bound outbound Calendar API
	// calls per credential, comfortably under Google's default per-user
	// quota while leaving headroom for webhook-triggered bursts.
	gatewayRatePerSecond = 8.0
	gatewayBurst         = 16
)

// CredentialManager builds authenticated HTTP clients for a stored
// credential. Satisfied by *creds.Manager; narrowed to an interface so
// this package's tests can supply a fake.
type CredentialManager interface {
	Client(ctx context.Context, credentialID string, token *oauth2.Token) *http.Client
}

// Resolver builds syncengine Gateways on demand from stored credentials,
// decrypting tokens with the given Encryptor and refreshing them through
// the given CredentialManager.
type Resolver struct {
	store     *store.Store
	creds     CredentialManager
	encryptor *crypto.Encryptor

	mu       sync.Mutex
	gateways map[string]*gateway.Gateway // credentialID -> cached Gateway
}

// New builds a Resolver.
func New(st *store.Store, creds CredentialManager, encryptor *crypto.Encryptor) *Resolver {
	return &Resolver{
		store:     st,
		creds:     creds,
		encryptor: encryptor,
		gateways:  make(map[string]*gateway.Gateway),
	}
}

// GatewayFor implements syncengine.GatewayResolver.
func (r *Resolver) GatewayFor(ctx context.Context, att *store.Attachment) (*gateway.Gateway, error) {
	return r.GatewayForCredential(ctx, att.CredentialID)
}

// GatewayForCredential builds (or returns a cached) Gateway for a given
// credential id, independent of any particular attachment.
func (r *Resolver) GatewayForCredential(ctx context.Context, credentialID string) (*gateway.Gateway, error) {
	r.mu.Lock()
	if gw, ok := r.gateways[credentialID]; ok {
		r.mu.Unlock()
		return gw, nil
	}
	r.mu.Unlock()

	cred, err := r.store.GetCredentialByID(credentialID)
	if err != nil {
		return nil, fmt.Errorf("resolver: load credential %s: %w", credentialID, err)
	}
	if cred.RevokedAt != nil {
		return nil, fmt.Errorf("resolver: credential %s is revoked", credentialID)
	}

	token, err := r.decryptToken(cred)
	if err != nil {
		return nil, fmt.Errorf("resolver: decrypt token for credential %s: %w", credentialID, err)
	}

	httpClient := r.creds.Client(ctx, credentialID, token)
	gw, err := gateway.New(ctx, httpClient, gatewayRatePerSecond, gatewayBurst)
	if err != nil {
		return nil, fmt.Errorf("resolver: build gateway for credential %s: %w", credentialID, err)
	}

	r.mu.Lock()
	r.gateways[credentialID] = gw
	r.mu.Unlock()
	return gw, nil
}

// InvalidateCredential drops any cached Gateway for a credential, forcing
// the next GatewayFor call to rebuild it from a fresh token. Called by the
// scheduler's token_refresh job when it detects a revoked credential.
func (r *Resolver) InvalidateCredential(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gateways, credentialID)
}

func (r *Resolver) decryptToken(cred *store.Credential) (*oauth2.Token, error) {
	accessToken, err := r.encryptor.Decrypt(cred.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	tok := &oauth2.Token{AccessToken: string(accessToken)}
	if cred.AccessTokenExpiry != nil {
		tok.Expiry = *cred.AccessTokenExpiry
	}
	if len(cred.EncryptedRefreshToken) > 0 {
		refreshToken, err := r.encryptor.Decrypt(cred.EncryptedRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		tok.RefreshToken = string(refreshToken)
	}
	return tok, nil
}

// storeTokenAdapter satisfies creds.TokenStore by encrypting refreshed
// tokens before persisting them and translating revocation into the
// store's credential row state.
type storeTokenAdapter struct {
	store     *store.Store
	encryptor *crypto.Encryptor
}

// NewTokenStore builds the creds.TokenStore adapter a *creds.Manager is
// constructed with, so refreshed tokens land back in the Mapping Store
// encrypted the same way the initial OAuth exchange encrypts them.
func NewTokenStore(st *store.Store, encryptor *crypto.Encryptor) *storeTokenAdapter {
	return &storeTokenAdapter{store: st, encryptor: encryptor}
}

func (a *storeTokenAdapter) SaveRefreshedToken(ctx context.Context, credentialID string, accessToken []byte, expiry time.Time, refreshToken []byte) error {
	encAccess, err := a.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt refreshed access token: %w", err)
	}

	var encRefresh []byte
	if len(refreshToken) > 0 {
		encRefresh, err = a.encryptor.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refreshed refresh token: %w", err)
		}
	}

	return a.store.UpdateCredentialTokens(credentialID, encAccess, expiry, encRefresh)
}

func (a *storeTokenAdapter) MarkRevoked(ctx context.Context, credentialID string) error {
	return a.store.MarkCredentialRevoked(credentialID)
}
