package creds

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeTokenSource struct {
	tokens []*oauth2.Token
	errs   []error
	calls  int
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.tokens[i], nil
}

type fakeStore struct {
	saved      bool
	savedAT    []byte
	savedRT    []byte
	savedExp   time.Time
	revoked    bool
	revokedID  string
	saveErr    error
}

func (f *fakeStore) SaveRefreshedToken(ctx context.Context, credentialID string, accessToken []byte, expiry time.Time, refreshToken []byte) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = true
	f.savedAT = accessToken
	f.savedRT = refreshToken
	f.savedExp = expiry
	return nil
}

func (f *fakeStore) MarkRevoked(ctx context.Context, credentialID string) error {
	f.revoked = true
	f.revokedID = credentialID
	return nil
}

func TestPersistingTokenSourcePersistsOnRotation(t *testing.T) {
	initial := &oauth2.Token{AccessToken: "old-access", RefreshToken: "refresh-1"}
	rotated := &oauth2.Token{AccessToken: "new-access", RefreshToken: "refresh-2", Expiry: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}

	store := &fakeStore{}
	ts := &persistingTokenSource{
		ctx:          context.Background(),
		base:         &fakeTokenSource{tokens: []*oauth2.Token{rotated}},
		store:        store,
		credentialID: "cred-1",
		current:      initial,
	}

	got, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want new-access", got.AccessToken)
	}
	if !store.saved {
		t.Fatal("expected SaveRefreshedToken to be called")
	}
	if string(store.savedAT) != "new-access" {
		t.Errorf("savedAT = %q, want new-access", store.savedAT)
	}
	if string(store.savedRT) != "refresh-2" {
		t.Errorf("savedRT = %q, want refresh-2", store.savedRT)
	}
}

func TestPersistingTokenSourceNoPersistWhenUnchanged(t *testing.T) {
	same := &oauth2.Token{AccessToken: "same-access"}
	store := &fakeStore{}
	ts := &persistingTokenSource{
		ctx:          context.Background(),
		base:         &fakeTokenSource{tokens: []*oauth2.Token{same}},
		store:        store,
		credentialID: "cred-1",
		current:      same,
	}

	if _, err := ts.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if store.saved {
		t.Error("expected no persistence when access token is unchanged")
	}
}

func TestPersistingTokenSourceKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	initial := &oauth2.Token{AccessToken: "old-access", RefreshToken: "refresh-1"}
	rotatedAccessOnly := &oauth2.Token{AccessToken: "new-access", RefreshToken: ""}
	store := &fakeStore{}
	ts := &persistingTokenSource{
		ctx:          context.Background(),
		base:         &fakeTokenSource{tokens: []*oauth2.Token{rotatedAccessOnly}},
		store:        store,
		credentialID: "cred-1",
		current:      initial,
	}

	if _, err := ts.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if store.savedRT != nil {
		t.Errorf("expected nil refresh token passed through (no rotation), got %q", store.savedRT)
	}
}

func TestPersistingTokenSourceDetectsInvalidGrant(t *testing.T) {
	store := &fakeStore{}
	ts := &persistingTokenSource{
		ctx:          context.Background(),
		base:         &fakeTokenSource{errs: []error{errors.New(`oauth2: cannot fetch token: 400 Bad Request Response: {"error":"invalid_grant"}`)}, tokens: []*oauth2.Token{nil}},
		store:        store,
		credentialID: "cred-1",
		current:      &oauth2.Token{AccessToken: "old"},
	}

	_, err := ts.Token()
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
	if !store.revoked || store.revokedID != "cred-1" {
		t.Errorf("expected MarkRevoked(cred-1), got revoked=%v id=%q", store.revoked, store.revokedID)
	}
}

func TestPersistingTokenSourcePropagatesOtherErrors(t *testing.T) {
	store := &fakeStore{}
	wantErr := errors.New("network timeout")
	ts := &persistingTokenSource{
		ctx:          context.Background(),
		base:         &fakeTokenSource{errs: []error{wantErr}, tokens: []*oauth2.Token{nil}},
		store:        store,
		credentialID: "cred-1",
		current:      &oauth2.Token{AccessToken: "old"},
	}

	_, err := ts.Token()
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
	if store.revoked {
		t.Error("non-invalid_grant error should not mark credential revoked")
	}
}

func TestManagerAuthCodeURLRequestsOfflineAccess(t *testing.T) {
	m := New("client-id", "client-secret", "https://example.invalid/callback", []string{"https://www.googleapis.com/auth/calendar"}, nil)
	url := m.AuthCodeURL("state-123")
	if url == "" {
		t.Fatal("AuthCodeURL returned empty string")
	}
}
