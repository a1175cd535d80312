package resolver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/calsyncio/calsync-core/internal/crypto"
	"github.com/calsyncio/calsync-core/internal/store"
)

type fakeCredManager struct {
	calls int
}

func (f *fakeCredManager) Client(ctx context.Context, credentialID string, token *oauth2.Token) *http.Client {
	f.calls++
	return http.DefaultClient
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	enc, err := crypto.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	return enc
}

func TestGatewayForCredentialCachesByCredentialID(t *testing.T) {
	st := setupStore(t)
	enc := testEncryptor(t)

	user, err := st.GetOrCreateUser("dave@example.com", "Dave")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	encAccess, err := enc.Encrypt([]byte("access-token"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	expiry := time.Now().Add(time.Hour)
	cred := &store.Credential{
		UserID:               user.ID,
		ProviderAccountEmail: "dave@example.com",
		EncryptedAccessToken: encAccess,
		AccessTokenExpiry:    &expiry,
	}
	if err := st.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	fcm := &fakeCredManager{}
	r := New(st, fcm, enc)

	gw1, err := r.GatewayForCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("GatewayForCredential: %v", err)
	}
	gw2, err := r.GatewayForCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("GatewayForCredential (cached): %v", err)
	}
	if gw1 != gw2 {
		t.Error("expected cached Gateway instance on second call")
	}
	if fcm.calls != 1 {
		t.Errorf("Client called %d times, want 1 (cached)", fcm.calls)
	}

	r.InvalidateCredential(cred.ID)
	if _, err := r.GatewayForCredential(context.Background(), cred.ID); err != nil {
		t.Fatalf("GatewayForCredential after invalidate: %v", err)
	}
	if fcm.calls != 2 {
		t.Errorf("Client called %d times after invalidate, want 2", fcm.calls)
	}
}

func TestGatewayForCredentialRejectsRevoked(t *testing.T) {
	st := setupStore(t)
	enc := testEncryptor(t)

	user, err := st.GetOrCreateUser("erin@example.com", "Erin")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	encAccess, _ := enc.Encrypt([]byte("access-token"))
	cred := &store.Credential{
		UserID:               user.ID,
		ProviderAccountEmail: "erin@example.com",
		EncryptedAccessToken: encAccess,
	}
	if err := st.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := st.MarkCredentialRevoked(cred.ID); err != nil {
		t.Fatalf("MarkCredentialRevoked: %v", err)
	}

	r := New(st, &fakeCredManager{}, enc)
	if _, err := r.GatewayForCredential(context.Background(), cred.ID); err == nil {
		t.Error("expected error for revoked credential")
	}
}

func TestTokenStoreAdapterEncryptsOnSave(t *testing.T) {
	st := setupStore(t)
	enc := testEncryptor(t)

	user, err := st.GetOrCreateUser("frank@example.com", "Frank")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	encAccess, _ := enc.Encrypt([]byte("old-access"))
	cred := &store.Credential{
		UserID:               user.ID,
		ProviderAccountEmail: "frank@example.com",
		EncryptedAccessToken: encAccess,
	}
	if err := st.CreateCredential(cred); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	adapter := NewTokenStore(st, enc)
	if err := adapter.SaveRefreshedToken(context.Background(), cred.ID, []byte("new-access"), time.Now().Add(time.Hour), []byte("new-refresh")); err != nil {
		t.Fatalf("SaveRefreshedToken: %v", err)
	}

	updated, err := st.GetCredentialByID(cred.ID)
	if err != nil {
		t.Fatalf("GetCredentialByID: %v", err)
	}
	plain, err := enc.Decrypt(updated.EncryptedAccessToken)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "new-access" {
		t.Errorf("decrypted access token = %q, want new-access", plain)
	}

	if err := adapter.MarkRevoked(context.Background(), cred.ID); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	revoked, err := st.GetCredentialByID(cred.ID)
	if err != nil {
		t.Fatalf("GetCredentialByID: %v", err)
	}
	if revoked.RevokedAt == nil {
		t.Error("expected RevokedAt to be set after MarkRevoked")
	}
}
