package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")[:32]
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("refresh-token-secret-value")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptNonceIsRandomPerCall(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte("same-plaintext")

	a, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ciphertext, err := enc.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("expected authentication failure on tampered ciphertext")
	}
}

func TestDecryptTooShort(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := enc.Decrypt([]byte("short")); err != ErrCiphertextTooShort {
		t.Errorf("err = %v, want ErrCiphertextTooShort", err)
	}
}

func TestNewKeyTooShort(t *testing.T) {
	if _, err := New([]byte("short-key")); err != ErrKeyTooShort {
		t.Errorf("err = %v, want ErrKeyTooShort", err)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	enc, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte("base64-roundtrip-value")

	encoded, err := enc.EncryptToBase64(plaintext)
	if err != nil {
		t.Fatalf("EncryptToBase64: %v", err)
	}
	got, err := enc.DecryptFromBase64(encoded)
	if err != nil {
		t.Fatalf("DecryptFromBase64: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("DecryptFromBase64 = %q, want %q", got, plaintext)
	}
}

func TestGlobalPanicsBeforeInit(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when Global() called before Init()")
		}
	}()
	globalMu.Lock()
	globalEnc = nil
	globalMu.Unlock()
	Global()
}

func TestInitAndGlobal(t *testing.T) {
	if err := Init(testKey()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Global() == nil {
		t.Error("Global() returned nil after Init")
	}
}
