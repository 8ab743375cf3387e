package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid key", testKey(t), ""},
		{"empty key", "", "empty"},
		{"not base64", "%%%not-base64%%%", "base64"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("NewAESEncryptor() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAESEncryptor() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	for _, plaintext := range []string{"a", "an oauth token value", strings.Repeat("x", 4096)} {
		ct, err := enc.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(pt) != plaintext {
			t.Errorf("round trip mismatch for %d-byte plaintext", len(plaintext))
		}
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	a, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("Decrypt accepted tampered ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	encA, _ := NewAESEncryptor(testKey(t))
	encB, _ := NewAESEncryptor(testKey(t))
	ct, err := encA.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := encB.Decrypt(ct); err == nil {
		t.Error("Decrypt with wrong key succeeded")
	}
}

func TestDecryptTooShort(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("Decrypt accepted truncated ciphertext")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))

	// Empty strings pass through so absent tokens stay absent.
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Errorf("EncryptString(empty) = %q, %v", s, err)
	}
	if s, err := DecryptString(enc, ""); err != nil || s != "" {
		t.Errorf("DecryptString(empty) = %q, %v", s, err)
	}

	ct, err := EncryptString(enc, "refresh-token-value")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(ct); err != nil {
		t.Errorf("EncryptString output is not base64: %v", err)
	}
	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != "refresh-token-value" {
		t.Errorf("DecryptString = %q", pt)
	}

	if _, err := DecryptString(enc, "!!not base64!!"); err == nil {
		t.Error("DecryptString accepted invalid base64")
	}
}
