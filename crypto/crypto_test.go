package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	return enc
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty key", "", "empty"},
		{"not base64", "!!!not-base64!!!", "base64 decode"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
		{"valid", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := testEncryptor(t)

	plaintexts := []string{
		"a",
		"an oauth access token value",
		strings.Repeat("x", 4096),
		"unicode: café ⚡",
	}
	for _, pt := range plaintexts {
		ct, err := enc.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(pt), err)
		}
		if string(ct) == pt {
			t.Error("ciphertext equals plaintext")
		}
		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(got) != pt {
			t.Errorf("round trip mismatch for %d-byte input", len(pt))
		}
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc := testEncryptor(t)
	a, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext (nonce reuse)")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc := testEncryptor(t)
	ct, err := enc.Encrypt([]byte("secret value"))
	if err != nil {
		t.Fatal(err)
	}

	// Flip one ciphertext bit.
	ct[len(ct)-1] ^= 0x01
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}
}

func TestDecryptRejectsTruncatedAndEmpty(t *testing.T) {
	enc := testEncryptor(t)
	if _, err := enc.Decrypt(nil); err == nil {
		t.Error("empty ciphertext accepted")
	}
	if _, err := enc.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Error("truncated ciphertext accepted")
	}
	if _, err := enc.Encrypt(nil); err == nil {
		t.Error("empty plaintext accepted")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	encA := testEncryptor(t)
	encB := testEncryptor(t)
	ct, err := encA.Encrypt([]byte("cross-key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := encB.Decrypt(ct); err == nil {
		t.Error("ciphertext decrypted under a different key")
	}
}

func TestStringHelpersRoundTrip(t *testing.T) {
	enc := testEncryptor(t)

	ct, err := EncryptString(enc, "refresh-token-value")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == "refresh-token-value" {
		t.Error("EncryptString returned plaintext")
	}
	if _, err := base64.StdEncoding.DecodeString(ct); err != nil {
		t.Errorf("EncryptString output is not base64: %v", err)
	}

	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != "refresh-token-value" {
		t.Errorf("round trip = %q", pt)
	}
}

func TestStringHelpersEmptyPassthrough(t *testing.T) {
	enc := testEncryptor(t)
	if ct, err := EncryptString(enc, ""); err != nil || ct != "" {
		t.Errorf("EncryptString(\"\") = %q, %v; want empty passthrough", ct, err)
	}
	if pt, err := DecryptString(enc, ""); err != nil || pt != "" {
		t.Errorf("DecryptString(\"\") = %q, %v; want empty passthrough", pt, err)
	}
}

func TestDecryptStringRejectsBadBase64(t *testing.T) {
	enc := testEncryptor(t)
	if _, err := DecryptString(enc, "%%%not-base64%%%"); err == nil {
		t.Error("invalid base64 accepted")
	}
}
