package seal

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read(key): %v", err)
	}
	c, err := NewCodec(key, opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cipher AEADFactory
	}{
		{"aes-256-gcm", AESGCM},
		{"xchacha20-poly1305", XChaCha20Poly1305},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCodec(t, WithAEAD(tc.cipher))
			plaintext := []byte(`{"v":1,"accessToken":"hf_abc"}`)
			aad := []byte("purpose")

			tok, err := c.Seal(plaintext, aad)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if !strings.HasPrefix(tok, Version+".") {
				t.Fatalf("token prefix: got %q want %q", tok, Version+".")
			}
			if n := len(strings.Split(tok, ".")); n != 4 {
				t.Fatalf("token parts: got %d want 4", n)
			}

			got, err := c.Open(tok, aad)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("plaintext mismatch: got %q want %q", got, plaintext)
			}
		})
	}
}

func TestCodec_AESGCMSegmentSizes(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Seal([]byte("x"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	parts := strings.Split(tok, ".")
	iv, _ := base64.RawURLEncoding.DecodeString(parts[1])
	tag, _ := base64.RawURLEncoding.DecodeString(parts[2])
	if len(iv) != 12 {
		t.Fatalf("iv length: got %d want 12", len(iv))
	}
	if len(tag) != 16 {
		t.Fatalf("tag length: got %d want 16", len(tag))
	}
}

func TestCodec_FreshIVPerSeal(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Seal([]byte("same"), nil)
	b, _ := c.Seal([]byte("same"), nil)
	if a == b {
		t.Fatalf("expected distinct tokens for repeated Seal")
	}
}

func TestCodec_AADMismatch(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Seal([]byte("payload"), []byte("state"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := c.Open(tok, []byte("session")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Open with other aad: got %v want %v", err, ErrInvalid)
	}
}

func TestCodec_WrongKey(t *testing.T) {
	a := newTestCodec(t)
	b := newTestCodec(t)
	tok, _ := a.Seal([]byte("payload"), nil)
	if _, err := b.Open(tok, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Open with other key: got %v want %v", err, ErrInvalid)
	}
}

// Every single-bit flip in iv, tag or ciphertext must fail authentication.
func TestCodec_BitFlips(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Seal([]byte(`{"nonce":"n1"}`), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	parts := strings.Split(tok, ".")
	enc := base64.RawURLEncoding

	for seg := 1; seg <= 3; seg++ {
		raw, err := enc.DecodeString(parts[seg])
		if err != nil {
			t.Fatalf("decode segment %d: %v", seg, err)
		}
		for i := 0; i < len(raw)*8; i++ {
			flipped := append([]byte(nil), raw...)
			flipped[i/8] ^= 1 << (i % 8)

			mutated := append([]string(nil), parts...)
			mutated[seg] = enc.EncodeToString(flipped)
			_, err := c.Open(strings.Join(mutated, "."), []byte("aad"))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("segment %d bit %d: got %v want %v", seg, i, err, ErrInvalid)
			}
		}
	}
}

func TestCodec_Malformed(t *testing.T) {
	c := newTestCodec(t)
	good, _ := c.Seal([]byte("p"), nil)
	parts := strings.Split(good, ".")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("a", maxTokenLen+1)},
		{"three parts", strings.Join(parts[:3], ".")},
		{"five parts", good + ".x"},
		{"wrong version", "v2." + strings.Join(parts[1:], ".")},
		{"bad base64 iv", parts[0] + ".!!!." + parts[2] + "." + parts[3]},
		{"short iv", parts[0] + ".AAAA." + parts[2] + "." + parts[3]},
		{"short tag", parts[0] + "." + parts[1] + ".AAAA." + parts[3]},
		{"bad base64 ciphertext", parts[0] + "." + parts[1] + "." + parts[2] + ".*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Open(tt.token, nil); !errors.Is(err, ErrFormat) {
				t.Fatalf("Open(%q): got %v want %v", tt.token, err, ErrFormat)
			}
		})
	}
}

func TestNewCodec_Config(t *testing.T) {
	if _, err := NewCodec(nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("nil key: got %v want %v", err, ErrConfig)
	}
	if _, err := NewCodec(make([]byte, 16)); !errors.Is(err, ErrConfig) {
		t.Fatalf("16-byte key: got %v want %v", err, ErrConfig)
	}
	var nilCodec *Codec
	if _, err := nilCodec.Seal(nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("nil codec Seal: got %v want %v", err, ErrConfig)
	}
}

func TestCipherByName(t *testing.T) {
	for _, name := range []string{"", "aes-256-gcm", "AES-GCM", "xchacha20-poly1305"} {
		if _, err := CipherByName(name); err != nil {
			t.Errorf("CipherByName(%q): %v", name, err)
		}
	}
	if _, err := CipherByName("rot13"); err == nil {
		t.Errorf("CipherByName(rot13): expected error")
	}
}
