// Package seal implements the sealed token format shared by OAuth state tokens
// and session cookies.
//
// Format: "v1" "." b64url(iv) "." b64url(tag) "." b64url(ciphertext)
//
// The plaintext is authenticated together with caller-supplied additional data
// (AAD). Each token kind uses its own AAD, so a sealed state token never opens
// as a session and vice versa, even under the same key.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Version is the fixed prefix of every sealed token.
const Version = "v1"

var (
	ErrFormat  = errors.New("seal: malformed token")
	ErrInvalid = errors.New("seal: token failed authentication")
	ErrConfig  = errors.New("seal: invalid codec configuration")
)

// maxTokenLen bounds the attacker-controlled input we decode. Browsers cap
// cookies around 4KB.
const maxTokenLen = 8192

// AEADFactory builds an AEAD from a raw key.
type AEADFactory func(key []byte) (cipher.AEAD, error)

// AESGCM is the default AEAD: AES-256-GCM with a 12-byte IV and 16-byte tag.
func AESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-256-gcm requires a 32-byte key, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// XChaCha20Poly1305 is an alternative AEAD with a 24-byte nonce.
func XChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// CipherByName maps a configuration value to an AEAD factory.
func CipherByName(name string) (AEADFactory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes-gcm":
		return AESGCM, nil
	case "xchacha20-poly1305", "xchacha20poly1305":
		return XChaCha20Poly1305, nil
	default:
		return nil, fmt.Errorf("seal: unknown cipher %q", name)
	}
}

// Codec seals and opens tokens with a single key.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// Option configures a Codec.
type Option func(*codecConfig)

type codecConfig struct {
	newAEAD AEADFactory
}

// WithAEAD selects the AEAD construction. Defaults to AESGCM.
func WithAEAD(f AEADFactory) Option {
	return func(c *codecConfig) {
		c.newAEAD = f
	}
}

// NewCodec creates a Codec for key.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	cfg := codecConfig{newAEAD: AESGCM}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.newAEAD == nil || len(key) == 0 {
		return nil, ErrConfig
	}
	aead, err := cfg.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad using a fresh random IV.
func (c *Codec) Seal(plaintext, aad []byte) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrConfig
	}
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - c.aead.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		Version,
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ciphertext),
	}, "."), nil
}

// Open verifies and decrypts a token produced by Seal with the same aad.
//
// Structural problems return ErrFormat and authentication failures return
// ErrInvalid. Callers that face untrusted clients should collapse both into
// one error.
func (c *Codec) Open(token string, aad []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, ErrConfig
	}
	if len(token) == 0 || len(token) > maxTokenLen {
		return nil, ErrFormat
	}
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != Version {
		return nil, ErrFormat
	}

	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != c.aead.NonceSize() {
		return nil, ErrFormat
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != c.aead.Overhead() {
		return nil, ErrFormat
	}
	ciphertext, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrFormat
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrInvalid
	}
	return plaintext, nil
}
