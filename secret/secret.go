// Package secret turns operator-supplied secret strings into fixed-size
// symmetric keys.
//
// Operators may supply the secret as base64url, standard base64 or hex
// encoding of 32 random bytes, or as an arbitrary passphrase. DeriveKey accepts
// all of these and reports which interpretation it used so that callers can
// warn about passphrases.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// KeySize is the size in bytes of every derived key (AES-256).
const KeySize = 32

// ErrEmptySecret is returned when no usable secret was configured.
// It is a deployment error, not a request error.
var ErrEmptySecret = errors.New("secret: secret is empty")

// Format records how a secret string was interpreted.
type Format int

const (
	FormatBase64URL Format = iota + 1
	FormatBase64
	FormatHex
	// FormatPassphrase means the secret was not an encoded 32-byte key and
	// was hashed down with SHA-256.
	FormatPassphrase
)

func (f Format) String() string {
	switch f {
	case FormatBase64URL:
		return "base64url"
	case FormatBase64:
		return "base64"
	case FormatHex:
		return "hex"
	case FormatPassphrase:
		return "passphrase"
	default:
		return "unknown"
	}
}

// Key is a derived 32-byte symmetric key.
type Key []byte

var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// DeriveKey converts secret into a 32-byte key.
//
// Decoding order: base64url, standard base64, 64-character hex, and finally
// SHA-256 of the UTF-8 bytes. Encoded forms are only accepted when they decode
// to exactly KeySize bytes.
func DeriveKey(secret string) (Key, Format, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, 0, ErrEmptySecret
	}

	if b, ok := decode32(base64.RawURLEncoding, strings.TrimRight(s, "=")); ok {
		return b, FormatBase64URL, nil
	}
	if b, ok := decode32(base64.StdEncoding, s); ok {
		return b, FormatBase64, nil
	}
	if b, ok := decode32(base64.RawStdEncoding, s); ok {
		return b, FormatBase64, nil
	}
	if hexKeyPattern.MatchString(s) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, FormatHex, nil
		}
	}

	sum := sha256.Sum256([]byte(secret))
	return sum[:], FormatPassphrase, nil
}

func decode32(enc *base64.Encoding, s string) (Key, bool) {
	b, err := enc.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return nil, false
	}
	return b, true
}

// Resolve returns the first non-blank candidate. The dedicated secret goes
// first and the OAuth client secrets follow as fallbacks.
func Resolve(candidates ...string) (string, error) {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c, nil
		}
	}
	return "", ErrEmptySecret
}

// Generate returns a new random key encoded as unpadded base64url, the
// preferred input format for DeriveKey.
func Generate() (string, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
