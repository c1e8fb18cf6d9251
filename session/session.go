// Package session seals the long-lived OAuth session into an httpOnly cookie.
//
// The server keeps no session table: the sealed cookie is the only record that
// a browser is connected. Sessions are created or replaced by writing a new
// cookie and destroyed by expiry at read time or by an explicit clear.
package session

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mnehpets/hfconnect/seal"
)

// PayloadVersion is the only payload version this package reads or writes.
const PayloadVersion = 1

// aad binds sealed session ciphertext to its purpose. It differs from the OAuth
// state token AAD, so the two kinds never open as each other.
var aad = []byte("hfconnect:oauth-session:v1")

var (
	// ErrInvalid covers every structural, cryptographic and parse failure.
	// It never says which stage failed.
	ErrInvalid = errors.New("OAuth session is invalid.")
	// ErrExpired is returned for a session that opened successfully but
	// whose expiresAt has passed.
	ErrExpired = errors.New("OAuth session has expired.")

	ErrEmptyAccessToken = errors.New("Access token is required.")
	ErrInvalidExpiry    = errors.New("expiresAt must be null or a positive integer timestamp.")

	// ErrNoKey means the deployment has no session secret configured.
	ErrNoKey = errors.New("OAuth session secret is not configured on this deployment.")
)

// Payload is the sealed session content.
type Payload struct {
	V           int    `json:"v"`
	AccessToken string `json:"accessToken"`
	// ExpiresAt is a unix-seconds timestamp; nil means the token has no
	// known expiry and is trusted until cleared.
	ExpiresAt *int64 `json:"expiresAt"`
	IssuedAt  int64  `json:"issuedAt"`
}

// Expired reports whether the payload has expired at now.
func (p Payload) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && *p.ExpiresAt <= now.Unix()
}

// BuildPayload validates and normalizes session input. A non-positive issuedAt
// defaults to the current time.
func BuildPayload(accessToken string, expiresAt *int64, issuedAt int64) (Payload, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return Payload{}, ErrEmptyAccessToken
	}
	if expiresAt != nil && *expiresAt <= 0 {
		return Payload{}, ErrInvalidExpiry
	}
	if issuedAt <= 0 {
		issuedAt = time.Now().Unix()
	}
	var exp *int64
	if expiresAt != nil {
		v := *expiresAt
		exp = &v
	}
	return Payload{
		V:           PayloadVersion,
		AccessToken: token,
		ExpiresAt:   exp,
		IssuedAt:    issuedAt,
	}, nil
}

// ParseExpiresAt converts a JSON number into an expiresAt value. A nil number
// means "no expiry"; fractional, negative or zero values are rejected.
func ParseExpiresAt(n *json.Number) (*int64, error) {
	if n == nil || *n == "" {
		return nil, nil
	}
	v, err := n.Int64()
	if err != nil || v <= 0 {
		return nil, ErrInvalidExpiry
	}
	return &v, nil
}

// Sealer seals and unseals payloads.
type Sealer struct {
	codec *seal.Codec
}

// NewSealer creates a Sealer on top of codec.
func NewSealer(codec *seal.Codec) *Sealer {
	return &Sealer{codec: codec}
}

// Seal encrypts p.
func (s *Sealer) Seal(p Payload) (string, error) {
	if s == nil || s.codec == nil {
		return "", ErrNoKey
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return s.codec.Seal(b, aad)
}

// wirePayload distinguishes absent fields from zero values.
type wirePayload struct {
	V           *int            `json:"v"`
	AccessToken *string         `json:"accessToken"`
	ExpiresAt   json.RawMessage `json:"expiresAt"`
	IssuedAt    *int64          `json:"issuedAt"`
}

// Unseal decrypts and validates token. Any failure returns ErrInvalid.
func (s *Sealer) Unseal(token string) (Payload, error) {
	if s == nil || s.codec == nil {
		return Payload{}, ErrNoKey
	}
	plain, err := s.codec.Open(token, aad)
	if err != nil {
		return Payload{}, ErrInvalid
	}

	var w wirePayload
	if err := json.Unmarshal(plain, &w); err != nil {
		return Payload{}, ErrInvalid
	}
	if w.V == nil || *w.V != PayloadVersion {
		return Payload{}, ErrInvalid
	}
	if w.AccessToken == nil || strings.TrimSpace(*w.AccessToken) == "" {
		return Payload{}, ErrInvalid
	}
	if w.IssuedAt == nil {
		return Payload{}, ErrInvalid
	}
	p := Payload{
		V:           PayloadVersion,
		AccessToken: *w.AccessToken,
		IssuedAt:    *w.IssuedAt,
	}
	if len(w.ExpiresAt) > 0 && string(w.ExpiresAt) != "null" {
		var exp int64
		if err := json.Unmarshal(w.ExpiresAt, &exp); err != nil {
			return Payload{}, ErrInvalid
		}
		p.ExpiresAt = &exp
	}
	return p, nil
}
