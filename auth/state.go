package auth

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/mnehpets/hfconnect/seal"
)

// StateVersion is the payload version carried in state tokens.
const StateVersion = 1

// DefaultStateMaxAge bounds how long a state token is accepted after issue.
const DefaultStateMaxAge = 15 * time.Minute

// stateAAD binds sealed state ciphertext to its purpose.
var stateAAD = []byte("hfconnect:oauth-state:v1")

// StatePayload is the decoded OAuth state value.
type StatePayload struct {
	V            int    `json:"v"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri"`
	IssuedAt     int64  `json:"issuedAt"`

	// Legacy is set for plaintext states. They carry no verifier and no
	// issue time.
	Legacy bool `json:"-"`
}

// StateCodec decodes one wire format of the state parameter.
type StateCodec interface {
	// Match reports whether raw looks like this codec's format. It must not
	// do any cryptographic work.
	Match(raw string) bool
	// Decode parses raw. fallbackNonce is the nonce supplied out of band by
	// the client (request body or cookie); codecs that authenticate
	// themselves ignore it.
	Decode(raw, fallbackNonce string) (StatePayload, error)
}

// DecodeState dispatches raw to the first matching codec. A state no codec
// recognizes is invalid.
func DecodeState(raw, fallbackNonce string, codecs ...StateCodec) (StatePayload, error) {
	raw = strings.TrimSpace(raw)
	for _, c := range codecs {
		if c != nil && c.Match(raw) {
			return c.Decode(raw, fallbackNonce)
		}
	}
	return StatePayload{}, ErrStateInvalid
}

// TokenStateCodec seals state into a self-authenticating token.
type TokenStateCodec struct {
	codec *seal.Codec
	now   func() time.Time
}

// NewTokenStateCodec creates a TokenStateCodec. codec may be nil when no secret
// is configured; Build and Decode then fail with ErrSigningKeyMissing.
func NewTokenStateCodec(codec *seal.Codec) *TokenStateCodec {
	return &TokenStateCodec{codec: codec, now: time.Now}
}

// Build seals p. V is always set to StateVersion and a zero IssuedAt defaults
// to now.
func (c *TokenStateCodec) Build(p StatePayload) (string, error) {
	if c == nil || c.codec == nil {
		return "", ErrSigningKeyMissing
	}
	if strings.TrimSpace(p.Nonce) == "" || strings.TrimSpace(p.RedirectURI) == "" {
		return "", ErrStateInvalid
	}
	p.V = StateVersion
	if p.IssuedAt == 0 {
		p.IssuedAt = c.now().Unix()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return c.codec.Seal(b, stateAAD)
}

// wireState distinguishes absent fields from zero values.
type wireState struct {
	V            *int    `json:"v"`
	Nonce        *string `json:"nonce"`
	CodeVerifier *string `json:"codeVerifier"`
	RedirectURI  *string `json:"redirectUri"`
	IssuedAt     *int64  `json:"issuedAt"`
}

// Parse opens and validates a state token. Every failure is ErrStateInvalid.
func (c *TokenStateCodec) Parse(token string) (StatePayload, error) {
	if c == nil || c.codec == nil {
		return StatePayload{}, ErrSigningKeyMissing
	}
	plain, err := c.codec.Open(token, stateAAD)
	if err != nil {
		return StatePayload{}, ErrStateInvalid
	}
	var w wireState
	if err := json.Unmarshal(plain, &w); err != nil {
		return StatePayload{}, ErrStateInvalid
	}
	if w.V == nil || *w.V != StateVersion ||
		w.Nonce == nil || *w.Nonce == "" ||
		w.RedirectURI == nil || *w.RedirectURI == "" ||
		w.IssuedAt == nil {
		return StatePayload{}, ErrStateInvalid
	}
	p := StatePayload{
		V:           StateVersion,
		Nonce:       *w.Nonce,
		RedirectURI: *w.RedirectURI,
		IssuedAt:    *w.IssuedAt,
	}
	if w.CodeVerifier != nil {
		p.CodeVerifier = *w.CodeVerifier
	}
	return p, nil
}

// Match implements StateCodec.
func (c *TokenStateCodec) Match(raw string) bool {
	return strings.HasPrefix(raw, seal.Version+".")
}

// Decode implements StateCodec.
func (c *TokenStateCodec) Decode(raw, _ string) (StatePayload, error) {
	return c.Parse(raw)
}

type legacyState struct {
	Nonce       string `json:"nonce"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// BuildLegacyState encodes a plaintext state as base64url(JSON).
func BuildLegacyState(nonce, redirectURI string) (string, error) {
	b, err := json.Marshal(legacyState{Nonce: nonce, RedirectURI: redirectURI})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// legacyJSON returns the JSON object carried by raw, which is either plain JSON
// or base64url-encoded JSON.
func legacyJSON(raw string) ([]byte, bool) {
	if strings.HasPrefix(raw, "{") {
		return []byte(raw), true
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, false
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	return b, true
}

// ParseLegacyState decodes a plaintext state and checks its nonce against
// expectedNonce, the value the client supplied separately. An empty
// expectedNonce never validates.
func ParseLegacyState(raw, expectedNonce string) (StatePayload, error) {
	b, ok := legacyJSON(strings.TrimSpace(raw))
	if !ok {
		return StatePayload{}, ErrStateInvalid
	}
	var w struct {
		Nonce       *string `json:"nonce"`
		RedirectURI *string `json:"redirectUri"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return StatePayload{}, ErrStateInvalid
	}
	if w.Nonce == nil || strings.TrimSpace(*w.Nonce) == "" {
		return StatePayload{}, ErrStateInvalid
	}
	expectedNonce = strings.TrimSpace(expectedNonce)
	if expectedNonce == "" || subtle.ConstantTimeCompare([]byte(*w.Nonce), []byte(expectedNonce)) != 1 {
		return StatePayload{}, ErrStateMismatch
	}
	p := StatePayload{Nonce: *w.Nonce, Legacy: true}
	if w.RedirectURI != nil {
		p.RedirectURI = *w.RedirectURI
	}
	return p, nil
}

// LegacyStateCodec is the StateCodec for plaintext states.
type LegacyStateCodec struct{}

// Match implements StateCodec.
func (LegacyStateCodec) Match(raw string) bool {
	_, ok := legacyJSON(raw)
	return ok
}

// Decode implements StateCodec.
func (LegacyStateCodec) Decode(raw, fallbackNonce string) (StatePayload, error) {
	return ParseLegacyState(raw, fallbackNonce)
}

// ValidateOptions controls ValidateStatePayload.
type ValidateOptions struct {
	Now    time.Time
	MaxAge time.Duration
}

// ValidateStatePayload checks p against the redirect URI the server expects
// and, for state tokens, the issue time window. Legacy states without a
// redirect URI skip the redirect check.
func ValidateStatePayload(p StatePayload, expectedRedirectURI string, opts ValidateOptions) error {
	if !(p.Legacy && p.RedirectURI == "") && p.RedirectURI != expectedRedirectURI {
		return ErrRedirectMismatch
	}
	if p.Legacy {
		return nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultStateMaxAge
	}
	age := now.Unix() - p.IssuedAt
	if age < 0 || age > int64(maxAge/time.Second) {
		return ErrStateExpired
	}
	return nil
}
