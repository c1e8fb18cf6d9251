package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mnehpets/hfconnect/cookies"
)

// DefaultCookieName is the default name of the session cookie.
const DefaultCookieName = "hf_oauth_session"

// DefaultMaxAge is the cookie lifetime for tokens without a known expiry.
const DefaultMaxAge = 30 * 24 * time.Hour

// Store reads and writes the session cookie.
type Store struct {
	sealer *Sealer
	policy cookies.Policy
	name   string
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.name = name
		}
	}
}

// WithClock injects the time source used for expiry checks.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store. sealer may be nil when no secret is configured;
// reads of an existing cookie and all writes then fail with ErrNoKey.
func NewStore(sealer *Sealer, policy cookies.Policy, opts ...StoreOption) *Store {
	s := &Store{
		sealer: sealer,
		policy: policy,
		name:   DefaultCookieName,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the session cookie name.
func (s *Store) Name() string {
	return s.name
}

// Read returns the session carried by r.
//
// It returns (nil, nil) when no cookie is present, ErrInvalid when the cookie
// does not unseal, and the payload together with ErrExpired when it unseals but
// has expired.
func (s *Store) Read(r *http.Request) (*Payload, error) {
	c, err := r.Cookie(s.name)
	if errors.Is(err, http.ErrNoCookie) || c == nil || strings.TrimSpace(c.Value) == "" {
		return nil, nil
	}
	if err != nil {
		return nil, ErrInvalid
	}
	p, err := s.sealer.Unseal(c.Value)
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		return &p, ErrExpired
	}
	return &p, nil
}

// Cookie seals p into a session cookie. The cookie lives until p expires, or
// DefaultMaxAge when p has no expiry.
func (s *Store) Cookie(p Payload) (*http.Cookie, error) {
	maxAge := int(DefaultMaxAge.Seconds())
	if p.ExpiresAt != nil {
		maxAge = int(*p.ExpiresAt - s.now().Unix())
		if maxAge <= 0 {
			return nil, ErrExpired
		}
	}
	v, err := s.sealer.Seal(p)
	if err != nil {
		return nil, err
	}
	return s.policy.Cookie(s.name, v, maxAge), nil
}

// Clear returns a cookie that removes the session in the client.
func (s *Store) Clear() *http.Cookie {
	return s.policy.Clear(s.name)
}
