// Package cookies holds the attribute policy shared by every cookie the OAuth
// flow writes: the session cookie and the short-lived PKCE cookies.
package cookies

import (
	"net/http"
	"time"
)

// Policy describes cookie attributes. The zero value is not useful; use New.
//
// Defaults:
//   - Path: /
//   - HttpOnly: always
//   - SameSite: Lax
//   - Secure: false (enabled by WithSecure or WithEmbedded)
type Policy struct {
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
}

// Option configures a Policy.
type Option func(*Policy)

// WithPath configures the cookie path.
func WithPath(path string) Option {
	return func(p *Policy) {
		p.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) Option {
	return func(p *Policy) {
		p.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) Option {
	return func(p *Policy) {
		p.secure = secure
	}
}

// WithEmbedded switches to SameSite=None; Secure so cookies survive when the
// app is framed by another site (e.g. a Hugging Face Space iframe).
func WithEmbedded(embedded bool) Option {
	return func(p *Policy) {
		if embedded {
			p.sameSite = http.SameSiteNoneMode
			p.secure = true
		}
	}
}

// New creates a Policy.
func New(opts ...Option) Policy {
	p := Policy{
		path:     "/",
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.path == "" {
		p.path = "/"
	}
	// Browsers reject SameSite=None without Secure.
	if p.sameSite == http.SameSiteNoneMode {
		p.secure = true
	}
	return p
}

// Secure reports whether cookies carry the Secure attribute.
func (p Policy) Secure() bool { return p.secure }

// SameSite returns the SameSite mode.
func (p Policy) SameSite() http.SameSite { return p.sameSite }

// Cookie returns an httpOnly cookie carrying value for maxAge seconds.
func (p Policy) Cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     p.path,
		Domain:   p.domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   p.secure,
		HttpOnly: true,
		SameSite: p.sameSite,
	}
}

// Clear returns a cookie that deletes name in the client: empty value and an
// expiry in the past.
func (p Policy) Clear(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     p.path,
		Domain:   p.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   p.secure,
		HttpOnly: true,
		SameSite: p.sameSite,
	}
}
