package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/mnehpets/hfconnect/cookies"
)

const (
	NonceCookieName    = "hf_oauth_nonce"
	VerifierCookieName = "hf_oauth_verifier"
)

// PKCECookieMaxAge is the lifetime of the nonce and verifier cookies.
const PKCECookieMaxAge = 10 * time.Minute

// PKCEValues are the values read back from the PKCE cookies. Blank cookies
// read as empty strings.
type PKCEValues struct {
	Nonce        string
	CodeVerifier string
}

// PKCECookies stores the nonce and verifier for browsers that keep first-party
// cookies across the provider redirect.
type PKCECookies struct {
	policy cookies.Policy
}

// NewPKCECookies creates a PKCECookies using policy for cookie attributes.
func NewPKCECookies(policy cookies.Policy) *PKCECookies {
	return &PKCECookies{policy: policy}
}

// Set writes both cookies.
func (p *PKCECookies) Set(w http.ResponseWriter, v PKCEValues) {
	maxAge := int(PKCECookieMaxAge.Seconds())
	http.SetCookie(w, p.policy.Cookie(NonceCookieName, v.Nonce, maxAge))
	http.SetCookie(w, p.policy.Cookie(VerifierCookieName, v.CodeVerifier, maxAge))
}

// Read returns the trimmed cookie values.
func (p *PKCECookies) Read(r *http.Request) PKCEValues {
	read := func(name string) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(c.Value)
	}
	return PKCEValues{
		Nonce:        read(NonceCookieName),
		CodeVerifier: read(VerifierCookieName),
	}
}

// Clear expires both cookies.
func (p *PKCECookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, p.policy.Clear(NonceCookieName))
	http.SetCookie(w, p.policy.Clear(VerifierCookieName))
}
