package auth

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Mode records where the provider configuration came from.
type Mode string

const (
	// ModeSpace uses the OAuth variables injected by a Hugging Face Space.
	ModeSpace Mode = "space"
	// ModeCustom uses an explicitly configured OAuth app.
	ModeCustom Mode = "custom"
)

// ExchangeMethod selects how the client authenticates at the token endpoint.
type ExchangeMethod string

const (
	// ExchangePKCE is the public-client grant: client_id and code_verifier in
	// the form body.
	ExchangePKCE ExchangeMethod = "pkce"
	// ExchangeClientSecret is the confidential-client grant: HTTP Basic
	// credentials, no verifier.
	ExchangeClientSecret ExchangeMethod = "client_secret"
)

// ParseExchangeMethod parses a configured exchange method. An empty value
// selects ExchangePKCE.
func ParseExchangeMethod(s string) (ExchangeMethod, error) {
	switch m := ExchangeMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ExchangePKCE, nil
	case ExchangePKCE, ExchangeClientSecret:
		return m, nil
	default:
		return "", fmt.Errorf("auth: unknown exchange method %q", s)
	}
}

// DefaultProviderURL is the Hugging Face identity provider.
const DefaultProviderURL = "https://huggingface.co"

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "profile", "inference-api"}

// ProviderConfig describes the OAuth client registration.
type ProviderConfig struct {
	Enabled        bool
	Mode           Mode
	ClientID       string
	ClientSecret   string
	Scopes         []string
	ProviderURL    string
	ExchangeMethod ExchangeMethod
}

// Configured reports whether OAuth can run at all.
func (c ProviderConfig) Configured() bool {
	return c.Enabled && strings.TrimSpace(c.ClientID) != ""
}

// Method returns the effective exchange method.
func (c ProviderConfig) Method() ExchangeMethod {
	if c.ExchangeMethod == "" {
		return ExchangePKCE
	}
	return c.ExchangeMethod
}

// Origin returns scheme://host of the provider URL. Paths on the configured URL
// are ignored; all provider endpoints live at the origin.
func (c ProviderConfig) Origin() string {
	raw := strings.TrimSpace(c.ProviderURL)
	if raw == "" {
		raw = DefaultProviderURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	return u.Scheme + "://" + u.Host
}

// AuthorizeURL returns the provider's authorization endpoint.
func (c ProviderConfig) AuthorizeURL() string {
	return c.Origin() + "/oauth/authorize"
}

// FallbackTokenURL is used when discovery does not yield a token endpoint.
func (c ProviderConfig) FallbackTokenURL() string {
	return c.Origin() + "/oauth/token"
}

// ScopeList returns the configured scopes, or DefaultScopes.
func (c ProviderConfig) ScopeList() []string {
	if len(c.Scopes) == 0 {
		return append([]string(nil), DefaultScopes...)
	}
	return c.Scopes
}

// oauth2Config builds the client configuration for an authorization request.
func (c ProviderConfig) oauth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizeURL(),
			TokenURL: c.FallbackTokenURL(),
		},
		RedirectURL: redirectURL,
		Scopes:      c.ScopeList(),
	}
}
