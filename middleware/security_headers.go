package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/hfconnect/endpoint"
)

// SecurityHeadersProcessor sets response headers for the OAuth JSON API.
//
// Defaults from NewAPISecurityHeadersProcessor:
//   - Cache-Control: no-store
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY and frame-ancestors 'none'
//
// In embedded mode the app runs inside an iframe on another origin, so framing
// is limited to FrameAncestors instead of being denied outright.
//
// CORS preflight (OPTIONS) requests are answered with 204 when CORS is set.
type SecurityHeadersProcessor struct {
	// HSTSMaxAge is the Strict-Transport-Security max-age in seconds.
	// Zero disables the header.
	HSTSMaxAge int

	// ReferrerPolicy sets the Referrer-Policy header. Empty disables it.
	ReferrerPolicy string

	// Embedded relaxes framing so the app can load inside a parent page.
	Embedded bool

	// FrameAncestors lists the origins allowed to frame the app in embedded
	// mode. Empty means any origin.
	FrameAncestors []string

	// NoStore sets Cache-Control: no-store unless a handler sets its own.
	NoStore bool

	// CORS configures cross-origin access. Nil disables CORS headers.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists exact origins. "*" is ignored when credentials are
	// allowed.
	AllowedOrigins []string

	// AllowedMethods for preflight. Default: GET, POST, DELETE, OPTIONS.
	AllowedMethods []string

	// AllowedHeaders for preflight. Default: Accept, Content-Type.
	AllowedHeaders []string

	// AllowCredentials lets the browser send the session cookie.
	AllowCredentials bool

	// MaxAge is how long (in seconds) preflight results may be cached.
	MaxAge int
}

// SecurityHeadersOption is a functional option for configuring SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewAPISecurityHeadersProcessor creates a SecurityHeadersProcessor with defaults for the OAuth API.
func NewAPISecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		ReferrerPolicy: "no-referrer",
		NoStore:        true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS enables Strict-Transport-Security with the given max-age in seconds.
func WithHSTS(maxAge int) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTSMaxAge = maxAge
	}
}

// WithEmbedded allows framing by ancestors, or by any origin if none are given.
func WithEmbedded(embedded bool, ancestors ...string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.Embedded = embedded
		p.FrameAncestors = ancestors
	}
}

// WithCORS allows credentialed cross-origin requests from origins.
func WithCORS(origins ...string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		if len(origins) == 0 {
			p.CORS = nil
			return
		}
		p.CORS = &CORSConfig{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           600,
		}
	}
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors "+p.frameAncestors())
	if !p.Embedded {
		h.Set("X-Frame-Options", "DENY")
	}
	if p.NoStore {
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			if w.Header().Get("Cache-Control") == "" {
				w.Header().Set("Cache-Control", "no-store")
			}
		})
	}

	if p.CORS != nil {
		setCORSHeaders(w, r, p.CORS)

		// A preflight request is an OPTIONS request with an Origin and
		// Access-Control-Request-Method.
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}

	return next(w, r)
}

func (p *SecurityHeadersProcessor) frameAncestors() string {
	if !p.Embedded {
		return "'none'"
	}
	if len(p.FrameAncestors) == 0 {
		return "*"
	}
	return strings.Join(p.FrameAncestors, " ")
}

// setCORSHeaders sets CORS headers based on the configuration.
func setCORSHeaders(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	w.Header().Add("Vary", "Origin")

	allowed := false
	for _, o := range config.AllowedOrigins {
		if o == "*" {
			// Browsers reject a wildcard origin on credentialed responses.
			if config.AllowCredentials {
				continue
			}
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	if config.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == http.MethodOptions {
		if len(config.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		}
		if len(config.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		}
		if config.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
