package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mnehpets/hfconnect/metrics"
)

// DefaultDiscoveryTimeout bounds the OIDC discovery fetch.
const DefaultDiscoveryTimeout = 5 * time.Second

// Discoverer resolves the provider's token endpoint from its OIDC discovery
// document. It never fails: any discovery problem resolves to the fallback
// endpoint.
type Discoverer struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewDiscoverer creates a Discoverer. A nil client uses http.DefaultClient.
func NewDiscoverer(client *http.Client, timeout time.Duration, logger *slog.Logger, m *metrics.Recorder) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc := *client
	base := nc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	nc.Transport = noCacheTransport{base: base}
	return &Discoverer{client: &nc, timeout: timeout, logger: logger, metrics: m}
}

// TokenEndpoint returns the discovered token endpoint, or cfg's fallback.
func (d *Discoverer) TokenEndpoint(ctx context.Context, cfg ProviderConfig) string {
	origin := cfg.Origin()
	fallback := cfg.FallbackTokenURL()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx = oidc.ClientContext(ctx, d.client)
	// Hugging Face may report an issuer that differs from the origin used
	// for discovery.
	ctx = oidc.InsecureIssuerURLContext(ctx, origin)

	provider, err := oidc.NewProvider(ctx, origin)
	if err != nil {
		d.logger.Warn("oidc discovery failed, using fallback token endpoint",
			"issuer", origin, "token_endpoint", fallback, "error", err)
		d.metrics.DiscoveryResult("fallback")
		return fallback
	}
	tokenURL := provider.Endpoint().TokenURL
	if !isHTTPURL(tokenURL) {
		d.logger.Warn("oidc discovery returned no usable token endpoint, using fallback",
			"issuer", origin, "token_endpoint", fallback)
		d.metrics.DiscoveryResult("fallback")
		return fallback
	}
	d.metrics.DiscoveryResult("discovered")
	return tokenURL
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// noCacheTransport asks intermediaries not to serve cached responses.
type noCacheTransport struct {
	base http.RoundTripper
}

func (t noCacheTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Cache-Control", "no-cache")
	return t.base.RoundTrip(r)
}
