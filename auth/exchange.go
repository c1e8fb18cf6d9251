package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mnehpets/hfconnect/metrics"
	"github.com/mnehpets/hfconnect/session"
)

// DefaultTokenTimeout bounds the token endpoint request.
const DefaultTokenTimeout = 10 * time.Second

const (
	// maxTokenResponseBytes limits how much of a token response is read.
	maxTokenResponseBytes = 64 << 10
	// maxErrorDetailLen limits provider error detail echoed to clients.
	maxErrorDetailLen = 220
)

// callbackSuffix is the path every accepted redirect URI must end with.
const callbackSuffix = "/oauth/callback"

// ExchangeRequest is one authorization-code exchange.
type ExchangeRequest struct {
	Code  string
	State string

	// Optional values supplied by the client alongside code and state.
	CodeVerifier string
	Nonce        string
	RedirectURI  string

	// Cookies are the PKCE cookies sent with the request, if any.
	Cookies PKCEValues

	// DefaultRedirectURI is the server-computed callback URL.
	DefaultRedirectURI string
}

// ExchangeResult is a successful exchange.
type ExchangeResult struct {
	Session       session.Payload
	TokenEndpoint string
	Method        ExchangeMethod
}

// Exchanger runs the authorization-code exchange.
type Exchanger struct {
	provider     ProviderConfig
	codecs       []StateCodec
	discoverer   *Discoverer
	client       *http.Client
	tokenTimeout time.Duration
	stateMaxAge  time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithExchangeHTTPClient sets the client used for discovery and token requests.
func WithExchangeHTTPClient(c *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		if c != nil {
			e.client = c
		}
	}
}

// WithTokenTimeout overrides DefaultTokenTimeout.
func WithTokenTimeout(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.tokenTimeout = d
		}
	}
}

// WithDiscoverer overrides the token endpoint discoverer.
func WithDiscoverer(d *Discoverer) ExchangerOption {
	return func(e *Exchanger) { e.discoverer = d }
}

// WithStateMaxAge overrides DefaultStateMaxAge.
func WithStateMaxAge(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.stateMaxAge = d
		}
	}
}

// WithExchangeClock injects the time source.
func WithExchangeClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		if now != nil {
			e.now = now
		}
	}
}

// WithExchangeLogger sets the logger.
func WithExchangeLogger(l *slog.Logger) ExchangerOption {
	return func(e *Exchanger) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExchangeMetrics sets the metrics recorder.
func WithExchangeMetrics(m *metrics.Recorder) ExchangerOption {
	return func(e *Exchanger) { e.metrics = m }
}

// NewExchanger creates an Exchanger for provider. codecs decode the state
// parameter, tried in order.
func NewExchanger(provider ProviderConfig, codecs []StateCodec, opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		provider:     provider,
		codecs:       codecs,
		client:       http.DefaultClient,
		tokenTimeout: DefaultTokenTimeout,
		stateMaxAge:  DefaultStateMaxAge,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.discoverer == nil {
		e.discoverer = NewDiscoverer(e.client, DefaultDiscoveryTimeout, e.logger, e.metrics)
	}
	return e
}

// Exchange validates req and trades its code for an access token.
//
// No network request is made until the state, redirect URI and client
// credentials have all been validated.
func (e *Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (res ExchangeResult, err error) {
	start := e.now()
	method := e.provider.Method()
	defer func() {
		e.metrics.ExchangeOutcome(string(method), outcomeOf(err), e.now().Sub(start))
	}()

	if !e.provider.Configured() {
		return ExchangeResult{}, ErrNotConfigured
	}

	code := strings.TrimSpace(req.Code)
	rawState := strings.TrimSpace(req.State)
	if code == "" || rawState == "" {
		return ExchangeResult{}, ErrMissingCodeOrState
	}

	fallbackNonce := firstNonEmpty(req.Nonce, req.Cookies.Nonce)
	state, err := DecodeState(rawState, fallbackNonce, e.codecs...)
	if err != nil {
		return ExchangeResult{}, err
	}

	redirectURI := firstNonEmpty(req.RedirectURI, state.RedirectURI, req.DefaultRedirectURI)
	if !validRedirectURI(redirectURI) {
		return ExchangeResult{}, ErrRedirectInvalid
	}
	if err := ValidateStatePayload(state, redirectURI, ValidateOptions{Now: e.now(), MaxAge: e.stateMaxAge}); err != nil {
		return ExchangeResult{}, err
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	var basicAuth bool
	switch method {
	case ExchangeClientSecret:
		if strings.TrimSpace(e.provider.ClientSecret) == "" {
			return ExchangeResult{}, ErrClientSecretMissing
		}
		basicAuth = true
	default:
		verifier := firstNonEmpty(req.CodeVerifier, state.CodeVerifier, req.Cookies.CodeVerifier)
		if verifier == "" {
			return ExchangeResult{}, ErrVerifierMissing
		}
		form.Set("client_id", e.provider.ClientID)
		form.Set("code_verifier", verifier)
	}

	tokenURL := e.discoverer.TokenEndpoint(ctx, e.provider)

	e.logger.Info("exchanging oauth code", "token_endpoint", tokenURL, "method", method, "legacy_state", state.Legacy)
	status, body, err := e.tokenRequest(ctx, tokenURL, form, basicAuth)
	if err != nil {
		e.logger.Warn("oauth token request failed", "token_endpoint", tokenURL, "error", err)
		return ExchangeResult{}, err
	}

	issuedAt := e.now().Unix()
	accessToken, expiresAt, err := parseTokenResponse(status, body, issuedAt)
	if err != nil {
		e.logger.Warn("oauth token exchange rejected", "token_endpoint", tokenURL, "status", status, "error", err)
		return ExchangeResult{}, err
	}

	p, err := session.BuildPayload(accessToken, expiresAt, issuedAt)
	if err != nil {
		return ExchangeResult{}, wrap(ErrMissingAccessToken, err)
	}
	e.logger.Info("oauth token exchange succeeded", "token_endpoint", tokenURL, "method", method, "expiring", expiresAt != nil)
	return ExchangeResult{Session: p, TokenEndpoint: tokenURL, Method: method}, nil
}

// tokenRequest posts form to tokenURL and returns the status and raw body.
func (e *Exchanger) tokenRequest(ctx context.Context, tokenURL string, form url.Values, basicAuth bool) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, wrap(ErrProviderUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if basicAuth {
		req.SetBasicAuth(e.provider.ClientID, e.provider.ClientSecret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return 0, nil, wrap(ErrProviderTimeout, err)
		}
		return 0, nil, wrap(ErrProviderUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return 0, nil, wrap(ErrProviderTimeout, err)
		}
		return 0, nil, wrap(ErrProviderUnreachable, err)
	}
	return resp.StatusCode, body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseTokenResponse validates a token endpoint response. The body is parsed
// leniently: an empty or non-JSON body reads as having no fields.
func parseTokenResponse(status int, body []byte, now int64) (string, *int64, error) {
	var doc gjson.Result
	if gjson.ValidBytes(body) {
		doc = gjson.ParseBytes(body)
	}

	if status < 200 || status > 299 {
		return "", nil, tokenExchangeError(status, providerErrorDetail(doc))
	}

	tok := doc.Get("access_token")
	if tok.Type != gjson.String || strings.TrimSpace(tok.Str) == "" {
		return "", nil, ErrMissingAccessToken
	}
	return strings.TrimSpace(tok.Str), tokenExpiry(doc, now), nil
}

// tokenExpiry prefers expires_in relative to now, then an absolute expires_at
// in the future. Tokens with neither are treated as non-expiring.
func tokenExpiry(doc gjson.Result, now int64) *int64 {
	if v := doc.Get("expires_in"); v.Type == gjson.Number {
		if f := v.Float(); f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f) {
			exp := now + int64(f)
			return &exp
		}
	}
	if v := doc.Get("expires_at"); v.Type == gjson.Number {
		if f := v.Float(); f > float64(now) && !math.IsInf(f, 0) && !math.IsNaN(f) {
			exp := int64(f)
			return &exp
		}
	}
	return nil
}

func providerErrorDetail(doc gjson.Result) string {
	for _, key := range []string{"error_description", "detail", "message", "error"} {
		v := doc.Get(key)
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return truncateRunes(s, maxErrorDetailLen)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// tokenExchangeError keeps provider 4xx statuses and maps everything else to
// 502.
func tokenExchangeError(status int, detail string) *Error {
	e := wrap(ErrTokenExchange, nil)
	if status >= 400 && status <= 499 {
		e.Status = status
	}
	if detail != "" {
		e.Message = strings.TrimSuffix(ErrTokenExchange.Message, ".") + ": " + detail
	}
	return e
}

// validRedirectURI accepts absolute http(s) URLs whose path ends in the
// callback route.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !isHTTPURL(raw) {
		return false
	}
	return strings.HasSuffix(u.Path, callbackSuffix)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind.String()
	}
	return "error"
}
