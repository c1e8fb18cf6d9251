package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mnehpets/hfconnect/cookies"
	"github.com/mnehpets/hfconnect/endpoint"
	"github.com/mnehpets/hfconnect/metrics"
	"github.com/mnehpets/hfconnect/seal"
	"github.com/mnehpets/hfconnect/session"
)

// BasePath is where the OAuth routes are mounted.
const BasePath = "/oauth"

// StateFormat selects the state value issued by /oauth/start. Both formats are
// always accepted on the way back.
type StateFormat string

const (
	StateFormatToken  StateFormat = "token"
	StateFormatLegacy StateFormat = "legacy"
)

// ParseStateFormat parses a configured state format. An empty value selects
// StateFormatToken.
func ParseStateFormat(s string) (StateFormat, error) {
	switch f := StateFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return StateFormatToken, nil
	case StateFormatToken, StateFormatLegacy:
		return f, nil
	default:
		return "", fmt.Errorf("auth: unknown state format %q", s)
	}
}

// Handler serves the OAuth routes:
//
//	GET    /oauth/start     redirect to the provider
//	GET    /oauth/callback  server-side exchange, then redirect to the app
//	POST   /oauth/exchange  client-driven exchange
//	GET    /oauth/session   session status
//	POST   /oauth/session   store a token obtained elsewhere
//	DELETE /oauth/session   disconnect
type Handler struct {
	mux       *http.ServeMux
	provider  ProviderConfig
	publicURL string

	stateFormat StateFormat
	tokens      *TokenStateCodec
	pkce        *PKCECookies
	sessions    *session.Store
	exchanger   *Exchanger

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor

	cookieOptions    []cookies.Option
	logger           *slog.Logger
	metrics          *metrics.Recorder
	client           *http.Client
	discoveryTimeout time.Duration
	tokenTimeout     time.Duration
	stateMaxAge      time.Duration
	now              func() time.Time
}

// Option configures the Handler.
type Option func(*Handler)

// WithPublicURL fixes the externally visible base URL used to build the
// callback URL. Without it the URL is derived from the request and the
// X-Forwarded-Proto and X-Forwarded-Host headers.
func WithPublicURL(u string) Option {
	return func(h *Handler) {
		h.publicURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithStateFormat selects the state format issued by /oauth/start.
func WithStateFormat(f StateFormat) Option {
	return func(h *Handler) {
		if f != "" {
			h.stateFormat = f
		}
	}
}

// WithCookieOptions configures the session and PKCE cookie attributes.
func WithCookieOptions(opts ...cookies.Option) Option {
	return func(h *Handler) {
		h.cookieOptions = append(h.cookieOptions, opts...)
	}
}

// WithProcessors adds middleware processors to the auth endpoints.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHTTPClient sets the client used to talk to the provider.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeouts overrides the discovery and token request timeouts. Zero keeps
// the default.
func WithTimeouts(discovery, token time.Duration) Option {
	return func(h *Handler) {
		h.discoveryTimeout = discovery
		h.tokenTimeout = token
	}
}

// WithStateTTL overrides DefaultStateMaxAge.
func WithStateTTL(d time.Duration) Option {
	return func(h *Handler) { h.stateMaxAge = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a Handler. codec seals state tokens and sessions; it may
// be nil when no session secret is configured, in which case every route that
// needs it fails with a configuration error.
func NewHandler(provider ProviderConfig, codec *seal.Codec, opts ...Option) *Handler {
	h := &Handler{
		mux:         http.NewServeMux(),
		provider:    provider,
		stateFormat: StateFormatToken,
		logger:      slog.Default(),
		client:      http.DefaultClient,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	policy := cookies.New(h.cookieOptions...)
	h.pkce = NewPKCECookies(policy)
	h.sessions = session.NewStore(session.NewSealer(codec), policy, session.WithClock(h.now))
	h.tokens = NewTokenStateCodec(codec)
	h.tokens.now = h.now

	h.exchanger = NewExchanger(provider, []StateCodec{h.tokens, LegacyStateCodec{}},
		WithExchangeHTTPClient(h.client),
		WithDiscoverer(NewDiscoverer(h.client, h.discoveryTimeout, h.logger, h.metrics)),
		WithTokenTimeout(h.tokenTimeout),
		WithStateMaxAge(h.stateMaxAge),
		WithExchangeClock(h.now),
		WithExchangeLogger(h.logger),
		WithExchangeMetrics(h.metrics),
	)

	h.mux.Handle("GET "+BasePath+"/start", h.handler(endpoint.Handler(h.start, h.processors...)))
	h.mux.Handle("GET "+BasePath+"/callback", h.handler(endpoint.Handler(h.callback, h.processors...)))
	h.mux.Handle("POST "+BasePath+"/exchange", h.handler(endpoint.Handler(h.exchange, h.processors...)))
	h.mux.Handle("GET "+BasePath+"/session", h.handler(endpoint.Handler(h.getSession, h.processors...)))
	h.mux.Handle("POST "+BasePath+"/session", h.handler(endpoint.Handler(h.postSession, h.processors...)))
	h.mux.Handle("DELETE "+BasePath+"/session", h.handler(endpoint.Handler(h.deleteSession, h.processors...)))
	// Lets CORS processors answer preflight requests.
	h.mux.Handle("OPTIONS "+BasePath+"/", h.handler(endpoint.Handler(h.options, h.processors...)))
	return h
}

func (h *Handler) handler(eh *endpoint.EndpointHandler[struct{}]) http.Handler {
	eh.Logger = h.logger
	return eh
}

func (h *Handler) options(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.StringRenderer{Status: http.StatusNoContent}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Sessions returns the session store, for sharing with middleware that reads
// the session on other routes.
func (h *Handler) Sessions() *session.Store {
	return h.sessions
}

// CallbackURL returns the redirect URI registered with the provider for
// requests like r.
func (h *Handler) CallbackURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL + BasePath + "/callback"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); p == "http" || p == "https" {
		scheme = p
	}
	host := r.Host
	if fh := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fh != "" {
		host = fh
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: BasePath + "/callback"}).String()
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.ToLower(strings.TrimSpace(first))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if !h.provider.Configured() {
		return &endpoint.RedirectRenderer{URL: "/?oauth=disabled"}, nil
	}

	st := NewStartState()
	redirectURI := h.CallbackURL(r)

	var state string
	var err error
	switch h.stateFormat {
	case StateFormatLegacy:
		state, err = BuildLegacyState(st.Nonce, redirectURI)
	default:
		state, err = h.tokens.Build(StatePayload{
			Nonce:        st.Nonce,
			CodeVerifier: st.CodeVerifier,
			RedirectURI:  redirectURI,
			IssuedAt:     h.now().Unix(),
		})
	}
	if err != nil {
		return nil, toEndpointError(err)
	}

	h.pkce.Set(w, PKCEValues{Nonce: st.Nonce, CodeVerifier: st.CodeVerifier})

	authURL := h.provider.oauth2Config(redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", st.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	h.metrics.FlowStarted(string(h.stateFormat))
	return &endpoint.RedirectRenderer{URL: authURL, Status: http.StatusTemporaryRedirect}, nil
}

type callbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state" maxLength:""`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	var params callbackParams
	if err := endpoint.Unmarshal(r, &params); err != nil {
		return h.callbackFailure(w, err.Error()), nil
	}
	if params.Error != "" {
		reason := params.ErrorDesc
		if reason == "" {
			reason = params.Error
		}
		return h.callbackFailure(w, truncateRunes(reason, maxErrorDetailLen)), nil
	}

	result, err := h.exchanger.Exchange(r.Context(), ExchangeRequest{
		Code:               params.Code,
		State:              params.State,
		Cookies:            h.pkce.Read(r),
		DefaultRedirectURI: h.CallbackURL(r),
	})
	if err != nil {
		return h.callbackFailure(w, clientMessage(err)), nil
	}
	c, err := h.sessions.Cookie(result.Session)
	if err != nil {
		return h.callbackFailure(w, clientMessage(toEndpointError(err))), nil
	}
	http.SetCookie(w, c)
	h.pkce.Clear(w)
	h.metrics.SessionWrite("callback")
	return &endpoint.RedirectRenderer{URL: "/?oauth=connected", Status: http.StatusFound}, nil
}

func (h *Handler) callbackFailure(w http.ResponseWriter, reason string) endpoint.Renderer {
	h.pkce.Clear(w)
	q := url.Values{"oauth": {"error"}, "reason": {reason}}
	return &endpoint.RedirectRenderer{URL: "/?" + q.Encode(), Status: http.StatusFound}
}

// clientMessage is the message an error would carry in a JSON error body.
func clientMessage(err error) string {
	var ee *endpoint.EndpointError
	if errors.As(toEndpointError(err), &ee) && ee.Message != "" {
		return ee.Message
	}
	return endpoint.UnexpectedErrorMessage
}

type exchangeBody struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	CodeVerifier string `json:"codeVerifier"`
	Nonce        string `json:"nonce"`
	RedirectURI  string `json:"redirectUri"`
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if !h.provider.Configured() {
		return nil, toEndpointError(ErrNotConfigured)
	}
	var params struct {
		Body exchangeBody `body:",json"`
	}
	if err := endpoint.Unmarshal(r, &params); err != nil {
		return nil, err
	}

	result, err := h.exchanger.Exchange(r.Context(), ExchangeRequest{
		Code:               params.Body.Code,
		State:              params.Body.State,
		CodeVerifier:       params.Body.CodeVerifier,
		Nonce:              params.Body.Nonce,
		RedirectURI:        params.Body.RedirectURI,
		Cookies:            h.pkce.Read(r),
		DefaultRedirectURI: h.CallbackURL(r),
	})
	if err != nil {
		return nil, toEndpointError(err)
	}
	c, err := h.sessions.Cookie(result.Session)
	if err != nil {
		return nil, toEndpointError(err)
	}
	http.SetCookie(w, c)
	h.pkce.Clear(w)
	h.metrics.SessionWrite("exchange")
	return connected(result.Session.ExpiresAt), nil
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	p, err := h.sessions.Read(r)
	switch {
	case err == nil && p == nil:
		h.metrics.SessionRead("none")
		return disconnected(), nil
	case err == nil:
		h.metrics.SessionRead("valid")
		return connected(p.ExpiresAt), nil
	case errors.Is(err, session.ErrExpired):
		h.metrics.SessionRead("expired")
		http.SetCookie(w, h.sessions.Clear())
		return disconnected(), nil
	case errors.Is(err, session.ErrInvalid):
		h.metrics.SessionRead("invalid")
		return disconnected(), nil
	default:
		return nil, toEndpointError(err)
	}
}

type sessionBody struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   *json.Number `json:"expiresAt"`
}

func (h *Handler) postSession(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	var params struct {
		Body sessionBody `body:",json"`
	}
	if err := endpoint.Unmarshal(r, &params); err != nil {
		return nil, err
	}
	exp, err := session.ParseExpiresAt(params.Body.ExpiresAt)
	if err != nil {
		return nil, toEndpointError(err)
	}
	p, err := session.BuildPayload(params.Body.AccessToken, exp, h.now().Unix())
	if err != nil {
		return nil, toEndpointError(err)
	}
	c, err := h.sessions.Cookie(p)
	if err != nil {
		return nil, toEndpointError(err)
	}
	http.SetCookie(w, c)
	h.metrics.SessionWrite("manual")
	return connected(p.ExpiresAt), nil
}

func (h *Handler) deleteSession(w http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	http.SetCookie(w, h.sessions.Clear())
	h.metrics.SessionWrite("clear")
	return disconnected(), nil
}

type connectedResponse struct {
	Connected bool   `json:"connected"`
	ExpiresAt *int64 `json:"expiresAt"`
}

func connected(expiresAt *int64) endpoint.Renderer {
	return &endpoint.JSONRenderer{Value: connectedResponse{Connected: true, ExpiresAt: expiresAt}}
}

func disconnected() endpoint.Renderer {
	return &endpoint.JSONRenderer{Value: map[string]bool{"connected": false}}
}
