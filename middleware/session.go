package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// This file defines the session processor + context accessors. The session
// itself lives entirely in the sealed cookie; see package session.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mnehpets/hfconnect/endpoint"
	"github.com/mnehpets/hfconnect/metrics"
	"github.com/mnehpets/hfconnect/session"
)

// ErrSessionRequired is returned by RequireSession when the request carries no
// usable session.
var ErrSessionRequired = endpoint.Error(http.StatusUnauthorized, "OAuth session is required.", nil)

type sessionContextKey struct{}

// WithSession returns a context carrying p.
func WithSession(ctx context.Context, p *session.Payload) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, p)
}

// SessionFromContext returns the validated session, if the request had one.
func SessionFromContext(ctx context.Context) (*session.Payload, bool) {
	p, ok := ctx.Value(sessionContextKey{}).(*session.Payload)
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// AccessToken returns the session access token, or "" when there is none.
func AccessToken(ctx context.Context) string {
	if p, ok := SessionFromContext(ctx); ok {
		return p.AccessToken
	}
	return ""
}

// SessionProcessor reads the session cookie and exposes the payload to
// downstream handlers via SessionFromContext.
//
// A missing or invalid cookie leaves the request without a session. An expired
// cookie is additionally cleared on the response.
type SessionProcessor struct {
	store    *session.Store
	required bool
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// SessionProcessorOption configures a SessionProcessor.
type SessionProcessorOption func(*SessionProcessor)

// RequireSession rejects requests without a valid session with 401.
func RequireSession() SessionProcessorOption {
	return func(p *SessionProcessor) { p.required = true }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionProcessorOption {
	return func(p *SessionProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSessionMetrics sets the metrics recorder.
func WithSessionMetrics(m *metrics.Recorder) SessionProcessorOption {
	return func(p *SessionProcessor) { p.metrics = m }
}

// NewSessionProcessor creates a SessionProcessor reading from store.
func NewSessionProcessor(store *session.Store, opts ...SessionProcessorOption) *SessionProcessor {
	p := &SessionProcessor{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	payload, err := p.store.Read(r)
	switch {
	case err == nil && payload == nil:
		p.metrics.SessionRead("none")
	case err == nil:
		p.metrics.SessionRead("valid")
		r = r.WithContext(WithSession(r.Context(), payload))
	case errors.Is(err, session.ErrExpired):
		p.metrics.SessionRead("expired")
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			http.SetCookie(w, p.store.Clear())
		})
	case errors.Is(err, session.ErrInvalid):
		p.metrics.SessionRead("invalid")
		p.logger.Debug("ignoring invalid session cookie", "path", r.URL.Path)
	case errors.Is(err, session.ErrNoKey):
		return endpoint.Error(http.StatusInternalServerError, session.ErrNoKey.Error(), err)
	default:
		return err
	}

	if p.required {
		if _, ok := SessionFromContext(r.Context()); !ok {
			return ErrSessionRequired
		}
	}
	return next(w, r)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
