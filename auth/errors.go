package auth

import (
	"errors"
	"net/http"

	"github.com/mnehpets/hfconnect/endpoint"
	"github.com/mnehpets/hfconnect/session"
)

// Kind classifies an auth failure by who has to act on it.
type Kind int

const (
	// KindConfig errors must be fixed by the deployment and are never retried.
	KindConfig Kind = iota + 1
	// KindRequest errors are malformed client input.
	KindRequest
	// KindValidation errors mean the flow must be restarted from /oauth/start.
	KindValidation
	// KindUpstream errors come from the identity provider. The whole flow may
	// be retried.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindRequest:
		return "request"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is an auth failure with a client-visible message and HTTP status.
//
// Package-level Err values are sentinels; errors returned by this package may
// be copies carrying a Cause, and still match their sentinel with errors.Is.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error

	sentinel *Error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel e was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.sentinel != nil && e.sentinel == t
}

func newSentinel(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// wrap returns a copy of sentinel carrying cause.
func wrap(sentinel *Error, cause error) *Error {
	c := *sentinel
	c.Cause = cause
	c.sentinel = sentinel
	return &c
}

var (
	ErrNotConfigured       = newSentinel(KindConfig, http.StatusServiceUnavailable, "OAuth is not configured on this deployment.")
	ErrClientSecretMissing = newSentinel(KindConfig, http.StatusServiceUnavailable, "OAuth client secret is not configured on this deployment.")
	ErrSigningKeyMissing   = newSentinel(KindConfig, http.StatusInternalServerError, "OAuth session secret is not configured on this deployment.")

	ErrMissingCodeOrState = newSentinel(KindRequest, http.StatusBadRequest, "OAuth code and state are required.")

	ErrStateInvalid     = newSentinel(KindValidation, http.StatusBadRequest, "OAuth state payload is invalid.")
	ErrStateMismatch    = newSentinel(KindValidation, http.StatusBadRequest, "OAuth state validation failed.")
	ErrStateExpired     = newSentinel(KindValidation, http.StatusBadRequest, "OAuth state expired. Start OAuth again.")
	ErrRedirectMismatch = newSentinel(KindValidation, http.StatusBadRequest, "OAuth redirect URL mismatch.")
	ErrRedirectInvalid  = newSentinel(KindValidation, http.StatusBadRequest, "OAuth redirect URL is invalid.")
	ErrVerifierMissing  = newSentinel(KindValidation, http.StatusBadRequest, "OAuth verifier state is missing. Start OAuth again.")

	// ErrTokenExchange matches every non-2xx token endpoint response. The
	// returned error carries the provider's detail and status.
	ErrTokenExchange       = newSentinel(KindUpstream, http.StatusBadGateway, "Unable to complete OAuth token exchange.")
	ErrMissingAccessToken  = newSentinel(KindUpstream, http.StatusBadGateway, "OAuth token response did not include an access token.")
	ErrProviderTimeout     = newSentinel(KindUpstream, http.StatusGatewayTimeout, "OAuth provider did not respond in time.")
	ErrProviderUnreachable = newSentinel(KindUpstream, http.StatusBadGateway, "Unable to reach the OAuth provider.")
)

// StatusOf returns the HTTP status for err, or 500 for errors that are not
// auth or session failures.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	switch {
	case errors.Is(err, session.ErrEmptyAccessToken),
		errors.Is(err, session.ErrInvalidExpiry),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// toEndpointError converts err into the client-visible shape rendered by the
// endpoint package. Unclassified errors are passed through and rendered as a
// generic 500.
func toEndpointError(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return endpoint.Error(ae.Status, ae.Message, err)
	}
	switch {
	case errors.Is(err, session.ErrNoKey):
		return endpoint.Error(http.StatusInternalServerError, ErrSigningKeyMissing.Message, err)
	case errors.Is(err, session.ErrEmptyAccessToken),
		errors.Is(err, session.ErrInvalidExpiry),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrInvalid):
		return endpoint.Error(http.StatusBadRequest, err.Error(), err)
	}
	return err
}
