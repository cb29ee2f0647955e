// Package apierr defines the error taxonomy shared by the session, cache,
// realtime and notification layers.
//
// Every error produced by a transport is classified under exactly one kind
// sentinel so callers can branch with errors.Is without inspecting status
// codes. Session-fatal kinds are handled once by the forced-invalidation path
// and should not be shown to the user a second time.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels.
var (
	// ErrInvalidCredentials is returned when the auth server rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrValidation covers 4xx responses other than 401.
	ErrValidation = errors.New("validation error")
	// ErrAuthorizationExpired is session-fatal. It is reported after the
	// forced-invalidation path already cleared the session.
	ErrAuthorizationExpired = errors.New("authorization expired")
	// ErrResolverAuthorization is an operation-scoped authorization failure.
	// The session is left untouched.
	ErrResolverAuthorization = errors.New("not authorized for operation")
	// ErrNetwork is a transport failure (connection refused, timeout, reset).
	ErrNetwork = errors.New("network error")
	// ErrServer covers 5xx responses.
	ErrServer = errors.New("server error")
	// ErrAlreadyTerminal reports that an invitation was already resolved.
	// It is an idempotence outcome, not a failure.
	ErrAlreadyTerminal = errors.New("invitation already resolved")
	// ErrNotAuthenticated is returned when an authenticated call is made
	// without a stored token.
	ErrNotAuthenticated = errors.New("not authenticated: run 'plansync login' first")
	// ErrStaleResponse is returned when a response arrives for a session or
	// transport that has since been replaced. Its payload was discarded.
	ErrStaleResponse = errors.New("response belongs to a previous session")
)

// Error carries a kind sentinel plus transport detail.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an Error of the given kind.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Network wraps a transport failure.
func Network(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrNetwork, Err: err}
}

// FromStatus classifies a non-2xx HTTP response. The body is used as the
// message after trimming.
func FromStatus(status int, body []byte) error {
	msg := trimBody(body)
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: ErrAuthorizationExpired, StatusCode: status, Message: msg}
	case status >= 500:
		return &Error{Kind: ErrServer, StatusCode: status, Message: msg}
	case status >= 400:
		return &Error{Kind: ErrValidation, StatusCode: status, Message: msg}
	default:
		return &Error{Kind: ErrServer, StatusCode: status, Message: fmt.Sprintf("unexpected status: %s", msg)}
	}
}

// IsSessionFatal reports whether err terminates the session.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrAuthorizationExpired)
}

// IsTransient reports whether err is eligible for a user-initiated retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

const maxMessageLen = 256

func trimBody(body []byte) string {
	if len(body) > maxMessageLen {
		return string(body[:maxMessageLen]) + "..."
	}
	return string(body)
}
