package auth

import (
	"errors"
)

// Kind classifies an authentication or authorization failure.
type Kind string

// Error kinds. Every credential problem shares KindSession so that callers
// cannot tell a missing key from a disabled one.
const (
	KindSession  Kind = "session"
	KindAccess   Kind = "access"
	KindNotFound Kind = "not_found"
)

// Messages surfaced to clients.
const (
	MsgNoCredentials   = "No Session ID or API Key could be found"
	MsgInvalidSession  = "Invalid Session"
	MsgSessionExpired  = "Session Expired"
	MsgInvalidUser     = "Invalid User"
	MsgInvalidAPIKey   = "Invalid API Key"
	MsgAPIKeyDisabled  = "Invalid API Key (disabled)"
	MsgAPIKeyExpired   = "Invalid API Key (expired)"
	MsgBadLogin        = "Incorrect username or password"
	MsgBadPassword     = "Incorrect password"
	MsgSessionRequired = "This operation requires a user session"
)

// Error is a structured auth failure. It is always returned, never
// panicked, and the gate turns it into a client response.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// SessionError creates a KindSession error.
func SessionError(msg string) *Error {
	return &Error{Kind: KindSession, Message: msg}
}

// AccessError creates a KindAccess error.
func AccessError(msg string) *Error {
	return &Error{Kind: KindAccess, Message: msg}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr, true
	}

	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	authErr, ok := AsError(err)

	return ok && authErr.Kind == kind
}
