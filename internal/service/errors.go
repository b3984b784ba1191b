package service

import "errors"

type ErrorKind string

const (
	KindDuplicateIdentity  ErrorKind = "USER_EXISTS"
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindAccountDisabled    ErrorKind = "ACCOUNT_DEACTIVATED"
	KindInvalidToken       ErrorKind = "INVALID_TOKEN"
	KindUserUnavailable    ErrorKind = "USER_NOT_FOUND"
	KindInvalidResetToken  ErrorKind = "INVALID_RESET_TOKEN"
	KindInvalidPassword    ErrorKind = "INVALID_PASSWORD"
	KindInternal           ErrorKind = "INTERNAL_ERROR"
)

// AuthError is the single tagged error type surfaced by the
// orchestrator. Callers dispatch on Kind, never on concrete types.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Details map[string]string
}

func (e *AuthError) Error() string {
	return e.Message
}

func newError(kind ErrorKind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// KindOf extracts the error kind, treating anything that is not an
// AuthError as an internal failure whose detail is not caller-facing.
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInternal
}
