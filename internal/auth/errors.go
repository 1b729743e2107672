package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Errors reported by the hosted auth service, normalized so callers can
// check them with errors.Is.
var (
	// ErrInvalidCredentials means the email and password do not match an
	// account.
	ErrInvalidCredentials = errors.New("invalid login credentials")

	// ErrUserAlreadyRegistered means the email is already linked to an
	// account.
	ErrUserAlreadyRegistered = errors.New("user already registered")

	// ErrWeakPassword means the password failed the service's strength check.
	ErrWeakPassword = errors.New("weak password")

	// ErrEmailNotConfirmed means the user tried to log in before confirming
	// their email.
	ErrEmailNotConfirmed = errors.New("email not confirmed")

	// ErrDatabase means the service failed to store the new user, usually
	// because the username violated a constraint.
	ErrDatabase = errors.New("database error saving new user")

	// ErrUnauthorized means the access token is missing, expired or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// APIError is an error response from the auth or data API.
type APIError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth api: %d: %s", e.Status, e.Message)
}

// Unwrap exposes the matching sentinel, if any.
func (e *APIError) Unwrap() error {
	return e.kind
}

// errorBody covers both error shapes the auth service has used.
type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b errorBody) code() string {
	switch {
	case b.ErrorCode != "":
		return b.ErrorCode
	case b.Error != "":
		return b.Error
	}
	if s, ok := b.Code.(string); ok {
		return s
	}
	return ""
}

func (b errorBody) message() string {
	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription, b.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

func newAPIError(status int, body errorBody) *APIError {
	e := &APIError{Status: status, Code: body.code(), Message: body.message()}
	e.kind = classify(status, e.Code, e.Message)
	return e
}

func classify(status int, code, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case code == "invalid_credentials" || strings.Contains(lower, "invalid login credentials"):
		return ErrInvalidCredentials
	case code == "user_already_exists" || code == "email_exists" || strings.Contains(lower, "already registered"):
		return ErrUserAlreadyRegistered
	case code == "weak_password" || strings.Contains(lower, "password should be"):
		return ErrWeakPassword
	case code == "email_not_confirmed" || strings.Contains(lower, "email not confirmed"):
		return ErrEmailNotConfirmed
	case strings.HasPrefix(code, "refresh_token_") || code == "session_not_found" || strings.Contains(lower, "invalid refresh token"):
		return ErrUnauthorized
	case strings.Contains(lower, "database error saving new user"):
		return ErrDatabase
	case status == 401 || status == 403 || code == "bad_jwt" || code == "PGRST301":
		return ErrUnauthorized
	case status == 404 || status == 406 || code == "PGRST116" || code == "user_not_found":
		return ErrNotFound
	}
	return nil
}
