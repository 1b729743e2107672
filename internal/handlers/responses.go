package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/boardboard/internal/auth"
	"github.com/nfrund/boardboard/internal/realtime"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserResponse describes the signed-in user.
type UserResponse struct {
	ID       string          `json:"id"`
	Email    string          `json:"email"`
	Username string          `json:"username,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

// SignUpResponse is returned by POST /auth/signup.
type SignUpResponse struct {
	User UserResponse `json:"user"`
	// SignedIn is false when the account still needs email confirmation.
	SignedIn bool `json:"signed_in"`
}

// SendResponse reports the acknowledgement of a broadcast.
type SendResponse struct {
	Topic  string              `json:"topic"`
	Event  string              `json:"event"`
	Result realtime.SendResult `json:"result"`
}

// TopicsResponse lists the session's realtime subscriptions.
type TopicsResponse struct {
	Topics []TopicInfo `json:"topics"`
}

// TopicInfo is one tracked topic and the events with handlers on it.
type TopicInfo struct {
	Topic  string   `json:"topic"`
	Events []string `json:"events"`
}

func newUserResponse(ident realtime.Identity, profile *auth.Profile) UserResponse {
	r := UserResponse{ID: ident.ID, Email: ident.Email, Username: ident.Username}
	if profile != nil {
		r.Profile = profile.Raw
	}
	return r
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{Code: code, Message: message})
}

// User-facing messages for auth failures.
const (
	msgInvalidCredentials = "Invalid credentials!"
	msgWeakPassword       = "Weak password!"
	msgMissingField       = "Missing field!"
	msgInvalidUsername    = "Username is too short!"
	msgAlreadyRegistered  = "An account with that email already exists!"
	msgUsernameRejected   = "That username cannot be used!"
	msgEmailNotConfirmed  = "Please confirm your email before logging in!"
	msgSelfFriendRequest  = "You cannot send a friend request to yourself!"
)

// authError maps an auth client error to a response.
func authError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return errorJSON(c, http.StatusUnauthorized, "invalid_credentials", msgInvalidCredentials)
	case errors.Is(err, auth.ErrUserAlreadyRegistered):
		return errorJSON(c, http.StatusConflict, "already_registered", msgAlreadyRegistered)
	case errors.Is(err, auth.ErrWeakPassword):
		return errorJSON(c, http.StatusBadRequest, "weak_password", msgWeakPassword)
	case errors.Is(err, auth.ErrDatabase):
		return errorJSON(c, http.StatusBadRequest, "invalid_username", msgUsernameRejected)
	case errors.Is(err, auth.ErrEmailNotConfirmed):
		return errorJSON(c, http.StatusForbidden, "email_not_confirmed", msgEmailNotConfirmed)
	case errors.Is(err, auth.ErrUnauthorized):
		return errorJSON(c, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	}
	c.Logger().Errorf("auth request failed: %v", err)
	return errorJSON(c, http.StatusBadGateway, "auth_unavailable", "Authentication service unavailable")
}

// validationError maps a validator failure to the auth form messages.
func validationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	fe := verrs[0]
	switch {
	case fe.Tag() == "required":
		return errorJSON(c, http.StatusBadRequest, "missing_field", msgMissingField)
	case fe.Field() == "Username":
		return errorJSON(c, http.StatusBadRequest, "invalid_username", msgInvalidUsername)
	case fe.Field() == "Password":
		return errorJSON(c, http.StatusBadRequest, "weak_password", msgWeakPassword)
	}
	return errorJSON(c, http.StatusBadRequest, "invalid_"+toSnake(fe.Field()), fe.Error())
}

func toSnake(s string) string {
	out := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 'A' && ch <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}

// bindAndValidate binds the request body into v and validates it. When ok
// is false an error response has already been written and err is the
// result of writing it.
func bindAndValidate(c echo.Context, v any) (ok bool, err error) {
	if err := c.Bind(v); err != nil {
		return false, errorJSON(c, http.StatusBadRequest, "invalid_request", "Malformed request body")
	}
	if err := c.Validate(v); err != nil {
		return false, validationError(c, err)
	}
	return true, nil
}
