package handlers

import (
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// SignUpRequest is the body of POST /auth/signup.
type SignUpRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// BroadcastRequest is the body of POST /api/realtime/broadcast.
type BroadcastRequest struct {
	Topic   string          `json:"topic" validate:"required,max=255"`
	Event   string          `json:"event" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload"`
}

// FriendNotifyRequest is the body of POST /api/friends/:id/notify.
type FriendNotifyRequest struct {
	Event string `json:"event" validate:"required,oneof=friend_request friend_accepted"`
}
