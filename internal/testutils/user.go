package testutils

import (
	"github.com/google/uuid"

	"github.com/nfrund/boardboard/internal/auth"
)

// TestUser is an account with the password the fake auth backends check.
type TestUser struct {
	auth.User
	Password string
}

// NewTestUser builds a user with a random id and username stored in the
// metadata, the way sign-up stores it.
func NewTestUser(username, password string) TestUser {
	return TestUser{
		User: auth.User{
			ID:           uuid.NewString(),
			Email:        username + "@example.com",
			UserMetadata: map[string]any{"username": username},
		},
		Password: password,
	}
}

// Session returns an auth session for the user with a token derived from
// the id.
func (u TestUser) Session() *auth.Session {
	return &auth.Session{AccessToken: "jwt-" + u.ID, TokenType: "bearer", User: u.User}
}
