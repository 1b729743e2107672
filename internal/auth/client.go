package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Config points the client at a hosted project.
type Config struct {
	// URL is the project root, e.g. https://<project>.supabase.co.
	URL string
	// AnonKey is the public API key.
	AnonKey string
	// ServiceRoleKey enables admin calls. Optional.
	ServiceRoleKey string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// User is an account as returned by the auth API.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Username returns the username stored in the user's metadata at sign-up.
func (u User) Username() string {
	if v, ok := u.UserMetadata["username"].(string); ok {
		return v
	}
	return ""
}

// Session is an authenticated session.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry returns when the access token expires, or the zero time when the
// server did not say.
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// stamp fills ExpiresAt from ExpiresIn when the server only sent the
// latter.
func (s *Session) stamp(now time.Time) {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
}

// SignUpResult holds the new user and, when the project does not require
// email confirmation, a session.
type SignUpResult struct {
	User    User
	Session *Session
}

// Profile is the user's row in user_profiles.
type Profile struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Client talks to the hosted auth (GoTrue) and data (PostgREST) APIs.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	http       *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("auth: invalid project url %q", cfg.URL)
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("auth: anon key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceRoleKey,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "auth"),
	}, nil
}

// SignUp registers a new account. The username is stored in the user's
// metadata.
func (c *Client) SignUp(ctx context.Context, username, email, password string) (*SignUpResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"username": username},
	}
	// The response is a session when email confirmation is off and a bare
	// user otherwise.
	var raw struct {
		Session
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", c.anonKey, body, &raw, nil); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	if raw.AccessToken != "" {
		s := raw.Session
		s.stamp(time.Now())
		return &SignUpResult{User: s.User, Session: &s}, nil
	}
	user := User{
		ID:           raw.ID,
		Email:        raw.Email,
		UserMetadata: map[string]any{"username": username},
	}
	return &SignUpResult{User: user}, nil
}

// SignIn exchanges an email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", c.anonKey, body, &s, nil); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	s.stamp(time.Now())
	return &s, nil
}

// RefreshSession exchanges a refresh token for a new session. Refresh
// tokens are single use; the returned session carries the next one.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}
	body := map[string]string{"refresh_token": refreshToken}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", c.anonKey, body, &s, nil); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	s.stamp(time.Now())
	return &s, nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// GetUser resolves the user behind accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrUnauthorized
	}
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u, nil); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// FetchProfile loads the user_profiles row of userID as seen by the owner
// of accessToken.
func (c *Client) FetchProfile(ctx context.Context, accessToken, userID string) (*Profile, error) {
	path := "/rest/v1/user_profiles?select=*&id=eq." + url.QueryEscape(userID)
	header := http.Header{"Accept": []string{"application/vnd.pgrst.object+json"}}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &raw, header); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("fetch profile: decode: %w", err)
	}
	p.Raw = raw
	return &p, nil
}

// AdminDeleteUser removes the account. It needs the service role key.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	if c.serviceKey == "" {
		return fmt.Errorf("admin delete user: service role key not configured")
	}
	path := "/auth/v1/admin/users/" + url.PathEscape(userID)
	if err := c.doWithKey(ctx, c.serviceKey, http.MethodDelete, path, c.serviceKey, nil, nil, nil); err != nil {
		return fmt.Errorf("admin delete user: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any, header http.Header) error {
	return c.doWithKey(ctx, c.anonKey, method, path, bearer, in, out, header)
}

func (c *Client) doWithKey(ctx context.Context, apiKey, method, path, bearer string, in, out any, header http.Header) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("apikey", apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		apiErr := newAPIError(resp.StatusCode, eb)
		c.logger.Debug("auth api error", "method", method, "path", strings.SplitN(path, "?", 2)[0], "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
