package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
)

// LoginResponse represents the login response
type LoginResponse struct {
	AccessToken string             `json:"access_token"`
	TokenType   string             `json:"token_type"`
	User        collab.UserProfile `json:"user"`
}

// Login exchanges a username and password for an access token. The server
// expects a form-encoded body. A 401 means the credentials were rejected and
// is reported as apierr.ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := newReplayableRequest(ctx, http.MethodPost, c.baseURL+"/auth/login", []byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.retryableRequest(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := readLimitedResponse(resp.Body, MaxResponseSize)
		return nil, &apierr.Error{
			Kind:       apierr.ErrInvalidCredentials,
			StatusCode: resp.StatusCode,
			Message:    string(detailMessage(body)),
		}
	}

	var loginResp LoginResponse
	if err := decodeResponse(resp, &loginResp); err != nil {
		return nil, err
	}
	if loginResp.AccessToken == "" {
		return nil, apierr.New(apierr.ErrServer, "login response missing access token")
	}
	return &loginResp, nil
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// Register creates an account. The new user still has to log in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*collab.UserProfile, error) {
	var user collab.UserProfile
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", nil, req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout revokes token on the server. A token the server already considers
// invalid is not an error.
func (c *Client) Logout(ctx context.Context, token string) error {
	err := c.doJSON(ctx, http.MethodPost, "/auth/logout", bearer(token), nil, nil)
	if errors.Is(err, apierr.ErrAuthorizationExpired) {
		return nil
	}
	return err
}

// Me fetches the profile of the token's owner.
func (c *Client) Me(ctx context.Context, token string) (*collab.UserProfile, error) {
	var user collab.UserProfile
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", bearer(token), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// DoWithToken sends a JSON request carrying a fixed bearer token. No
// credential source is consulted, so a 401 is returned to the caller as
// apierr.ErrAuthorizationExpired without clearing anything.
func (c *Client) DoWithToken(ctx context.Context, method, path, token string, in, out any) error {
	return c.doJSON(ctx, method, path, bearer(token), in, out)
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// CredentialSource supplies the current access token and accepts forced
// invalidation requests. session.Manager implements it.
type CredentialSource interface {
	// AccessToken returns apierr.ErrNotAuthenticated when no token is stored.
	AccessToken() (string, error)
	// Invalidate clears the session only if token is still the stored token.
	Invalidate(token, reason string) bool
}

// AuthenticatedClient wraps Client with authentication
type AuthenticatedClient struct {
	client *Client
	creds  CredentialSource
}

// NewAuthenticatedClient creates a new authenticated API client
func NewAuthenticatedClient(client *Client, creds CredentialSource) *AuthenticatedClient {
	return &AuthenticatedClient{
		client: client,
		creds:  creds,
	}
}

// Client returns the unauthenticated client.
func (ac *AuthenticatedClient) Client() *Client {
	return ac.client
}

// AuthenticatedRequest executes req with the current token. On 401 the token
// is handed to the forced-invalidation path and apierr.ErrAuthorizationExpired
// is returned; the caller never sees the 401 response.
func (ac *AuthenticatedClient) AuthenticatedRequest(req *http.Request) (*http.Response, error) {
	token, err := ac.creds.AccessToken()
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	resp, err := ac.client.retryableRequest(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		_ = resp.Body.Close()

		ac.creds.Invalidate(token, fmt.Sprintf("%s %s returned 401", req.Method, req.URL.Path))
		return nil, &apierr.Error{Kind: apierr.ErrAuthorizationExpired, StatusCode: http.StatusUnauthorized}
	}

	return resp, nil
}

// Do sends an authenticated JSON request and decodes the response into out.
func (ac *AuthenticatedClient) Do(ctx context.Context, method, path string, in, out any) error {
	req, err := ac.client.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}

	resp, err := ac.AuthenticatedRequest(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, out)
}
