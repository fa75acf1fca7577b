package api

import (
	"context"
	"net/http"

	"github.com/planproof/planproof/internal/session"
	"github.com/planproof/planproof/pkg/cerr"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// authResponse accepts both response shapes the backend has shipped:
// a flat {"access_token": ...} and a nested {"token": ..., "user": {...}}.
type authResponse struct {
	AccessToken string        `json:"access_token"`
	Token       string        `json:"token"`
	User        *session.User `json:"user"`
}

func (r *authResponse) token() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.Token
}

// Login exchanges credentials for a bearer token. No Authorization header is
// sent on this call. The returned user may be nil when the backend responds
// with a token-only payload.
func (c *Client) Login(ctx context.Context, email, password string) (string, *session.User, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", credentials{Email: email, Password: password}, &resp); err != nil {
		return "", nil, err
	}
	token := resp.token()
	if token == "" {
		return "", nil, cerr.NewError(cerr.Internal, "login response carried no token", nil)
	}
	return token, resp.User, nil
}

// Register creates an account and returns the initial token the same way
// Login does.
func (c *Client) Register(ctx context.Context, email, password, fullName string) (string, *session.User, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", registerRequest{Email: email, Password: password, FullName: fullName}, &resp); err != nil {
		return "", nil, err
	}
	token := resp.token()
	if token == "" {
		return "", nil, cerr.NewError(cerr.Internal, "register response carried no token", nil)
	}
	return token, resp.User, nil
}

// Me fetches the authenticated user. Any failure means the stored token is no
// longer usable, so callers should clear the session on error.
func (c *Client) Me(ctx context.Context) (*session.User, error) {
	var user session.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
