// Package api is the REST client for the compliance backend. It owns request
// construction, bearer-token attachment, and error decoding; it performs no
// retries and no caching (see internal/query for the read-through layer).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/planproof/planproof/pkg/cerr"
)

// TokenSource supplies the current bearer token, or "" when logged out.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource, mainly for tests.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL (used for websocket resolution).
func (c *Client) BaseURL() string {
	return c.baseURL
}

// authExempt reports whether the endpoint must be called without an
// Authorization header.
func authExempt(endpoint string) bool {
	return strings.HasPrefix(endpoint, "/auth/login") || strings.HasPrefix(endpoint, "/auth/register")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return cerr.NewError(cerr.Internal, "failed to encode request body", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, &buf)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, endpoint, out)
}

func (c *Client) send(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" && !authExempt(endpoint) {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("%s %s failed", req.Method, endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return cerr.DecodeHTTPError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cerr.NewError(cerr.Internal, fmt.Sprintf("failed to decode %s response", endpoint), err)
	}
	return nil
}

// raw performs a GET and returns the response body bytes (binary downloads).
func (c *Client) raw(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, fmt.Sprintf("GET %s failed", endpoint), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, cerr.DecodeHTTPError(resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}
