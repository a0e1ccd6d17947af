package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// Endpoint paths served by the auth server
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
	VerifyPath  = "/api/me"
)

// DefaultTimeout bounds a single call when the caller's context has no deadline
const DefaultTimeout = 15 * time.Second

// maxBodySize caps how much of a response body is read
const maxBodySize = 1 << 20

// LoginRequest is the body of a login call
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// TokenResponse is returned by login and refresh
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// IdentityResponse is returned by the verify endpoint
type IdentityResponse struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the body of a failed call
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPAuth talks to the auth server over HTTP.
// It attaches credentials itself and is never routed through the session interceptor.
type HTTPAuth struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	log     logr.Logger
}

// Option configures an HTTPAuth
type Option func(*HTTPAuth)

// WithHTTPClient sets the client used for every call
func WithHTTPClient(client *http.Client) Option {
	return func(a *HTTPAuth) {
		a.client = client
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) Option {
	return func(a *HTTPAuth) {
		a.timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(log logr.Logger) Option {
	return func(a *HTTPAuth) {
		a.log = log
	}
}

// NewHTTPAuth creates a client for the auth server at baseURL
func NewHTTPAuth(baseURL string, opts ...Option) (*HTTPAuth, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid auth server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid auth server URL %q: scheme must be http or https", baseURL)
	}

	a := &HTTPAuth{
		baseURL: u,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithName("remote")
	return a, nil
}

// Login exchanges an identifier and secret for a credential
func (a *HTTPAuth) Login(ctx context.Context, identifier, secret string) (core.Credential, error) {
	body, err := json.Marshal(LoginRequest{Identifier: identifier, Secret: secret})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}

	var resp TokenResponse
	if err := a.do(ctx, "login", http.MethodPost, LoginPath, "", body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", core.TransportError("login", fmt.Errorf("empty access token in response"))
	}
	return core.Credential(resp.AccessToken), nil
}

// Verify checks credential with the server
func (a *HTTPAuth) Verify(ctx context.Context, credential core.Credential) (core.Identity, error) {
	var resp IdentityResponse
	if err := a.do(ctx, "verify", http.MethodGet, VerifyPath, credential, nil, &resp); err != nil {
		return core.Identity{}, err
	}
	return core.Identity{Subject: resp.Subject, ExpiresAt: resp.ExpiresAt}, nil
}

// Refresh exchanges credential for a new one
func (a *HTTPAuth) Refresh(ctx context.Context, credential core.Credential) (core.Credential, error) {
	var resp TokenResponse
	if err := a.do(ctx, "refresh", http.MethodPost, RefreshPath, credential, nil, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", core.TransportError("refresh", fmt.Errorf("empty access token in response"))
	}
	return core.Credential(resp.AccessToken), nil
}

// Revoke asks the server to invalidate credential
func (a *HTTPAuth) Revoke(ctx context.Context, credential core.Credential) error {
	return a.do(ctx, "revoke", http.MethodPost, LogoutPath, credential, nil, nil)
}

func (a *HTTPAuth) do(ctx context.Context, op, method, path string, credential core.Credential, body []byte, out any) error {
	if _, ok := ctx.Deadline(); !ok && a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return core.TransportError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !credential.IsZero() {
		req.Header.Set("Authorization", credential.Bearer())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return core.TransportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return core.TransportError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("%s %s: %s", method, path, statusMessage(resp.StatusCode, data))
		a.log.V(1).Info("auth server call failed", "op", op, "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return core.RejectedError(op, statusErr)
		}
		return core.TransportError(op, statusErr)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.TransportError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func statusMessage(status int, body []byte) string {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Sprintf("%d %s", status, e.Error)
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

var _ ports.RemoteAuth = (*HTTPAuth)(nil)
