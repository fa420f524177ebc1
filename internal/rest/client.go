// Package rest is the data-plane client for the Candlelife backend. It
// speaks the backend's PostgREST row API under /rest/v1 and the auth
// token endpoints under /auth/v1.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second

	restPath = "/rest/v1/"
	authPath = "/auth/v1/"
)

// Client talks to the backend REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// Options tune the client.
type Options struct {
	// Timeout bounds each request. Zero means defaultTimeout.
	Timeout time.Duration
}

// New creates a backend client. baseURL is the project root, e.g.
// https://xyz.candlelife.app.
func New(baseURL, apiKey string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, domain.NewValidationError("base_url", "must not be empty")
	}
	if apiKey == "" {
		return nil, domain.NewValidationError("api_key", "must not be empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// SetToken installs the signed-in user's access token. An empty token
// reverts requests to anonymous (API key only).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current access token, or the API key when signed
// out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

// apiError is the error body shape the row API returns.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// do performs one request. On 2xx it returns the body; otherwise a
// *domain.BackendError carrying the HTTP status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, body any) ([]byte, error) {
	op := method + " " + path

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewBackendError(op, 0, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, domain.NewBackendError(op, 0, err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.Token())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewBackendError(op, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewBackendError(op, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var decoded apiError
	if jsonErr := json.Unmarshal(respBody, &decoded); jsonErr == nil && decoded.Message != "" {
		return nil, domain.NewBackendError(op, resp.StatusCode, errors.New(decoded.Message))
	}
	return nil, domain.NewBackendError(op, resp.StatusCode,
		fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(respBody))))
}

// Select fetches rows from a table. query carries the row filters, e.g.
// {"id": ["eq.42"], "select": ["id,username"]}.
func (c *Client) Select(ctx context.Context, table string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, restPath+table, query, nil, nil)
}

// Insert adds a row and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table string, row any) ([]byte, error) {
	headers := map[string]string{"Prefer": "return=representation"}
	return c.do(ctx, http.MethodPost, restPath+table, nil, headers, row)
}

// Upsert inserts or merges a row on conflict. onConflict names the
// unique column set, e.g. "user_id".
func (c *Client) Upsert(ctx context.Context, table string, row any, onConflict string) error {
	query := url.Values{}
	if onConflict != "" {
		query.Set("on_conflict", onConflict)
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}
	_, err := c.do(ctx, http.MethodPost, restPath+table, query, headers, row)
	return err
}

// Session is a signed-in auth session.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// User is the auth-side identity attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SignIn exchanges email/password credentials for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	if email == "" {
		return Session{}, domain.NewValidationError("email", "must not be empty")
	}
	query := url.Values{"grant_type": []string{"password"}}
	body := map[string]string{"email": email, "password": password}

	raw, err := c.do(ctx, http.MethodPost, authPath+"token", query, nil, body)
	if err != nil {
		return Session{}, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, domain.NewBackendError("sign in", 0, fmt.Errorf("decode session: %w", err))
	}
	if sess.AccessToken == "" {
		return Session{}, domain.NewBackendError("sign in", 0, errors.New("response carried no access token"))
	}
	log.Debug().Str("user_id", sess.User.ID).Msg("signed in")
	return sess, nil
}

// RefreshSession exchanges a refresh token for a fresh session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, domain.NewValidationError("refresh_token", "must not be empty")
	}
	query := url.Values{"grant_type": []string{"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}

	raw, err := c.do(ctx, http.MethodPost, authPath+"token", query, nil, body)
	if err != nil {
		return Session{}, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, domain.NewBackendError("refresh session", 0, fmt.Errorf("decode session: %w", err))
	}
	return sess, nil
}

// SignOut revokes the current access token server-side. Best effort.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, authPath+"logout", nil, nil, nil)
	return err
}
