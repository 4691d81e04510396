package client

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

	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/audit"
	"github.com/vaultgate/vaultgate/internal/settings"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the settings API. It satisfies autosave.Store.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Option configures a Client
type Option func(*Client)

// WithToken sends token as a bearer credential on every request
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the server at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch returns the full settings catalog grouped by category
func (c *Client) Fetch(ctx context.Context) (settings.Catalog, error) {
	var resp settings.FetchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/settings", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Settings == nil {
		resp.Settings = settings.Catalog{}
	}
	return resp.Settings, nil
}

// Update persists batch in one request. The server applies it atomically.
func (c *Client) Update(ctx context.Context, batch []settings.Change) ([]settings.Setting, error) {
	var resp settings.UpdateResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/settings", settings.UpdateRequest{Settings: batch}, &resp); err != nil {
		return nil, err
	}
	return resp.Updated, nil
}

// Get returns a single setting
func (c *Client) Get(ctx context.Context, key string) (settings.Setting, error) {
	var s settings.Setting
	err := c.do(ctx, http.MethodGet, "/api/v1/settings/"+url.PathEscape(key), nil, &s)
	return s, err
}

// Meta returns the server's settings metadata
func (c *Client) Meta(ctx context.Context) ([]settingsmeta.Meta, error) {
	var resp struct {
		Settings []settingsmeta.Meta `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/settings/meta", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// Audit lists recent changes, optionally narrowed to one key
func (c *Client) Audit(ctx context.Context, key string, limit int) ([]*audit.Record, error) {
	q := url.Values{}
	if key != "" {
		q.Set("key", key)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []*audit.Record `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).Debug("Settings API request failed")
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Settings API request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
