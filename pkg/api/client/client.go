// Package client is a typed HTTP client for the deployx API.
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
)

// Client provides typed access to the deployx API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4571"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// DeployResponse is returned by a successful POST /deploy.
type DeployResponse struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId"`
	TaskArn   string `json:"taskArn"`
}

// Health mirrors the /healthz payload.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
	Timestamp  string         `json:"timestamp"`
}

// Deploy starts a deployment of repoURL under projectID.
func (c *Client) Deploy(ctx context.Context, projectID, repoURL string) (DeployResponse, error) {
	body := map[string]string{
		"PROJECT_ID":              projectID,
		"USER_GIT_REPOSITORY_URL": repoURL,
	}
	var resp DeployResponse
	if err := c.do(ctx, http.MethodPost, "/deploy", body, &resp); err != nil {
		return DeployResponse{}, err
	}
	return resp, nil
}

// Health fetches the API health report. A degraded API returns an APIError
// with status 503.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return Health{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
