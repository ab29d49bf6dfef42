package stintsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Stint HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue mirrors the API issue model.
type Issue struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	URL           string `json:"url"`
	Summary       string `json:"summary"`
	AssigneeEmail string `json:"assignee_email"`
	TimeTracked   int64  `json:"time_tracked_total"`
}

// Status is the tracking status surface.
type Status struct {
	ActiveIssueKey *string `json:"active_issue_key,omitempty"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Issues lists all known issues.
func (c *Client) Issues(ctx context.Context) ([]Issue, error) {
	var resp struct {
		Items []Issue `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/issues", nil, &resp)
	return resp.Items, err
}

// AddIssue creates a local issue.
func (c *Client) AddIssue(ctx context.Context, key, summary string) (Issue, error) {
	body := map[string]any{"key": key, "summary": summary}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues", body, &resp)
	return resp, err
}

// ImportIssue imports an issue from the remote tracker.
func (c *Client) ImportIssue(ctx context.Context, key string) (Issue, error) {
	body := map[string]any{"key": key}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/import", body, &resp)
	return resp, err
}

// Start begins tracking an issue, stopping any active session first.
func (c *Client) Start(ctx context.Context, key string) error {
	body := map[string]any{"key": key}
	return c.do(ctx, http.MethodPost, "v0/tracking/start", body, nil)
}

// Stop ends the active session; a no-op when idle.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/tracking/stop", nil, nil)
}

// Status reports the active issue key and elapsed seconds.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/tracking", nil, &resp)
	return resp, err
}

// Recent lists recently tracked issue keys, most recent last.
func (c *Client) Recent(ctx context.Context) ([]string, error) {
	var resp struct {
		Items []string `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/issues/recent", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
