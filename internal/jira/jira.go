package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stint/internal/config"
	"stint/internal/domain"
)

var (
	ErrNotFound = errors.New("remote issue not found")
	ErrAuth     = errors.New("remote authentication failed")
)

// Fetcher is the single operation the rest of the system needs from the
// remote tracker.
type Fetcher interface {
	FetchIssue(ctx context.Context, key string) (domain.Issue, error)
}

// Client fetches issues from the Jira REST API with basic auth. One Client
// is shared across concurrent handlers, so its fields are set once at
// construction and never written afterwards.
type Client struct {
	BaseURL    string
	User       string
	APIToken   string
	HTTPClient *http.Client
}

// New builds a client from config.
func New(cfg config.JiraConfig) *Client {
	return &Client{
		BaseURL:    cfg.BaseURL,
		User:       cfg.User,
		APIToken:   cfg.APIToken,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type issueResponse struct {
	ID     string `json:"id"`
	Self   string `json:"self"`
	Fields struct {
		Summary  string `json:"summary"`
		Assignee struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"assignee"`
		TimeSpent int64 `json:"timespent"`
	} `json:"fields"`
}

// FetchIssue fetches a remote issue by key and maps it to the local shape,
// remote id echoed.
func (c *Client) FetchIssue(ctx context.Context, key string) (domain.Issue, error) {
	endpoint := fmt.Sprintf("%s/rest/api/3/issue/%s", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	req.SetBasicAuth(c.User, c.APIToken)
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("fetch issue %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Issue{}, fmt.Errorf("issue %s: %w", key, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.Issue{}, fmt.Errorf("issue %s: %w", key, ErrAuth)
	case resp.StatusCode >= 300:
		return domain.Issue{}, fmt.Errorf("fetch issue %s: unexpected status %d", key, resp.StatusCode)
	}

	var body issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Issue{}, fmt.Errorf("decode issue %s: %w", key, err)
	}
	tracked := body.Fields.TimeSpent
	if tracked < 0 {
		tracked = 0
	}
	return domain.Issue{
		ID:            body.ID,
		Key:           key,
		URL:           body.Self,
		Summary:       body.Fields.Summary,
		AssigneeEmail: body.Fields.Assignee.EmailAddress,
		TimeTracked:   domain.Seconds(tracked),
	}, nil
}
