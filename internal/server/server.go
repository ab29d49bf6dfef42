package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stint/internal/domain"
	"stint/internal/jira"
	"stint/internal/store"
	"stint/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Tracker  *tracker.Tracker
	Remote   jira.Fetcher // nil disables remote import
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"issue TT-1: not found"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tracking API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stint API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerIssues(group, cfg.Tracker, cfg.Remote)
	registerTracking(group, cfg.Tracker)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "bad_gateway"
	default:
		return "internal"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jira.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, jira.ErrAuth):
		return newAPIError(http.StatusBadGateway, "auth_failed", err.Error())
	case errors.Is(err, store.ErrCorrupt):
		return newAPIError(http.StatusInternalServerError, "corrupt_data", err.Error())
	case errors.Is(err, tracker.ErrClock):
		return newAPIError(http.StatusInternalServerError, "clock_error", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "storage_error", err.Error())
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type issueBody struct {
	Body domain.Issue `json:"body"`
}

type issueListBody struct {
	Body struct {
		Items []domain.Issue `json:"items"`
	} `json:"body"`
}

func registerIssues(api huma.API, t *tracker.Tracker, remote jira.Fetcher) {
	huma.Register(api, huma.Operation{
		OperationID: "issues-list",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, _ *struct{}) (*issueListBody, error) {
		items, err := t.ListIssues(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &issueListBody{}
		resp.Body.Items = items
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issues-add",
		Method:      http.MethodPost,
		Path:        "/issues",
		Summary:     "Add a local issue",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Key     string `json:"key" minLength:"1"`
			Summary string `json:"summary"`
		} `json:"body"`
	}) (*issueBody, error) {
		issue, err := t.AddIssue(ctx, input.Body.Key, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issues-import",
		Method:      http.MethodPost,
		Path:        "/issues/import",
		Summary:     "Import an issue from the remote tracker",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Key string `json:"key" minLength:"1"`
		} `json:"body"`
	}) (*issueBody, error) {
		if remote == nil {
			return nil, newAPIError(http.StatusBadRequest, "import_disabled", "remote tracker not configured")
		}
		fetched, err := remote.FetchIssue(ctx, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		issue, err := t.ImportIssue(ctx, fetched)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issues-recent",
		Method:      http.MethodGet,
		Path:        "/issues/recent",
		Summary:     "Recently tracked issue keys, most recent last",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []string `json:"items"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Items []string `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = t.Recent()
		return resp, nil
	})
}

// statusBody is the tracking status surface: active key when tracking,
// elapsed whole seconds since the session began.
type statusBody struct {
	Body struct {
		ActiveIssueKey *string `json:"active_issue_key,omitempty"`
		ElapsedSeconds int64   `json:"elapsed_seconds"`
	} `json:"body"`
}

func registerTracking(api huma.API, t *tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "tracking-start",
		Method:      http.MethodPost,
		Path:        "/tracking/start",
		Summary:     "Start tracking an issue, stopping any active session first",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Key string `json:"key" minLength:"1"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := t.Start(ctx, input.Body.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tracking-stop",
		Method:      http.MethodPost,
		Path:        "/tracking/stop",
		Summary:     "Stop the active session; a no-op when idle",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := t.Stop(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tracking-status",
		Method:      http.MethodGet,
		Path:        "/tracking",
		Summary:     "Tracking status",
	}, func(ctx context.Context, _ *struct{}) (*statusBody, error) {
		resp := &statusBody{}
		if key, ok := t.ActiveIssueKey(); ok {
			resp.Body.ActiveIssueKey = &key
		}
		resp.Body.ElapsedSeconds = int64(t.Elapsed().Seconds())
		return resp, nil
	})
}
