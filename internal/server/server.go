// Package server exposes the queue over HTTP: submission, inspection, and
// operational stats.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"briefline/internal/domain"
	"briefline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyBytesKey struct{}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func bodyBytesFromRequest(req *http.Request) []byte {
	return bodyBytes(req.Context())
}

// New returns an HTTP handler exposing the queue API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Auth verifies the HMAC over the raw body, so buffer it once and
			// hand a replayable copy downstream.
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Briefline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg.Store)
	registerProviders(group, cfg.Store, now)
	registerStats(group, cfg.Store, now)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

const maxListLimit = 200

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	createdAt, id, ok := strings.Cut(cursor, "|")
	if !ok || createdAt == "" || id == "" {
		return "", "", errors.New("invalid cursor")
	}
	return createdAt, id, nil
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func registerJobs(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a summarization job",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		Body SubmitJobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.FileID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file_id is required", nil)
		}
		if len(input.Body.Payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload is required", nil)
		}
		res, err := st.Enqueue(ctx, input.Body.FileID, input.Body.Payload, input.Body.Priority, input.Body.MaxAttempts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitJobResponse `json:"body"`
		}{Body: SubmitJobResponse{
			JobID:   res.JobID,
			Status:  string(res.Status),
			Summary: res.Result,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job with attempt history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobDetailResponse `json:"body"`
	}, error) {
		j, err := st.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts, err := st.ListAttempts(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := JobDetailResponse{JobResponse: jobResponse(j), Attempts: []AttemptResponse{}}
		for _, a := range attempts {
			detail.Attempts = append(detail.Attempts, attemptResponse(a))
		}
		return &struct {
			Body JobDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:"queued,processing,succeeded,failed,dead,"`
		FileID string `query:"file_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		jobs, err := st.ListJobs(ctx, store.JobFilters{
			State:           input.State,
			FileID:          input.FileID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: []JobResponse{}}
		if len(jobs) > limit {
			jobs = jobs[:limit]
			last := jobs[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapJobs(jobs)
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProviders(api huma.API, st *store.Store, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List providers with gate status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProviderResponse `json:"body"`
	}, error) {
		providers, err := st.ListProviders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		gated, err := st.ListGatedProviders(ctx, now())
		if err != nil {
			return nil, handleError(err)
		}
		gateByProvider := map[string]domain.ProviderBackoff{}
		for _, g := range gated {
			gateByProvider[g.ProviderID] = g
		}
		res := make([]ProviderResponse, 0, len(providers))
		for _, p := range providers {
			pr := ProviderResponse{
				ID:       p.ID,
				Name:     p.Name,
				Priority: p.Priority,
				Enabled:  p.Enabled,
			}
			if g, ok := gateByProvider[p.ID]; ok {
				pr.Gated = true
				pr.Until = &g.Until
				pr.Reason = &g.Reason
			}
			res = append(res, pr)
		}
		return &struct {
			Body []ProviderResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerStats(api huma.API, st *store.Store, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Queue statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		counts, err := st.QueueStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		gated, err := st.ListGatedProviders(ctx, now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Jobs: counts, Gated: len(gated)}}, nil
	})
}
