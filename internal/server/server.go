// Package server exposes the control plane over HTTP. All state changes
// go through the engine; handlers translate transport concerns only.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run no-such-run: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Interlock API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Interlock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerSubmit(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerExport(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, engine.ErrTerminal) {
		return newAPIError(http.StatusConflict, "terminal_run", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrRunExists) {
		return newAPIError(http.StatusConflict, "run_exists", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "does not match"),
		strings.Contains(lowered, "belongs to subject"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Interlock API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

type runPath struct {
	RunID string `path:"run_id"`
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "begin-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Begin a run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body BeginRunRequest `json:"body"`
	}) (*struct {
		Body BeginRunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.BeginOptions{
			SubjectID: input.Body.SubjectID,
			Title:     input.Body.Title,
		}
		if input.Body.RunID != nil {
			opts.RunID = *input.Body.RunID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		res, err := e.Begin(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BeginRunResponse `json:"body"`
		}{Body: toBeginResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"active,complete,fail_closed" required:"false"`
		SubjectID string `query:"subject_id" required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Store.ListRuns(ctx, store.RunFilters{
			Status:    input.Status,
			SubjectID: input.SubjectID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RunResponse, 0, len(runs))
		for _, r := range runs {
			res = append(res, toRunResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run state",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Store.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(fmt.Errorf("run %s: %w", input.RunID, err))
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: toRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/snapshot",
		Summary:     "Latest accepted snapshot",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.RunID)
		if err != nil {
			return nil, handleError(fmt.Errorf("snapshot %s: %w", input.RunID, err))
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerSubmit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-snapshot",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/submit",
		Summary:     "Submit a snapshot for validation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  domain.Snapshot `json:"body"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap := input.Body
		if snap.RunID == "" {
			snap.RunID = input.RunID
		}
		if snap.RunID != input.RunID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("body run_id %s does not match path run_id %s", snap.RunID, input.RunID), nil)
		}
		res, err := e.Submit(ctx, snap)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Run event stream",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		After int64  `query:"after" required:"false"`
		Limit int    `query:"limit" required:"false"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(fmt.Errorf("run %s: %w", input.RunID, err))
		}
		events, err := e.Store.Events(ctx, input.RunID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		body := EventListResponse{Events: toEventResponses(events)}
		if len(events) > 0 {
			body.NextCursor = events[len(events)-1].Seq
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerReports(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/report",
		Summary:     "Invalidation report for a fail-closed run",
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.InvalidationReport `json:"body"`
	}, error) {
		rep, err := e.Report(ctx, input.RunID)
		if err != nil {
			return nil, handleError(fmt.Errorf("report %s: %w", input.RunID, err))
		}
		return &struct {
			Body domain.InvalidationReport `json:"body"`
		}{Body: rep}, nil
	})
}

// registerExport serves the append-only streams as newline-delimited
// JSON. Registered on the router directly so the response can stream.
func registerExport(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(path.Join(basePath, "/runs/{run_id}/export"), func(w http.ResponseWriter, req *http.Request) {
		runID := chi.URLParam(req, "run_id")
		if _, err := e.Store.GetRun(req.Context(), runID); err != nil {
			respondStatusError(w, handleError(fmt.Errorf("run %s: %w", runID, err)))
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		var err error
		switch req.URL.Query().Get("stream") {
		case "", "events":
			err = e.Store.ExportEvents(req.Context(), w, runID)
		case "snapshots":
			err = e.Store.ExportSnapshots(req.Context(), w, runID)
		default:
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "stream must be events or snapshots", nil))
			return
		}
		if err != nil {
			respondStatusError(w, handleError(err))
		}
	})
}
