// Package server exposes the research workbench over HTTP. The intake
// endpoint is a plain chi handler because it accepts multipart uploads; the
// read-side endpoints go through huma so they carry an OpenAPI description.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"labline/internal/engine"
	"labline/internal/repo"
	"labline/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

// maxIntakeBytes bounds one multipart intake request.
const maxIntakeBytes = 64 << 20

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"original_research_goal must not be empty"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Labline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
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
	router.Use(middleware.RequestID)
	router.Use(accessLog(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Labline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerIntake(router, basePath, cfg.Engine, log)

	return router, nil
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStaleState) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	// Storage and queue failures carry internals; keep the body opaque.
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the caller's projects",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjectsByOwner(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get full workbench state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectStateResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, st, err := e.GetState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStateResponse `json:"body"`
		}{Body: stateResponse(p, st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-files",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/files",
		Summary:     "List uploaded context documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []FileResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		files, err := e.Repo.ListProjectFiles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FileResponse `json:"body"`
		}{Body: mapFiles(files)}, nil
	})
}

// registerIntake mounts the multipart project intake endpoint directly on the
// router. Replies 202 Accepted with a Location header pointing at the state
// endpoint; planning happens asynchronously after the response.
func registerIntake(router chi.Router, basePath string, e engine.Engine, log *slog.Logger) {
	router.Post(path.Join(basePath, "projects"), func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := userIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}

		if err := r.ParseMultipartForm(maxIntakeBytes); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart form required", nil))
			return
		}
		goal := r.FormValue("original_research_goal")

		var docs []storage.Upload
		var open []io.Closer
		defer func() {
			for _, c := range open {
				c.Close()
			}
		}()
		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["context_docs"] {
				f, err := fh.Open()
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("read upload %s", fh.Filename), nil))
					return
				}
				open = append(open, f)
				docs = append(docs, storage.Upload{
					Filename:    fh.Filename,
					ContentType: fh.Header.Get("Content-Type"),
					Reader:      f,
				})
			}
		}

		p, err := e.StartNewProject(r.Context(), userID, goal, docs)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		ack := ProjectAccepted{
			ProjectID:            p.ProjectID,
			OriginalResearchGoal: p.OriginalResearchGoal,
			Status:               "accepted",
			NextAgent:            p.NextAgent,
			Message:              "Project accepted. The principal investigator agent is refining the research goal.",
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", path.Join(basePath, "projects", p.ProjectID))
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(ack); err != nil {
			log.Error("encode intake response", "project_id", p.ProjectID, "err", err)
		}
	})
}
