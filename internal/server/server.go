package server

import (
	"bytes"
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

	"concord/internal/engine"
	"concord/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"case not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Concord API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Concord API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerCaseControl(group, cfg.Engine)
	registerCaseRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAdvanceInFlight) {
		return newAPIError(http.StatusConflict, "advance_in_flight", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConcurrentTransition) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already terminal"),
		strings.Contains(lowered, "already paused"),
		strings.Contains(lowered, "is not paused"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Concord API Docs</title>
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

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Initiate a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DocumentRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document_ref is required", nil)
		}
		parties, err := partiesFromRequest(input.Body.Parties)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid party policy", map[string]any{"error": err.Error()})
		}
		opts := engine.CaseCreateOptions{
			DocumentRef:      input.Body.DocumentRef,
			OriginalDocument: input.Body.OriginalDocument,
			Parties:          parties,
			Changes:          changesFromRequest(input.Body.Changes),
			Deadline:         input.Body.Deadline,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State       string `query:"state" enum:",initiated,evaluating,conflict_detected,mediating,reviewing,finalizing,completed,failed,cancelled,paused"`
		DocumentRef string `query:"document_ref"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCases(ctx, repo.CaseFilter{
			State:       input.State,
			DocumentRef: input.DocumentRef,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: mapCases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerCaseControl(api huma.API, e *engine.Engine) {
	type casePath struct {
		ID string `path:"id"`
	}
	type caseOut struct {
		Body CaseResponse `json:"body"`
	}
	lifecycleErrors := []int{
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "advance-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/advance",
		Summary:     "Advance a case one step",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body struct {
			Case     CaseResponse `json:"case"`
			Advanced bool         `json:"advanced"`
		} `json:"body"`
	}, error) {
		c, advanced, err := e.Advance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Case     CaseResponse `json:"case"`
				Advanced bool         `json:"advanced"`
			} `json:"body"`
		}{}
		out.Body.Case = caseResponse(c)
		out.Body.Advanced = advanced
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/run",
		Summary:     "Run a case until it parks",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *casePath) (*caseOut, error) {
		c, err := e.Run(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/cancel",
		Summary:     "Cancel a case",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CancelCaseRequest `json:"body,omitempty"`
	}) (*caseOut, error) {
		c, err := e.Cancel(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/pause",
		Summary:     "Pause a case",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *casePath) (*caseOut, error) {
		c, err := e.Pause(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/resume",
		Summary:     "Resume a paused case",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *casePath) (*caseOut, error) {
		c, err := e.Resume(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: caseResponse(c)}, nil
	})
}

func registerCaseRecords(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-responses",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/responses",
		Summary:     "List party responses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Round int    `query:"round"`
	}) (*struct {
		Body []PartyResponseBody `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		var (
			responses []PartyResponseBody
			err       error
		)
		if input.Round > 0 {
			items, rerr := e.Repo.ListResponses(ctx, input.ID, input.Round)
			err = rerr
			for _, r := range items {
				responses = append(responses, partyResponseBody(r))
			}
		} else {
			items, rerr := e.Repo.ListAllResponses(ctx, input.ID)
			err = rerr
			for _, r := range items {
				responses = append(responses, partyResponseBody(r))
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		if responses == nil {
			responses = []PartyResponseBody{}
		}
		return &struct {
			Body []PartyResponseBody `json:"body"`
		}{Body: responses}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-case-attempts",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/attempts",
		Summary:     "List negotiation attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts := make([]AttemptResponse, 0, len(items))
		for _, a := range items {
			attempts = append(attempts, attemptResponse(a))
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: attempts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case-changes",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/changes",
		Summary:     "Change set snapshot for a round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Round int    `query:"round"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		round := input.Round
		if round == 0 {
			round = c.Round
		}
		snap, err := e.Repo.GetSnapshot(ctx, input.ID, round)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{
			Round:     snap.Round,
			Changes:   snap.Changes,
			CreatedAt: snap.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/events",
		Summary:     "Audit trail for a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		events := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			events = append(events, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: events}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	type paginatedEvents struct {
		Items      []EventResponse `json:"items"`
		NextCursor int64           `json:"next_cursor,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Global event feed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After  int64  `query:"after"`
		CaseID string `query:"case_id"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if len(items) > 0 {
			resp.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
