// Package server exposes the engine over HTTP: definition and instance
// management, the task inbox, the authorization admin surface and the
// audit trail, plus a server-sent event stream per instance.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/metrics"
	"signline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	BasePath   string
	Auth       AuthConfig
	EnableDocs bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"requirement_unmet"`
	Message string         `json:"message" example:"task requires mfa level 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure is wrapped in.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Signline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newClientInfoMiddleware())
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Signline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerAuthz(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerAuditStream(router, basePath, cfg.Engine)
	registerMetrics(router, cfg.Engine)
	if cfg.EnableDocs {
		registerDocs(router, basePath)
		registerOpenAPI(router, api, basePath)
	}

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

// handleError maps engine failures to the wire: the error kind picks the
// status, the kind's lowercase form is the code and Detail rides along.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return newAPIError(statusForKind(de.Kind), codeForKind(de.Kind), de.Message, de.Detail)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// codeForKind derives the wire error code. Decision-point denials read as
// policy_forbids regardless of which gate produced them.
func codeForKind(k domain.ErrorKind) string {
	if k == domain.KindAuthz {
		return "policy_forbids"
	}
	return strings.ToLower(string(k))
}

func statusForKind(k domain.ErrorKind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindState, domain.KindConflict:
		return http.StatusConflict
	case domain.KindRequirementUnmet:
		return http.StatusUnprocessableEntity
	case domain.KindAuthz, domain.KindPolicyForbids:
		return http.StatusForbidden
	case domain.KindDependencyFailed:
		return http.StatusBadGateway
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
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
		return "requirement_unmet"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireAdmin gates the authorization admin surface: the admin role from
// the token short-circuits, anything else goes through the decision point.
func requireAdmin(ctx context.Context, e engine.Engine, action string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.Subject == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	for _, r := range p.Roles {
		if r == "admin" {
			return nil
		}
	}
	dec, err := e.Authorize(ctx, domain.AuthzRequest{
		Subject:      p.Subject,
		Action:       action,
		Resource:     "authz",
		ResourceType: "admin",
	})
	if err != nil {
		return handleError(err)
	}
	if !dec.Allowed() {
		return newAPIError(http.StatusForbidden, "forbidden",
			fmt.Sprintf("%s is not allowed to %s", p.Subject, action),
			map[string]any{"reason": dec.Reason})
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func splitCursor(cursor string) (string, string, huma.StatusError) {
	if cursor == "" {
		return "", "", nil
	}
	i := strings.LastIndex(cursor, "|")
	if i <= 0 || i == len(cursor)-1 {
		return "", "", newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return cursor[:i], cursor[i+1:], nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, e engine.Engine) {
	if e.Config == nil || !e.Config.Metrics.Enabled {
		return
	}
	mpath := e.Config.Metrics.Path
	if mpath == "" {
		mpath = "/metrics"
	}
	r.Handle(mpath, metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Signline API Docs</title>
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

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create a workflow definition version",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := e.CreateDefinition(ctx, input.Body.definition(), subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/validate",
		Summary:     "Statically check a definition without storing it",
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		out := VerifyResponse{Valid: true}
		if err := e.ValidateDefinition(input.Body.definition()); err != nil {
			out.Valid = false
			out.Error = err.Error()
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		OrgID      string `query:"org_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body ListPage[domain.WorkflowDefinition] `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		defs, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{
			WorkflowID: input.WorkflowID,
			OrgID:      input.OrgID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListPage[domain.WorkflowDefinition] `json:"body"`
		}{Body: ListPage[domain.WorkflowDefinition]{Items: nonNilSlice(defs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get a workflow definition",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Version    int    `query:"version" doc:"Latest when omitted"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		def, err := e.Repo.GetDefinition(ctx, input.WorkflowID, input.Version)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("workflow %s not found", input.WorkflowID), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/start",
		Summary:       "Start an instance of a workflow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		WorkflowID string               `path:"workflow_id"`
		Body       StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body StartWorkflowResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.StartWorkflow(ctx, input.WorkflowID, input.Body.Version, domain.StartContext{
			Participants: input.Body.Participants,
			Variables:    input.Body.Variables,
			Documents:    input.Body.Documents,
		}, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartWorkflowResponse `json:"body"`
		}{Body: StartWorkflowResponse{
			Instance:      res.Instance,
			StartingNodes: nonNilSlice(res.StartingNodes),
			Tasks:         nonNilSlice(res.Tasks),
		}}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances",
	}, func(ctx context.Context, input *struct {
		OrgID      string `query:"org_id"`
		WorkflowID string `query:"workflow_id"`
		Status     string `query:"status" enum:",running,completed,failed,cancelled,expired"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body ListPage[domain.WorkflowInstance] `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		startedAt, id, cerr := splitCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			OrgID:           input.OrgID,
			WorkflowID:      input.WorkflowID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorStartedAt: startedAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := ListPage[domain.WorkflowInstance]{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			page.Items = items[:limit]
			page.NextCursor = last.StartedAt + "|" + last.ID
		}
		return &struct {
			Body ListPage[domain.WorkflowInstance] `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get an instance with its tasks and participants",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceDetail `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, tasks, err := e.GetWorkflow(ctx, input.InstanceID, subject)
		if err != nil {
			return nil, handleError(err)
		}
		parts, err := e.Repo.ListParticipants(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceDetail `json:"body"`
		}{Body: InstanceDetail{
			Instance:     inst,
			Tasks:        nonNilSlice(tasks),
			Participants: nonNilSlice(parts),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/cancel",
		Summary:     "Cancel a running instance",
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       CancelWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.CancelWorkflow(ctx, input.InstanceID, input.Body.Reason, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, by default the caller's own",
	}, func(ctx context.Context, input *struct {
		Assignee   string `query:"assignee" doc:"Participant id; defaults to the caller"`
		InstanceID string `query:"instance_id"`
		Status     string `query:"status" enum:",waiting,pending,in_progress,completed,failed,expired,delegated,cancelled"`
		Kind       string `query:"kind"`
		DueBefore  string `query:"due_before" format:"date-time"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body ListPage[domain.Task] `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignee := input.Assignee
		if assignee == "" {
			assignee = subject
		}
		createdAt, id, cerr := splitCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListUserTasks(ctx, assignee, repo.TaskFilters{
			InstanceID:      input.InstanceID,
			Status:          input.Status,
			Kind:            input.Kind,
			DueBefore:       input.DueBefore,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		}, subject)
		if err != nil {
			return nil, handleError(err)
		}
		page := ListPage[domain.Task]{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			page.Items = items[:limit]
			page.NextCursor = last.CreatedAt + "|" + last.ID
		}
		return &struct {
			Body ListPage[domain.Task] `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", input.TaskID), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task with evidence",
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body CompleteTaskResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev := input.Body.Evidence
		if ci := clientInfoFromContext(ctx); ev.ClientIP == "" && ev.UserAgent == "" {
			ev.ClientIP, ev.UserAgent = ci.IP, ci.UserAgent
		}
		res, err := e.CompleteTask(ctx, input.TaskID, &ev, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteTaskResponse `json:"body"`
		}{Body: CompleteTaskResponse{
			Task:         res.Task,
			NewlyPending: nonNilSlice(res.NewlyPending),
			Instance:     res.Instance,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/delegate",
		Summary:     "Delegate a task to another participant",
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   DelegateTaskRequest `json:"body"`
	}) (*struct {
		Body DelegateTaskResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DelegateTask(ctx, input.TaskID, input.Body.To, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DelegateTaskResponse `json:"body"`
		}{Body: DelegateTaskResponse{OldTask: res.OldTask, NewTask: res.NewTask}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remind-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/remind",
		Summary:     "Send a reminder for a pending task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RemindTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/audit",
		Summary:     "Page through an instance's audit chain",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		After      int64  `query:"after" doc:"Return events with seq greater than this"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body AuditPage `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := e.GetWorkflow(ctx, input.InstanceID, subject); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		events, err := e.AuditTrail(ctx, input.InstanceID, input.After, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		page := AuditPage{Items: nonNilSlice(events)}
		if len(events) > limit {
			page.Items = events[:limit]
			page.NextAfter = events[limit-1].Seq
		}
		return &struct {
			Body AuditPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/audit/verify",
		Summary:     "Replay and verify an instance's audit chain",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := e.GetWorkflow(ctx, input.InstanceID, subject); err != nil {
			return nil, handleError(err)
		}
		out := VerifyResponse{Valid: true}
		if err := e.VerifyAudit(ctx, input.InstanceID); err != nil {
			out.Valid = false
			out.Error = err.Error()
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: out}, nil
	})
}

// registerAuditStream serves an instance's audit chain as server-sent
// events, polling for new entries until the client hangs up or the
// instance settles.
func registerAuditStream(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "instances/{instance_id}/events"), func(w http.ResponseWriter, req *http.Request) {
		instanceID := chi.URLParam(req, "instance_id")
		p, ok := principalFromContext(req.Context())
		if !ok || p.Subject == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		if _, _, err := e.GetWorkflow(req.Context(), instanceID, p.Subject); err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var after int64
		if raw := req.URL.Query().Get("after"); raw != "" {
			fmt.Sscanf(raw, "%d", &after)
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			events, err := e.AuditTrail(req.Context(), instanceID, after, 100)
			if err != nil {
				return
			}
			for _, ev := range events {
				data, merr := json.Marshal(ev)
				if merr != nil {
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Action, data)
				after = ev.Seq
			}
			if len(events) > 0 {
				flusher.Flush()
			}
			inst, err := e.Repo.GetInstance(req.Context(), instanceID)
			if err == nil && inst.Status != domain.InstanceRunning {
				// Drain whatever the terminal transition appended, then close.
				if rest, err := e.AuditTrail(req.Context(), instanceID, after, 100); err == nil && len(rest) == 0 {
					fmt.Fprint(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
					return
				}
				continue
			}
			select {
			case <-req.Context().Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func registerAuthz(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "authz-check",
		Method:      http.MethodPost,
		Path:        "/authz/check",
		Summary:     "Evaluate an authorization request without side effects",
	}, func(ctx context.Context, input *struct {
		Body domain.AuthzRequest `json:"body"`
	}) (*struct {
		Body domain.AuthzDecision `json:"body"`
	}, error) {
		if _, authErr := subjectFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		dec, err := e.Authorize(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuthzDecision `json:"body"`
		}{Body: dec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/authz/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListPage[domain.Policy] `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "policy.read"); err != nil {
			return nil, err
		}
		policies, err := e.Repo.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListPage[domain.Policy] `json:"body"`
		}{Body: ListPage[domain.Policy]{Items: nonNilSlice(policies)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-policy",
		Method:      http.MethodPut,
		Path:        "/authz/policies",
		Summary:     "Create or replace a policy",
	}, func(ctx context.Context, input *struct {
		Body PutPolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "policy.manage"); err != nil {
			return nil, err
		}
		subject, _ := subjectFromContext(ctx)
		p, err := e.PutPolicy(ctx, input.Body.policy(), subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy-enabled",
		Method:      http.MethodPost,
		Path:        "/authz/policies/{policy_id}/enabled",
		Summary:     "Enable or disable a policy",
	}, func(ctx context.Context, input *struct {
		PolicyID string                  `path:"policy_id"`
		Body     SetPolicyEnabledRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "policy.manage"); err != nil {
			return nil, err
		}
		subject, _ := subjectFromContext(ctx)
		if err := e.SetPolicyEnabled(ctx, input.PolicyID, input.Body.Enabled, subject); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-policy",
		Method:      http.MethodDelete,
		Path:        "/authz/policies/{policy_id}",
		Summary:     "Delete a policy",
	}, func(ctx context.Context, input *struct {
		PolicyID string `path:"policy_id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "policy.manage"); err != nil {
			return nil, err
		}
		subject, _ := subjectFromContext(ctx)
		if err := e.DeletePolicy(ctx, input.PolicyID, subject); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-relationships",
		Method:      http.MethodGet,
		Path:        "/authz/relationships",
		Summary:     "List relationship tuples by subject or object",
	}, func(ctx context.Context, input *struct {
		Subject    string `query:"subject"`
		Object     string `query:"object"`
		ObjectType string `query:"object_type"`
	}) (*struct {
		Body ListPage[domain.Relationship] `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "relationship.read"); err != nil {
			return nil, err
		}
		var (
			rels []domain.Relationship
			err  error
		)
		switch {
		case input.Subject != "":
			rels, err = e.Repo.ListRelationshipsBySubject(ctx, input.Subject)
		case input.Object != "" && input.ObjectType != "":
			rels, err = e.Repo.ListRelationshipsByObject(ctx, input.Object, input.ObjectType)
		default:
			return nil, newAPIError(http.StatusBadRequest, "validation",
				"either subject or object with object_type is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListPage[domain.Relationship] `json:"body"`
		}{Body: ListPage[domain.Relationship]{Items: nonNilSlice(rels)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-relationship",
		Method:        http.MethodPost,
		Path:          "/authz/relationships",
		Summary:       "Add a relationship tuple",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RelationshipRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "relationship.manage"); err != nil {
			return nil, err
		}
		if err := e.AddRelationship(ctx, input.Body.relationship()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-relationship",
		Method:      http.MethodDelete,
		Path:        "/authz/relationships",
		Summary:     "Remove a relationship tuple",
	}, func(ctx context.Context, input *struct {
		Body RelationshipRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "relationship.manage"); err != nil {
			return nil, err
		}
		if err := e.RemoveRelationship(ctx, input.Body.relationship()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attributes",
		Method:      http.MethodGet,
		Path:        "/authz/attributes/{entity_id}",
		Summary:     "Get an entity's attributes",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "attribute.read"); err != nil {
			return nil, err
		}
		attrs, err := e.Repo.EntityAttributes(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: attrs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-attribute",
		Method:      http.MethodPut,
		Path:        "/authz/attributes",
		Summary:     "Set an entity attribute",
	}, func(ctx context.Context, input *struct {
		Body PutAttributeRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "attribute.manage"); err != nil {
			return nil, err
		}
		if err := e.PutAttribute(ctx, input.Body.attribute()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-attribute",
		Method:      http.MethodDelete,
		Path:        "/authz/attributes/{entity_id}/{key}",
		Summary:     "Remove an entity attribute",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		Key      string `path:"key"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e, "attribute.manage"); err != nil {
			return nil, err
		}
		if err := e.DeleteAttribute(ctx, input.EntityID, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/api-keys",
		Summary:       "Mint an API key for a subject",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "apikey.manage"); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.SubjectID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject_id is required", nil)
		}
		plain, record, err := e.CreateAPIKey(ctx, input.Body.SubjectID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{Key: plain, Record: record}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.Subject == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			Subject: p.Subject,
			OrgID:   p.OrgID,
			Roles:   nonNilSlice(p.Roles),
			Source:  p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, subject, input.Body.OrgID, input.Body.Roles, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
