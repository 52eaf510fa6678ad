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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/pending"
	"taskmarket/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Context bounds background work started by the handler: webhook
	// delivery and review waiters. Defaults to context.Background.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_available"`
	Message string         `json:"message" example:"task is claimed by another contributor"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"failed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the task lifecycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	bg := cfg.Context
	if bg == nil {
		bg = context.Background()
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Taskmarket API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerReviews(group, cfg.Engine, bg)
	registerReconcile(group, cfg.Engine)
	registerCollaborators(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(bg, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return newAPIError(statusForResult(engine.Result{Kind: engine.KindPrecondition, Code: coded.Code()}), coded.Code(), err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskExists):
		return newAPIError(http.StatusConflict, "task_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrReviewClosed), errors.Is(err, pending.ErrUnknown):
		return newAPIError(http.StatusConflict, "review_closed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not configured") || strings.Contains(lowered, "last admin"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// statusForResult maps a failed orchestration onto HTTP.
func statusForResult(res engine.Result) int {
	switch res.Kind {
	case engine.KindPrecondition:
		switch res.Code {
		case engine.CodeTaskNotFound, engine.CodeNotOnChain:
			return http.StatusNotFound
		case engine.CodeInvalidInput:
			return http.StatusBadRequest
		case engine.CodeForbidden, engine.CodeNotAssignee:
			return http.StatusForbidden
		default:
			return http.StatusConflict
		}
	case engine.KindRejected:
		return http.StatusUnprocessableEntity
	case engine.KindAuthority:
		return http.StatusServiceUnavailable
	case engine.KindChain:
		switch res.Code {
		case engine.CodeDeadlineExceeded, engine.CodeTxUnconfirmed:
			return http.StatusGatewayTimeout
		case engine.CodeChainRevert:
			return http.StatusConflict
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

// resultError renders a failed Result in the error envelope; the details
// carry the orchestration state so clients can decide whether to retry.
func resultError(res engine.Result) huma.StatusError {
	details := map[string]any{
		"kind":      res.Kind,
		"state":     res.State,
		"retryable": res.Retryable,
	}
	if res.FailedAt != "" {
		details["failed_at"] = res.FailedAt
	}
	if res.TxHash != "" {
		details["tx_hash"] = res.TxHash
	}
	return newAPIError(statusForResult(res), res.Code, res.Error, details)
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

// principalPermissions merges permissions carried by the token with those
// of the roles it names.
func principalPermissions(e engine.Engine, p Principal) []string {
	perms := append([]string{}, p.Permissions...)
	return append(perms, e.Auth.PermissionsFor(p.Roles)...)
}

func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if auth.HasPermission(principalPermissions(e, principal), perm) {
		return nil
	}
	return e.Auth.Require(ctx, principal.ActorID, perm)
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Taskmarket API Docs</title>
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

// lookupTask accepts a task id or a human-readable key.
func lookupTask(ctx context.Context, e engine.Engine, ref string) (domain.Task, error) {
	ref = strings.TrimSpace(ref)
	if domain.ValidTaskID(strings.ToLower(ref)) {
		return e.GetTask(ctx, ref)
	}
	return e.GetTaskByKey(ctx, ref)
}

func resolveTaskID(ref string) string {
	ref = strings.TrimSpace(ref)
	if domain.ValidTaskID(strings.ToLower(ref)) {
		return strings.ToLower(ref)
	}
	return domain.TaskIDFromKey(ref)
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Description:   "Registers the task on chain, then records it. The id is keccak256 of the normalized key.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, auth.PermTaskCreate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Key:        input.Body.Key,
			Title:      input.Body.Title,
			Complexity: input.Body.Complexity,
			Platform:   input.Body.Platform,
			Category:   input.Body.Category,
			Priority:   input.Body.Priority,
			Skills:     input.Body.Skills,
			Tags:       input.Body.Tags,
			Validators: input.Body.Validators,
			ActorID:    actorID,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(e, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Open       bool   `query:"open" doc:"Available tasks plus claims whose exclusivity ended"`
		Platform   string `query:"platform"`
		Category   string `query:"category"`
		AssigneeID string `query:"assignee_id"`
		Sort       string `query:"sort" default:"newest" doc:"newest or reward"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if input.Status != "" {
			if _, err := domain.ParseStatus(input.Status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
		}
		if input.Sort != repo.SortNewest && input.Sort != repo.SortReward {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "sort must be newest or reward", map[string]any{"sort": input.Sort})
		}
		limit := normalizeLimit(input.Limit)
		cursorKey, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			Open:       input.Open,
			Platform:   input.Platform,
			Category:   input.Category,
			AssigneeID: input.AssigneeID,
			Sort:       input.Sort,
			Limit:      limit + 1,
			CursorKey:  cursorKey,
			CursorID:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.CursorKeyFor(last, input.Sort), last.ID)
			items = items[:limit]
		}
		resp.Items = mapTasks(e, items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task by id or key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := lookupTask(ctx, e, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(e, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		t, err := lookupTask(ctx, e, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.TaskHistory(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HistoryEntry{}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-settlement",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/settlement",
		Summary:     "Settlement ledger entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		s, err := e.Settlement(ctx, resolveTaskID(input.TaskID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calc",
		Method:      http.MethodGet,
		Path:        "/calc",
		Summary:     "Reward and exclusivity for a complexity",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Complexity int `query:"complexity" minimum:"1" maximum:"255" required:"true"`
	}) (*struct {
		Body CalcResponse `json:"body"`
	}, error) {
		days := e.Calc.DaysForComplexity(input.Complexity)
		return &struct {
			Body CalcResponse `json:"body"`
		}{Body: CalcResponse{
			Complexity:        input.Complexity,
			EstimatedDays:     days,
			RewardAmount:      e.Calc.RewardForDays(days),
			ClaimTimeoutHours: e.Calc.ClaimTimeoutHours(days),
		}}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim task",
		Description: "Claims the task for the authenticated address. The registry transaction is signed by the claim authority.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		claimant, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.ClaimTask(ctx, resolveTaskID(input.TaskID), claimant)
		if !res.Success {
			return nil, resultError(res)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-evidence",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/submit",
		Summary:     "Submit evidence",
		Description: "Asks the registry to validate the evidence. A rejected submission answers 422 with the transaction hash.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   SubmitEvidenceRequest `json:"body"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		submitter, authErr := addressFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.SubmitEvidence(ctx, resolveTaskID(input.TaskID), submitter, input.Body.EvidenceURL)
		if !res.Success {
			return nil, resultError(res)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Description: "Validator-only. Completes the task on chain and settles the reward.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.CompleteTask(ctx, engine.CompleteRequest{
			TaskID:     resolveTaskID(input.TaskID),
			Actor:      principal.ActorID,
			Privileged: auth.HasPermission(principalPermissions(e, principal), auth.PermTaskComplete),
		})
		if !res.Success {
			return nil, resultError(res)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine, bg context.Context) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-review",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/reviews",
		Summary:       "Request validator review",
		Description:   "Opens a review. Approval completes the task; rejection, cancellation and timeout leave it submitted.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := lookupTask(ctx, e, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if !domain.SameAddress(t.Assignee(), principal.ActorID) {
			if err := requirePermission(ctx, e, auth.PermReviewRequest); err != nil {
				return nil, handleError(err)
			}
		}
		rev, fut, err := e.OpenReview(ctx, t.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		go e.AwaitReview(bg, rev, fut)
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: ReviewResponse{Review: rev}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/reviews",
		Summary:     "List reviews of a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.Review `json:"body"`
	}, error) {
		items, err := e.ListReviews(ctx, resolveTaskID(input.TaskID))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Review{}
		}
		return &struct {
			Body []domain.Review `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/resolve",
		Summary:     "Resolve review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ReviewID string               `path:"review_id"`
		Body     ResolveReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rev, res, err := e.ResolveReview(ctx, input.ReviewID, engine.Verdict{
			Approved:    input.Body.Approved,
			ValidatorID: actorID,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: ReviewResponse{Review: rev, Result: &res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{review_id}/cancel",
		Summary:     "Cancel review",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rev, err := e.Repo.GetReview(ctx, input.ReviewID)
		if err != nil {
			return nil, handleError(err)
		}
		if !domain.SameAddress(rev.RequestedBy, principal.ActorID) && rev.RequestedBy != principal.ActorID {
			if err := requirePermission(ctx, e, auth.PermReviewResolve); err != nil {
				return nil, handleError(err)
			}
		}
		rev, err = e.CancelReview(ctx, input.ReviewID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: ReviewResponse{Review: rev}}, nil
	})
}

func registerReconcile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Reconcile store with registry",
		Description: "Without task_ids, sweeps every unsettled task. Anomalies are reported, never repaired silently.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body ReconcileRequest `json:"body"`
	}) (*struct {
		Body engine.ReconcileReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermTaskReconcile); err != nil {
			return nil, handleError(err)
		}
		if len(input.Body.TaskIDs) == 0 {
			report, err := e.ReconcileAll(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.ReconcileReport `json:"body"`
			}{Body: report}, nil
		}
		report := engine.ReconcileReport{Outcomes: []engine.ReconcileOutcome{}}
		for _, ref := range input.Body.TaskIDs {
			out, err := e.Reconcile(ctx, resolveTaskID(ref))
			if err != nil {
				out.Error = err.Error()
			}
			report.Add(out)
		}
		return &struct {
			Body engine.ReconcileReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerCollaborators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Collaborators by total reward",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body LeaderboardResponse `json:"body"`
	}, error) {
		items, err := e.Leaderboard(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Collaborator{}
		}
		return &struct {
			Body LeaderboardResponse `json:"body"`
		}{Body: LeaderboardResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collaborator",
		Method:      http.MethodGet,
		Path:        "/collaborators/{address}",
		Summary:     "Collaborator stats",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body domain.Collaborator `json:"body"`
	}, error) {
		if !domain.ValidAddress(input.Address) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid address", map[string]any{"address": input.Address})
		}
		c, err := e.Collaborator(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Collaborator `json:"body"`
		}{Body: c}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "History feed across tasks",
		Description: "Entries in append order after cursor. Pass next_cursor back to continue.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.HistoryAfter(ctx, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedHistory{Items: []domain.HistoryEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	roleChange := func(grant bool) func(context.Context, *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		return func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			if len(bodyBytes(ctx)) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
			}
			if err := requirePermission(ctx, e, auth.PermRBACManage); err != nil {
				return nil, handleError(err)
			}
			var err error
			if grant {
				err = e.Auth.Grant(ctx, input.Body.ActorID, input.Body.RoleID)
			} else {
				err = e.Auth.Revoke(ctx, input.Body.ActorID, input.Body.RoleID)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		}
	}
	rbacErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusConflict,
		http.StatusInternalServerError,
	}
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant role",
		Errors:      rbacErrors,
	}, roleChange(true))
	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors:      rbacErrors,
	}, roleChange(false))
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := append([]string{}, principal.Roles...)
		if stored, err := e.Auth.ActorRoles(ctx, principal.ActorID); err == nil {
			roles = appendUnique(roles, stored...)
		}
		perms := appendUnique(append([]string{}, principal.Permissions...), e.Auth.PermissionsFor(roles)...)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, subject, input.Body.Roles, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(key, id string) string {
	if key == "" || id == "" {
		return ""
	}
	return key + "|" + id
}
