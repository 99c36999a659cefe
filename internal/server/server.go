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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/engine/auth"
	"planline/internal/handoff"
	"planline/internal/logging"
	"planline/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Project  engine.Project
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	// Protocol delivers handoffs; nil disables the handoff endpoints.
	Protocol *handoff.Protocol
	// Sender is the agent name used when a handoff request names none.
	Sender string
	Logger *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"exit criteria not met: modules_defined"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}
type ifMatchKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	cfg Config
	log *zap.Logger
}

// New returns an HTTP handler exposing the planning API for one project.
func New(cfg Config) (http.Handler, error) {
	if cfg.Project.ID == "" {
		return nil, errors.New("server: project id required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Sender == "" && cfg.Engine.Config != nil {
		cfg.Sender = cfg.Engine.Config.Handoff.Sender
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			if h := r.Header.Get("If-Match"); h != "" {
				v, err := parseIfMatch(h)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
					return
				}
				ctx = context.WithValue(ctx, ifMatchKey{}, v)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := api{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("api")}
	registerHealth(group)
	a.registerPlan(group)
	a.registerSections(group)
	a.registerModules(group)
	a.registerApproval(group)
	a.registerEvents(group)
	a.registerHandoff(group)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, humaAPI, basePath)

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

// handleError maps engine, handoff and auth errors onto the error envelope.
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
	var te *handoff.AckTimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "ack_timeout", err.Error(), map[string]any{
			"subject":           te.Subject,
			"sent_at":           te.SentAt,
			"retried_at":        te.RetriedAt,
			"escalated_to":      te.EscalatedTo,
			"blocked_operation": te.BlockedOperation,
		})
	}
	if errors.Is(err, handoff.ErrInvalidMessage) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	code := engine.Code(err)
	switch code {
	case "not_found":
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case "validation_failed":
		var ve *engine.ValidationError
		if errors.As(err, &ve) && len(ve.Failing) > 0 {
			return newAPIError(http.StatusUnprocessableEntity, code, msg, map[string]any{"failing": ve.Failing})
		}
		return newAPIError(http.StatusUnprocessableEntity, code, msg, nil)
	case "blocking_cycle":
		var ce *engine.CycleError
		if errors.As(err, &ce) {
			return newAPIError(http.StatusUnprocessableEntity, code, msg, map[string]any{"cycle": ce.Cycle})
		}
		return newAPIError(http.StatusUnprocessableEntity, code, msg, nil)
	case "invalid_transition":
		var tr *engine.TransitionError
		if errors.As(err, &tr) {
			return newAPIError(http.StatusConflict, code, msg, map[string]any{"from": tr.From, "to": tr.To, "hint": tr.Hint})
		}
		return newAPIError(http.StatusConflict, code, msg, nil)
	case "concurrent_modification":
		var cm *engine.ConcurrentModificationError
		if errors.As(err, &cm) && len(cm.Created) > 0 {
			return newAPIError(http.StatusConflict, code, msg, map[string]any{"created_issues": cm.Created})
		}
		return newAPIError(http.StatusConflict, code, msg, nil)
	case "already_exists", "duplicate", "locked", "has_external_ref", "not_removable":
		return newAPIError(http.StatusConflict, code, msg, nil)
	}
	var orphaned map[string]any
	var oi *engine.OrphanedIssuesError
	if errors.As(err, &oi) {
		orphaned = map[string]any{"created_issues": oi.Created}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "cancelled", msg, orphaned)
	}
	details := map[string]any{"error": msg}
	if oi != nil {
		details["created_issues"] = oi.Created
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
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

// authorize checks perm and that the path names the served project.
func (a api) authorize(ctx context.Context, projectID, perm string) (Principal, error) {
	principal, err := requirePermission(ctx, perm)
	if err != nil {
		return Principal{}, err
	}
	if projectID != a.cfg.Project.ID {
		return Principal{}, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("project %s not found", projectID), nil)
	}
	return principal, nil
}

// engineFor returns the engine acting on behalf of the caller. An If-Match
// header pins the plan version the caller expects to replace.
func (a api) engineFor(ctx context.Context, p Principal) engine.Engine {
	e := a.cfg.Engine
	if p.ActorID != "" {
		e.Actor = p.ActorID
	}
	if v, ok := ctx.Value(ifMatchKey{}).(int64); ok {
		e.ExpectedVersion = v
	}
	return e
}

// parseIfMatch accepts a plan version, bare or as a quoted entity tag.
func parseIfMatch(h string) (int64, error) {
	tag := strings.Trim(strings.TrimPrefix(strings.TrimSpace(h), "W/"), `"`)
	v, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("If-Match must be a plan version, got %q", h)
	}
	return v, nil
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
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
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func (a api) registerPlan(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-planning",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan",
		Summary:       "Create the plan",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		plan, err := a.engineFor(ctx, principal).Create(ctx, a.cfg.Project, input.Body.Goal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{Plan: plan, Warnings: []string{}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "planning-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Plan status with exit criteria and dependency analysis",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body engine.StatusView `json:"body"`
	}, error) {
		if _, err := a.authorize(ctx, input.ProjectID, auth.PlanRead); err != nil {
			return nil, handleError(err)
		}
		view, err := a.cfg.Engine.Status(ctx, a.cfg.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-goal",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/plan/goal",
		Summary:     "Replace the plan goal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      SetGoalRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).SetGoal(ctx, a.cfg.Project, input.Body.Goal, input.Body.Override)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/submit",
		Summary:     "Move the plan to reviewing",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).SubmitForReview(ctx, a.cfg.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/reset",
		Summary:     "Delete the plan and orchestration records",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      ResetRequest `json:"body"`
	}) (*struct {
		Body engine.ResetResult `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanReset)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).Reset(ctx, a.cfg.Project, input.Body.Backup)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResetResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-orchestration",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orchestration",
		Summary:     "Orchestration record created on approval",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.OrchestrationRecord `json:"body"`
	}, error) {
		if _, err := a.authorize(ctx, input.ProjectID, auth.PlanRead); err != nil {
			return nil, handleError(err)
		}
		orch, err := a.cfg.Engine.Orchestration(ctx, a.cfg.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrchestrationRecord `json:"body"`
		}{Body: orch}, nil
	})
}

func (a api) registerSections(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-section",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan/sections",
		Summary:       "Add a requirement section",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      AddSectionRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).AddRequirementSection(ctx, a.cfg.Project, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "modify-section",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/plan/sections/{name}",
		Summary:     "Advance or rename a requirement section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Name      string               `path:"name"`
		Body      UpdateSectionRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).ModifyRequirementSection(ctx, a.cfg.Project, input.Name, engine.SectionUpdate{
			Status:  input.Body.Status,
			NewName: input.Body.NewName,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-section",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/sections/{name}/reset",
		Summary:     "Return a section to pending",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).ResetRequirementSection(ctx, a.cfg.Project, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-section",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/plan/sections/{name}",
		Summary:     "Remove a requirement section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Name      string `path:"name"`
		Force     bool   `query:"force"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).RemoveRequirementSection(ctx, a.cfg.Project, input.Name, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})
}

func (a api) registerModules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-module",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/plan/modules",
		Summary:       "Add a module",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddModuleRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).AddModule(ctx, a.cfg.Project, engine.ModuleSpec{
			Name:               input.Body.Name,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			Priority:           input.Body.Priority,
			DependsOn:          input.Body.DependsOn,
			Context:            input.Body.Context,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "modify-module",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/plan/modules/{module_id}",
		Summary:     "Change a module",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ModuleID  string              `path:"module_id"`
		Body      UpdateModuleRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).ModifyModule(ctx, a.cfg.Project, input.ModuleID, engine.ModuleUpdate{
			Name:               input.Body.Name,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			Priority:           input.Body.Priority,
			Status:             input.Body.Status,
			DependsOn:          input.Body.DependsOn,
			Context:            input.Body.Context,
			Force:              input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-module",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/plan/modules/{module_id}",
		Summary:     "Remove a module",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ModuleID  string `path:"module_id"`
		Force     bool   `query:"force"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.engineFor(ctx, principal).RemoveModule(ctx, a.cfg.Project, input.ModuleID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})
}

func (a api) registerApproval(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/approve",
		Summary:     "Approve the plan and open one issue per module",
		Description: "With notify, waits for the agent's acknowledgment after approval. A failed notification does not undo the approval and is reported in notify_error.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ApproveRequest `json:"body"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.PlanApprove)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Notify != "" && a.cfg.Protocol == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "handoff is not configured on this server", nil)
		}
		res, err := a.engineFor(ctx, principal).Approve(ctx, a.cfg.Project, engine.ApproveOptions{SkipIssues: input.Body.SkipIssues})
		if err != nil {
			return nil, handleError(err)
		}
		out := ApproveResponse{ApproveResult: res}
		if input.Body.Notify != "" {
			delivered, err := a.notifyApproved(ctx, res, input.Body.Notify)
			if err != nil {
				a.log.Warn("plan approved but notification failed",
					zap.String("plan_id", res.Plan.PlanID),
					zap.String("agent", input.Body.Notify),
					zap.Error(err))
				failure := notifyFailure(err)
				out.NotifyError = &failure
			} else {
				out.Notified = &delivered
			}
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-issue",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/modules/{module_id}/issue",
		Summary:     "Retry issue creation for one module of an approved plan",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ModuleID  string `path:"module_id"`
	}) (*struct {
		Body engine.IssueRef `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.IssueRetry)
		if err != nil {
			return nil, handleError(err)
		}
		ref, err := a.engineFor(ctx, principal).RetryIssueCreation(ctx, a.cfg.Project, input.ModuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssueRef `json:"body"`
		}{Body: ref}, nil
	})
}

func notifyFailure(err error) NotifyFailure {
	var ae *apiError
	if errors.As(handleError(err), &ae) {
		return NotifyFailure{Code: ae.Body.Code, Message: ae.Body.Message, Details: ae.Body.Details}
	}
	return NotifyFailure{Code: "handoff_failed", Message: err.Error()}
}

// notifyApproved tells agent that the plan is approved and waits for its
// acknowledgment.
func (a api) notifyApproved(ctx context.Context, res engine.ApproveResult, agent string) (handoff.Result, error) {
	msg, err := handoff.NewMessage(a.cfg.Sender, agent, "plan approved: "+res.Plan.PlanID, map[string]any{
		"plan_id":        res.Plan.PlanID,
		"modules_total":  res.Orchestration.ModulesTotal,
		"created_issues": res.Created,
	})
	if err != nil {
		return handoff.Result{}, err
	}
	return a.cfg.Protocol.Deliver(ctx, msg, "approve-plan")
}

func (a api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"plan,section,module,orchestration"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := a.authorize(ctx, input.ProjectID, auth.EventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.cfg.Engine.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// Items are newest first; the cursor excludes everything at or above it.
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (a api) registerHandoff(api huma.API) {
	if a.cfg.Protocol == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "send-handoff",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/handoffs",
		Summary:     "Send a message and wait for its acknowledgment",
		Description: "Blocks until the recipient acknowledges. Without an acknowledgment the message is resent once and then escalated to the supervisor; the response is then 504 ack_timeout.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      HandoffRequest `json:"body"`
	}) (*struct {
		Body handoff.Result `json:"body"`
	}, error) {
		principal, err := a.authorize(ctx, input.ProjectID, auth.HandoffSend)
		if err != nil {
			return nil, handleError(err)
		}
		from := input.Body.From
		if from == "" {
			from = a.cfg.Sender
		}
		msg := handoff.Message{
			From:     from,
			To:       input.Body.To,
			Subject:  input.Body.Subject,
			Priority: handoff.Priority(input.Body.Priority),
			Type:     handoff.Kind(input.Body.Type),
			Payload:  input.Body.Payload,
		}
		op := input.Body.BlockedOperation
		if op == "" {
			op = "handoff"
		}
		a.log.Info("handoff requested", zap.String("actor", principal.ActorID), zap.String("to", msg.To), zap.String("subject", msg.Subject))
		res, err := a.cfg.Protocol.Deliver(ctx, msg, op)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body handoff.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-handoff",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/handoffs/ack",
		Summary:     "Acknowledge a received message",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			From    string `json:"from" minLength:"1"`
			To      string `json:"to" minLength:"1"`
			Subject string `json:"subject" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body handoff.Message `json:"body"`
	}, error) {
		if _, err := a.authorize(ctx, input.ProjectID, auth.HandoffSend); err != nil {
			return nil, handleError(err)
		}
		ack := handoff.AckFor(handoff.Message{From: input.Body.To, To: input.Body.From, Subject: input.Body.Subject}, time.Now().UTC())
		if err := a.cfg.Protocol.Transport.Send(ctx, ack); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body handoff.Message `json:"body"`
		}{Body: ack}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "handoff-inbox",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/handoffs/inbox/{agent}",
		Summary:     "Messages stored in the workspace mailbox for an agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Agent     string `path:"agent"`
		Unread    bool   `query:"unread"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []handoff.Message `json:"body"`
	}, error) {
		if _, err := a.authorize(ctx, input.ProjectID, auth.HandoffRead); err != nil {
			return nil, handleError(err)
		}
		rows, err := a.cfg.Engine.Repo.Inbox(ctx, input.Agent, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]handoff.Message, 0, len(rows))
		for _, row := range rows {
			m, err := handoff.FromMailbox(row)
			if err != nil {
				a.log.Warn("skipping malformed mailbox row", zap.Int64("id", row.ID), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
		return &struct {
			Body []handoff.Message `json:"body"`
		}{Body: out}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 12*time.Hour)
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
