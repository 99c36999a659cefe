package server

import (
	"encoding/json"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/handoff"
)

// Request payloads

type CreatePlanRequest struct {
	Goal string `json:"goal" minLength:"1" example:"Ship OAuth login"`
}

type SetGoalRequest struct {
	Goal     string `json:"goal" minLength:"1"`
	Override bool   `json:"override,omitempty"`
}

type ApproveRequest struct {
	SkipIssues bool `json:"skip_issues,omitempty"`
	// Notify names an agent that receives a "plan approved" handoff.
	Notify string `json:"notify,omitempty"`
}

type ResetRequest struct {
	Backup bool `json:"backup,omitempty"`
}

type AddSectionRequest struct {
	Name string `json:"name" minLength:"1"`
}

type UpdateSectionRequest struct {
	Status  string `json:"status,omitempty" enum:"pending,in-progress,complete"`
	NewName string `json:"new_name,omitempty"`
}

type AddModuleRequest struct {
	Name               string   `json:"name" minLength:"1"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	Priority           string   `json:"priority,omitempty" enum:"critical,high,medium,low"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Context            string   `json:"context,omitempty"`
}

type UpdateModuleRequest struct {
	Name               *string   `json:"name,omitempty"`
	AcceptanceCriteria *string   `json:"acceptance_criteria,omitempty"`
	Priority           *string   `json:"priority,omitempty" enum:"critical,high,medium,low"`
	Status             *string   `json:"status,omitempty" enum:"planned,pending,in-progress,complete,blocked"`
	DependsOn          *[]string `json:"depends_on,omitempty"`
	Context            *string   `json:"context,omitempty"`
	Force              bool      `json:"force,omitempty"`
}

type HandoffRequest struct {
	From             string          `json:"from,omitempty"`
	To               string          `json:"to" minLength:"1"`
	Subject          string          `json:"subject" minLength:"1"`
	Priority         string          `json:"priority,omitempty" enum:"normal,high,urgent"`
	Type             string          `json:"type,omitempty" enum:"notification,request,response,status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	BlockedOperation string          `json:"blocked_operation,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id" minLength:"1"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type PlanResponse struct {
	Plan     domain.PlanRecord `json:"plan"`
	Warnings []string          `json:"warnings"`
}

// ApproveResponse always carries the approval. A failed notification is
// reported in NotifyError; the plan stays approved.
type ApproveResponse struct {
	engine.ApproveResult
	Notified    *handoff.Result `json:"notified,omitempty"`
	NotifyError *NotifyFailure  `json:"notify_error,omitempty"`
}

type NotifyFailure struct {
	Code    string         `json:"code" example:"ack_timeout"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func planResponse(res engine.Result) PlanResponse {
	return PlanResponse{Plan: res.Plan, Warnings: nonNilSlice(res.Warnings)}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
