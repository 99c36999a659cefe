package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the plan engine.
const (
	PlanCreated        = "plan.created"
	PlanGoalChanged    = "plan.goal.changed"
	PlanSubmitted      = "plan.submitted"
	PlanApproved       = "plan.approved"
	PlanReset          = "plan.reset"
	SectionAdded       = "section.added"
	SectionUpdated     = "section.updated"
	SectionReset       = "section.reset"
	SectionRemoved     = "section.removed"
	ModuleAdded        = "module.added"
	ModuleUpdated      = "module.updated"
	ModuleRemoved      = "module.removed"
	IssueCreated       = "issue.created"
	IssueFailed        = "issue.failed"
	OrchestrationBegun = "orchestration.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
