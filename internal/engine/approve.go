package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"planline/internal/depgraph"
	"planline/internal/domain"
	"planline/internal/events"
)

// IssueRef links a module to the issue opened for it.
type IssueRef struct {
	ModuleID string `json:"module_id"`
	Ref      string `json:"ref"`
}

// IssueWarning records a module whose issue could not be created.
type IssueWarning struct {
	ModuleID string `json:"module_id"`
	Message  string `json:"message"`
}

type ApproveOptions struct {
	SkipIssues bool
}

type ApproveResult struct {
	Plan          domain.PlanRecord            `json:"plan"`
	Orchestration domain.OrchestrationRecord   `json:"orchestration"`
	Created       []IssueRef                   `json:"created_issues"`
	Warnings      []IssueWarning               `json:"warnings,omitempty"`
	Advisories    []depgraph.Cycle             `json:"advisories,omitempty"`
	Missing       []depgraph.MissingDependency `json:"missing_dependencies,omitempty"`
}

// Approve seals the plan. The exit criteria and the dependency graph gate it
// all-or-nothing; issue creation afterwards tolerates per-module failures.
func (e Engine) Approve(ctx context.Context, p Project, opts ApproveOptions) (res ApproveResult, err error) {
	start := e.now()
	defer func() { e.observe("approve", p, start, err) }()

	doc, plan, err := e.loadPlan(ctx, p)
	if err != nil {
		return ApproveResult{}, err
	}
	if plan.Status == domain.PlanApproved {
		return ApproveResult{}, errApproved(plan, "approve")
	}
	if v := e.expected(doc); v != doc.Version {
		return ApproveResult{}, &ConcurrentModificationError{ProjectID: p.ID, Kind: "plan", Expected: v}
	}

	e.derive(p, &plan)
	if failing := Failing(plan.ExitCriteria); len(failing) > 0 {
		return ApproveResult{}, &ValidationError{Failing: failing}
	}

	nodes, hasDeps, err := e.graphNodes(plan)
	if err != nil {
		return ApproveResult{}, err
	}
	if hasDeps {
		report := e.Analyzer.Analyze(nodes)
		for _, c := range report.Cycles {
			e.Metrics.Cycle(string(c.Severity))
		}
		if blocking := report.Blocking(); len(blocking) > 0 {
			return ApproveResult{}, &CycleError{Cycle: blocking[0]}
		}
		res.Advisories = report.Advisories()
		res.Missing = report.Missing
	}

	if !opts.SkipIssues {
		if e.Tracker == nil {
			return ApproveResult{}, invalidf("no issue tracker configured; approve with skip-issues or configure tracker")
		}
		res.Created, res.Warnings, err = e.createIssues(ctx, plan)
		e.Metrics.Issues(len(res.Created), len(res.Warnings))
		if err != nil {
			return ApproveResult{}, withCreated(err, res.Created)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	plan.Status = domain.PlanApproved
	plan.PlanPhaseComplete = true
	plan.ApprovedAt = now
	orch := domain.OrchestrationRecord{
		Phase:     domain.PhaseOrchestration,
		PlanID:    plan.PlanID,
		Status:    domain.ExecutingStatus,
		CreatedAt: now,
		Modules:   make([]domain.ModuleStatusEntry, 0, len(plan.Modules)),
	}
	for _, m := range plan.Modules {
		orch.Modules = append(orch.Modules, domain.ModuleStatusEntry{
			ID:               m.ID,
			Name:             m.Name,
			Status:           m.Status,
			Priority:         m.Priority,
			ExternalIssueRef: m.ExternalIssueRef,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	defer tx.Rollback()
	if err := e.writePlanTx(ctx, tx, p, &plan, doc.Version); err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	if err := e.writeOrchestrationTx(ctx, tx, p, &orch, 0); err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	payload := events.EventPayload{"issues_created": len(res.Created), "issues_failed": len(res.Warnings), "skip_issues": opts.SkipIssues}
	if err := e.appendEvent(ctx, tx, p, change{event: events.PlanApproved, kind: "plan", id: plan.PlanID, payload: payload}); err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	for _, c := range res.Created {
		if err := e.appendEvent(ctx, tx, p, change{event: events.IssueCreated, kind: "module", id: c.ModuleID, payload: events.EventPayload{"ref": c.Ref}}); err != nil {
			return ApproveResult{}, withCreated(err, res.Created)
		}
	}
	for _, w := range res.Warnings {
		if err := e.appendEvent(ctx, tx, p, change{event: events.IssueFailed, kind: "module", id: w.ModuleID, payload: events.EventPayload{"error": w.Message}}); err != nil {
			return ApproveResult{}, withCreated(err, res.Created)
		}
	}
	if err := e.appendEvent(ctx, tx, p, change{event: events.OrchestrationBegun, kind: "orchestration", id: plan.PlanID, payload: events.EventPayload{"modules_total": orch.ModulesTotal}}); err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	if err := tx.Commit(); err != nil {
		return ApproveResult{}, withCreated(err, res.Created)
	}
	res.Plan = plan
	res.Orchestration = orch
	e.log().Info("plan approved",
		zap.String("project", p.ID),
		zap.String("plan_id", plan.PlanID),
		zap.Int("issues_created", len(res.Created)),
		zap.Int("issues_failed", len(res.Warnings)),
		zap.Int("advisories", len(res.Advisories)))
	return res, nil
}

// createIssues opens one issue per module in declaration order. Tracker
// failures are collected, never fatal; successful refs are written into
// plan.Modules. Cancellation stops before the next module and is returned.
func (e Engine) createIssues(ctx context.Context, plan domain.PlanRecord) ([]IssueRef, []IssueWarning, error) {
	var created []IssueRef
	var warnings []IssueWarning
	for i := range plan.Modules {
		if err := ctx.Err(); err != nil {
			return created, warnings, err
		}
		m := &plan.Modules[i]
		if m.HasExternalRef() {
			continue
		}
		ref, err := e.openIssue(ctx, plan, *m)
		if err != nil {
			e.log().Warn("issue creation failed", zap.String("module", m.ID), zap.Error(err))
			warnings = append(warnings, IssueWarning{ModuleID: m.ID, Message: err.Error()})
			continue
		}
		m.ExternalIssueRef = &ref
		created = append(created, IssueRef{ModuleID: m.ID, Ref: ref})
	}
	return created, warnings, nil
}

func (e Engine) openIssue(ctx context.Context, plan domain.PlanRecord, m domain.Module) (string, error) {
	labels := []string{"module", "priority:" + string(m.Priority)}
	if e.Config != nil {
		labels = append(labels, e.Config.Tracker.Labels...)
	}
	ref, err := e.Tracker.CreateIssue(ctx, "[MODULE] "+m.Name, issueBody(plan, m), labels)
	if err != nil {
		return "", err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("tracker returned an empty issue reference")
	}
	return ref, nil
}

func issueBody(plan domain.PlanRecord, m domain.Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Module `%s` of plan %s.\n\n", m.ID, plan.PlanID)
	fmt.Fprintf(&b, "**Goal:** %s\n\n", plan.Goal)
	fmt.Fprintf(&b, "**Priority:** %s\n\n", m.Priority)
	b.WriteString("## Acceptance criteria\n\n")
	b.WriteString(m.AcceptanceCriteria)
	b.WriteString("\n")
	if len(m.DependsOn) > 0 {
		b.WriteString("\n## Depends on\n\n")
		for _, d := range m.DependsOn {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	return b.String()
}

// withCreated attaches the refs of issues opened before err so that callers
// can reconcile them.
func withCreated(err error, created []IssueRef) error {
	if len(created) == 0 {
		return err
	}
	var cm *ConcurrentModificationError
	if errors.As(err, &cm) {
		cm.Created = created
		return err
	}
	return &OrphanedIssuesError{Err: err, Created: created}
}

// RetryIssueCreation opens the missing issue of one module of an approved plan
// and records the reference in both records.
func (e Engine) RetryIssueCreation(ctx context.Context, p Project, moduleID string) (res IssueRef, err error) {
	start := e.now()
	defer func() { e.observe("retry-issue", p, start, err) }()

	planDoc, plan, err := e.loadPlan(ctx, p)
	if err != nil {
		return IssueRef{}, err
	}
	if plan.Status != domain.PlanApproved {
		return IssueRef{}, fmt.Errorf("plan %s is %s; issues are created on approval: %w", plan.PlanID, plan.Status, ErrInvalidTransition)
	}
	i := plan.ModuleIndex(moduleID)
	if i < 0 {
		return IssueRef{}, fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	if plan.Modules[i].HasExternalRef() {
		return IssueRef{}, fmt.Errorf("module %s already has issue %s: %w", moduleID, *plan.Modules[i].ExternalIssueRef, ErrDuplicate)
	}
	if e.Tracker == nil {
		return IssueRef{}, invalidf("no issue tracker configured")
	}
	orchDoc, orch, err := e.loadOrchestration(ctx, e.Repo.GetDocument, p)
	if err != nil {
		return IssueRef{}, err
	}

	ref, err := e.openIssue(ctx, plan, plan.Modules[i])
	e.Metrics.Issues(btoi(err == nil), btoi(err != nil))
	if err != nil {
		return IssueRef{}, fmt.Errorf("create issue for module %s: %w", moduleID, err)
	}
	res = IssueRef{ModuleID: moduleID, Ref: ref}
	plan.Modules[i].ExternalIssueRef = &ref
	for j := range orch.Modules {
		if orch.Modules[j].ID == moduleID {
			orch.Modules[j].ExternalIssueRef = &ref
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssueRef{}, err
	}
	defer tx.Rollback()
	if err := e.writePlanTx(ctx, tx, p, &plan, planDoc.Version); err != nil {
		return IssueRef{}, withCreated(err, []IssueRef{res})
	}
	if err := e.writeOrchestrationTx(ctx, tx, p, &orch, orchDoc.Version); err != nil {
		return IssueRef{}, withCreated(err, []IssueRef{res})
	}
	if err := e.appendEvent(ctx, tx, p, change{event: events.IssueCreated, kind: "module", id: moduleID, payload: events.EventPayload{"ref": ref, "retry": true}}); err != nil {
		return IssueRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssueRef{}, err
	}
	return res, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
