package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"planline/internal/db"
	"planline/internal/depgraph"
	"planline/internal/document"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// NewPlanID returns an id of the form plan-YYYYMMDD-HHMMSS-xxxxxxxx.
func NewPlanID(now time.Time) string {
	return fmt.Sprintf("plan-%s-%s", now.UTC().Format("20060102-150405"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create starts planning for a project that has no plan yet.
func (e Engine) Create(ctx context.Context, p Project, goal string) (plan domain.PlanRecord, err error) {
	start := e.now()
	defer func() { e.observe("create", p, start, err) }()

	goal = strings.TrimSpace(goal)
	if goal == "" {
		return domain.PlanRecord{}, invalidf("goal is required")
	}
	if p.ID == "" {
		return domain.PlanRecord{}, invalidf("project is required")
	}
	sections := domain.DefaultSections
	reqFile := domain.DefaultRequirementsFile
	if e.Config != nil {
		if len(e.Config.Planning.DefaultSections) > 0 {
			sections = e.Config.Planning.DefaultSections
		}
		if e.Config.Planning.RequirementsFile != "" {
			reqFile = e.Config.Planning.RequirementsFile
		}
	}
	now := e.now()
	plan = domain.PlanRecord{
		Phase:               domain.PhasePlanning,
		PlanID:              NewPlanID(now),
		Status:              domain.PlanDrafting,
		CreatedAt:           now.UTC().Format(time.RFC3339),
		Goal:                goal,
		GoalLocked:          true,
		RequirementsDocPath: reqFile,
		Modules:             []domain.Module{},
		Version:             1,
	}
	for _, name := range sections {
		plan.Sections = append(plan.Sections, domain.RequirementSection{Name: name, Status: domain.SectionPending})
	}
	e.derive(p, &plan)
	content, err := document.EncodePlan(plan)
	if err != nil {
		return domain.PlanRecord{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PlanRecord{}, err
	}
	defer tx.Rollback()
	err = e.Repo.InsertDocumentTx(ctx, tx, repo.Document{ProjectID: p.ID, Kind: repo.KindPlan, Content: content, UpdatedAt: plan.CreatedAt})
	if errors.Is(err, repo.ErrExists) {
		return domain.PlanRecord{}, fmt.Errorf("plan for project %s: %w", p.ID, ErrAlreadyExists)
	}
	if err != nil {
		return domain.PlanRecord{}, err
	}
	if err := e.appendEvent(ctx, tx, p, change{event: events.PlanCreated, kind: "plan", id: plan.PlanID, payload: events.EventPayload{"goal": goal}}); err != nil {
		return domain.PlanRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PlanRecord{}, err
	}
	return plan, nil
}

// SetGoal replaces the goal. A locked goal needs override.
func (e Engine) SetGoal(ctx context.Context, p Project, goal string, override bool) (Result, error) {
	goal = strings.TrimSpace(goal)
	return e.mutate(ctx, p, "set-goal", func(plan *domain.PlanRecord) (change, error) {
		if goal == "" {
			return change{}, invalidf("goal is required")
		}
		if goal == plan.Goal {
			return change{noop: true}, nil
		}
		if plan.GoalLocked && !override {
			return change{}, &LockedError{Entity: "goal"}
		}
		prev := plan.Goal
		plan.Goal = goal
		plan.GoalLocked = true
		return change{event: events.PlanGoalChanged, kind: "plan", id: plan.PlanID, payload: events.EventPayload{"from": prev, "to": goal, "override": override}}, nil
	})
}

// SubmitForReview moves a drafting plan to reviewing. Editing stays possible.
func (e Engine) SubmitForReview(ctx context.Context, p Project) (Result, error) {
	return e.mutate(ctx, p, "submit", func(plan *domain.PlanRecord) (change, error) {
		if plan.Status != domain.PlanDrafting {
			return change{}, &TransitionError{Entity: "plan", Name: plan.PlanID, From: string(plan.Status), To: string(domain.PlanReviewing)}
		}
		plan.Status = domain.PlanReviewing
		return change{event: events.PlanSubmitted, kind: "plan", id: plan.PlanID}, nil
	})
}

// StatusView is the read model behind planning-status.
type StatusView struct {
	Plan          domain.PlanRecord           `json:"plan"`
	Failing       []domain.ExitCriterion      `json:"failing,omitempty"`
	Approvable    bool                        `json:"approvable"`
	Dependencies  depgraph.Report             `json:"dependencies"`
	BuildOrder    []string                    `json:"build_order,omitempty"`
	Orchestration *domain.OrchestrationRecord `json:"orchestration,omitempty"`
}

// Status reads the plan and recomputes everything derived from it.
func (e Engine) Status(ctx context.Context, p Project) (view StatusView, err error) {
	_, plan, err := e.loadPlan(ctx, p)
	if err != nil {
		return StatusView{}, err
	}
	e.derive(p, &plan)
	view = StatusView{Plan: plan, Failing: Failing(plan.ExitCriteria)}
	view.Approvable = len(view.Failing) == 0 && plan.Status != domain.PlanApproved
	nodes, _, err := e.graphNodes(plan)
	if err != nil {
		return StatusView{}, err
	}
	view.Dependencies = e.Analyzer.Analyze(nodes)
	if len(view.Dependencies.Cycles) == 0 {
		if order, err := depgraph.Order(nodes); err == nil {
			view.BuildOrder = order
		}
	}
	if plan.Status == domain.PlanApproved {
		if _, o, err := e.loadOrchestration(ctx, e.Repo.GetDocument, p); err == nil {
			view.Orchestration = &o
		} else if !errors.Is(err, ErrNotFound) {
			return StatusView{}, err
		}
	}
	return view, nil
}

// ExitCriteria returns the freshly computed approval gate.
func (e Engine) ExitCriteria(ctx context.Context, p Project) ([]domain.ExitCriterion, error) {
	_, plan, err := e.loadPlan(ctx, p)
	if err != nil {
		return nil, err
	}
	return ComputeExitCriteria(plan, e.fileExists(p, plan.RequirementsDocPath)), nil
}

func (e Engine) Orchestration(ctx context.Context, p Project) (domain.OrchestrationRecord, error) {
	_, o, err := e.loadOrchestration(ctx, e.Repo.GetDocument, p)
	return o, err
}

const backupDir = "docs_dev/plan_backups"

type ResetResult struct {
	PlanID  string   `json:"plan_id"`
	Backups []string `json:"backups,omitempty"`
}

// Reset deletes the plan and any orchestration record. With backup the current
// documents are copied under docs_dev/plan_backups first.
func (e Engine) Reset(ctx context.Context, p Project, backup bool) (res ResetResult, err error) {
	start := e.now()
	defer func() { e.observe("reset", p, start, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResetResult{}, err
	}
	defer tx.Rollback()

	doc, plan, err := e.loadPlanTx(ctx, tx, p)
	if err != nil {
		return ResetResult{}, err
	}
	res.PlanID = plan.PlanID
	if backup {
		ts := e.now().UTC().Format("20060102-150405")
		dir := filepath.Join(p.Root, backupDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ResetResult{}, fmt.Errorf("create backup dir: %w", err)
		}
		files := map[repo.DocumentKind]string{
			repo.KindPlan:          "plan-phase-backup-" + ts + ".md",
			repo.KindOrchestration: "exec-phase-backup-" + ts + ".md",
		}
		for _, kind := range []repo.DocumentKind{repo.KindPlan, repo.KindOrchestration} {
			d := doc
			if kind == repo.KindOrchestration {
				d, err = e.Repo.GetDocumentTx(ctx, tx, p.ID, kind)
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				if err != nil {
					return ResetResult{}, err
				}
			}
			path := filepath.Join(dir, files[kind])
			if err := os.WriteFile(path, d.Content, 0o644); err != nil {
				return ResetResult{}, fmt.Errorf("write backup: %w", err)
			}
			res.Backups = append(res.Backups, path)
		}
	}
	if _, err := e.Repo.DeleteDocumentsTx(ctx, tx, p.ID); err != nil {
		return ResetResult{}, err
	}
	if err := e.appendEvent(ctx, tx, p, change{event: events.PlanReset, kind: "plan", id: plan.PlanID, payload: events.EventPayload{"backups": res.Backups, "status": plan.Status}}); err != nil {
		return ResetResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResetResult{}, err
	}
	return res, nil
}

// Export writes the stored documents to .planline/plan-phase.md and
// .planline/exec-phase.md. The files are a read-only mirror.
func (e Engine) Export(ctx context.Context, p Project) ([]string, error) {
	dir, err := db.EnsureWorkspace(p.Root)
	if err != nil {
		return nil, err
	}
	var written []string
	targets := []struct {
		kind repo.DocumentKind
		name string
	}{
		{repo.KindPlan, "plan-phase.md"},
		{repo.KindOrchestration, "exec-phase.md"},
	}
	for _, t := range targets {
		d, err := e.Repo.GetDocument(ctx, p.ID, t.kind)
		if errors.Is(err, repo.ErrNotFound) {
			if t.kind == repo.KindPlan {
				return nil, fmt.Errorf("no plan for project %s: %w", p.ID, ErrNotFound)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, t.name)
		if err := os.WriteFile(path, d.Content, 0o644); err != nil {
			return nil, err
		}
		written = append(written, path)
	}
	return written, nil
}
