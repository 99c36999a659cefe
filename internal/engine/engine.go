// Package engine owns the plan and orchestration records of a project. Every
// mutation reads the current plan, validates against that snapshot and writes
// it back only if no other writer got there first.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/depgraph"
	"planline/internal/document"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/repo"
)

// Project identifies the plan an operation targets. Root anchors relative
// paths such as the requirements document.
type Project struct {
	ID   string
	Root string
}

// IssueTracker opens one issue per module during approval.
type IssueTracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (string, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Tracker  IssueTracker
	Analyzer depgraph.Analyzer
	// FileExists checks the requirements document; nil means os.Stat.
	FileExists func(path string) bool
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Actor      string
	Now        func() time.Time
	// ExpectedVersion, when non-zero, is the plan version the caller last
	// read. Planning mutations and Approve fail with ConcurrentModification if the
	// stored plan has moved on.
	ExpectedVersion int64
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) fileExists(p Project, path string) bool {
	if path == "" {
		return false
	}
	if !filepath.IsAbs(path) && p.Root != "" {
		path = filepath.Join(p.Root, path)
	}
	if e.FileExists != nil {
		return e.FileExists(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, p Project, c change) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, c.event, p.ID, c.kind, c.id, e.Actor, c.payload)
}

// observe records the outcome of an operation in metrics and the log.
func (e Engine) observe(op string, p Project, start time.Time, err error) {
	code := Code(err)
	e.Metrics.Operation(op, code, e.now().Sub(start))
	if errors.Is(err, ErrConcurrentModification) {
		e.Metrics.Conflict()
	}
	switch code {
	case "ok":
		e.log().Debug("plan operation", zap.String("op", op), zap.String("project", p.ID))
	case "internal":
		e.log().Error("plan operation failed", zap.String("op", op), zap.String("project", p.ID), zap.Error(err))
	default:
		e.log().Info("plan operation rejected", zap.String("op", op), zap.String("project", p.ID), zap.String("code", code), zap.Error(err))
	}
}

// Result is returned by every planning mutation.
type Result struct {
	Plan     domain.PlanRecord `json:"plan"`
	Warnings []string          `json:"warnings,omitempty"`
}

type change struct {
	event    string
	kind     string
	id       string
	payload  events.EventPayload
	warnings []string
	noop     bool
}

// mutate runs fn against the stored plan inside one transaction and writes the
// result back with a version check.
func (e Engine) mutate(ctx context.Context, p Project, op string, fn func(plan *domain.PlanRecord) (change, error)) (res Result, err error) {
	start := e.now()
	defer func() { e.observe(op, p, start, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	doc, plan, err := e.loadPlanTx(ctx, tx, p)
	if err != nil {
		return Result{}, err
	}
	if plan.Status == domain.PlanApproved {
		return Result{}, errApproved(plan, op)
	}
	c, err := fn(&plan)
	if err != nil {
		return Result{}, err
	}
	if c.noop {
		e.derive(p, &plan)
		return Result{Plan: plan, Warnings: c.warnings}, nil
	}
	if err := e.writePlanTx(ctx, tx, p, &plan, e.expected(doc)); err != nil {
		return Result{}, err
	}
	if err := e.appendEvent(ctx, tx, p, c); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	for _, w := range c.warnings {
		e.log().Warn(w, zap.String("op", op), zap.String("project", p.ID))
	}
	return Result{Plan: plan, Warnings: c.warnings}, nil
}

// expected is the version a write must replace: the caller's view when one
// was given, otherwise the snapshot just read.
func (e Engine) expected(doc repo.Document) int64 {
	if e.ExpectedVersion != 0 {
		return e.ExpectedVersion
	}
	return doc.Version
}

func (e Engine) loadPlanTx(ctx context.Context, tx *sql.Tx, p Project) (repo.Document, domain.PlanRecord, error) {
	doc, err := e.Repo.GetDocumentTx(ctx, tx, p.ID, repo.KindPlan)
	return e.decodePlan(p, doc, err)
}

func (e Engine) loadPlan(ctx context.Context, p Project) (repo.Document, domain.PlanRecord, error) {
	doc, err := e.Repo.GetDocument(ctx, p.ID, repo.KindPlan)
	return e.decodePlan(p, doc, err)
}

func (e Engine) decodePlan(p Project, doc repo.Document, err error) (repo.Document, domain.PlanRecord, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return doc, domain.PlanRecord{}, fmt.Errorf("no plan for project %s (run start-planning first): %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return doc, domain.PlanRecord{}, err
	}
	plan, err := document.DecodePlan(doc.Content)
	if err != nil {
		return doc, domain.PlanRecord{}, fmt.Errorf("read plan for project %s: %w", p.ID, err)
	}
	plan.Version = doc.Version
	return doc, plan, nil
}

func (e Engine) loadOrchestration(ctx context.Context, q func(ctx context.Context, projectID string, kind repo.DocumentKind) (repo.Document, error), p Project) (repo.Document, domain.OrchestrationRecord, error) {
	doc, err := q(ctx, p.ID, repo.KindOrchestration)
	if errors.Is(err, repo.ErrNotFound) {
		return doc, domain.OrchestrationRecord{}, fmt.Errorf("no orchestration record for project %s (approve the plan first): %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return doc, domain.OrchestrationRecord{}, err
	}
	o, err := document.DecodeOrchestration(doc.Content)
	if err != nil {
		return doc, domain.OrchestrationRecord{}, fmt.Errorf("read orchestration for project %s: %w", p.ID, err)
	}
	o.Version = doc.Version
	return doc, o, nil
}

// writePlanTx re-derives plan, encodes it and stores it if the stored version
// is still expected.
func (e Engine) writePlanTx(ctx context.Context, tx *sql.Tx, p Project, plan *domain.PlanRecord, expected int64) error {
	e.derive(p, plan)
	plan.Version = expected + 1
	content, err := document.EncodePlan(*plan)
	if err != nil {
		return err
	}
	err = e.Repo.UpdateDocumentTx(ctx, tx, repo.Document{ProjectID: p.ID, Kind: repo.KindPlan, Content: content, UpdatedAt: e.timestamp()}, expected)
	if errors.Is(err, repo.ErrVersionConflict) {
		return &ConcurrentModificationError{ProjectID: p.ID, Kind: "plan", Expected: expected}
	}
	return err
}

func (e Engine) writeOrchestrationTx(ctx context.Context, tx *sql.Tx, p Project, o *domain.OrchestrationRecord, expected int64) error {
	o.Recount()
	o.Version = expected + 1
	content, err := document.EncodeOrchestration(*o)
	if err != nil {
		return err
	}
	d := repo.Document{ProjectID: p.ID, Kind: repo.KindOrchestration, Content: content, UpdatedAt: e.timestamp()}
	if expected == 0 {
		err = e.Repo.InsertDocumentTx(ctx, tx, d)
		if errors.Is(err, repo.ErrExists) {
			return &ConcurrentModificationError{ProjectID: p.ID, Kind: "orchestration", Expected: expected}
		}
		return err
	}
	err = e.Repo.UpdateDocumentTx(ctx, tx, d, expected)
	if errors.Is(err, repo.ErrVersionConflict) {
		return &ConcurrentModificationError{ProjectID: p.ID, Kind: "orchestration", Expected: expected}
	}
	return err
}

// derive recomputes every derived field of plan.
func (e Engine) derive(p Project, plan *domain.PlanRecord) {
	plan.RequirementsComplete = plan.AllSectionsComplete()
	plan.ExitCriteria = ComputeExitCriteria(*plan, e.fileExists(p, plan.RequirementsDocPath))
}

// moduleContext returns the declared bounded context of a module, falling
// back to the configured mapping.
func (e Engine) moduleContext(m domain.Module) string {
	if m.Context != "" {
		return m.Context
	}
	if e.Config != nil {
		return e.Config.ContextOf(m.ID)
	}
	return ""
}

func (e Engine) graphNodes(plan domain.PlanRecord) ([]depgraph.Node, bool, error) {
	nodes := make([]depgraph.Node, 0, len(plan.Modules))
	hasDeps := false
	for _, m := range plan.Modules {
		n := depgraph.Node{ID: m.ID, Context: e.moduleContext(m)}
		for _, raw := range m.DependsOn {
			d, err := depgraph.ParseDependency(raw)
			if err != nil {
				return nil, false, invalidf("module %s: %v", m.ID, err)
			}
			n.DependsOn = append(n.DependsOn, d)
			hasDeps = true
		}
		nodes = append(nodes, n)
	}
	return nodes, hasDeps, nil
}

func errApproved(plan domain.PlanRecord, op string) error {
	return fmt.Errorf("plan %s is approved; %s is no longer allowed (reset the plan to start over): %w", plan.PlanID, op, ErrInvalidTransition)
}
