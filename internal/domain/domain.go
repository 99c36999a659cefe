package domain

import (
	"fmt"
	"regexp"
	"strings"
)

type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseOrchestration Phase = "orchestration"
)

type PlanStatus string

const (
	PlanDrafting  PlanStatus = "drafting"
	PlanReviewing PlanStatus = "reviewing"
	PlanApproved  PlanStatus = "approved"
)

type SectionStatus string

const (
	SectionPending    SectionStatus = "pending"
	SectionInProgress SectionStatus = "in-progress"
	SectionComplete   SectionStatus = "complete"
)

type ModuleStatus string

const (
	ModulePlanned    ModuleStatus = "planned"
	ModulePending    ModuleStatus = "pending"
	ModuleInProgress ModuleStatus = "in-progress"
	ModuleComplete   ModuleStatus = "complete"
	ModuleBlocked    ModuleStatus = "blocked"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ExecutingStatus is the only status an orchestration record carries here;
// its later lifecycle belongs to the execution tooling.
const ExecutingStatus = "executing"

// DefaultRequirementsFile is the requirements document a new plan points at.
const DefaultRequirementsFile = "USER_REQUIREMENTS.md"

// DefaultSections are seeded into every new plan.
var DefaultSections = []string{
	"Functional Requirements",
	"Non-Functional Requirements",
	"Architecture Design",
}

func ParseSectionStatus(s string) (SectionStatus, error) {
	switch SectionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case SectionPending:
		return SectionPending, nil
	case SectionInProgress:
		return SectionInProgress, nil
	case SectionComplete:
		return SectionComplete, nil
	}
	return "", fmt.Errorf("invalid section status %q (want pending, in-progress or complete)", s)
}

func ParseModuleStatus(s string) (ModuleStatus, error) {
	switch ModuleStatus(strings.ToLower(strings.TrimSpace(s))) {
	case ModulePlanned:
		return ModulePlanned, nil
	case ModulePending:
		return ModulePending, nil
	case ModuleInProgress:
		return ModuleInProgress, nil
	case ModuleComplete:
		return ModuleComplete, nil
	case ModuleBlocked:
		return ModuleBlocked, nil
	}
	return "", fmt.Errorf("invalid module status %q (want planned, pending, in-progress, complete or blocked)", s)
}

// ParsePriority accepts an empty string as medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityMedium:
		return PriorityMedium, nil
	case PriorityCritical:
		return PriorityCritical, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("invalid priority %q (want critical, high, medium or low)", s)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// ModuleID derives the stable module identifier from its display name.
func ModuleID(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

type RequirementSection struct {
	Name   string        `yaml:"name" json:"name"`
	Status SectionStatus `yaml:"status" json:"status" enum:"pending,in-progress,complete"`
}

type Module struct {
	ID                 string       `yaml:"id" json:"id"`
	Name               string       `yaml:"name" json:"name"`
	Status             ModuleStatus `yaml:"status" json:"status" enum:"planned,pending,in-progress,complete,blocked"`
	Priority           Priority     `yaml:"priority" json:"priority" enum:"critical,high,medium,low"`
	AcceptanceCriteria string       `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	ExternalIssueRef   *string      `yaml:"github_issue,omitempty" json:"github_issue,omitempty"`
	DependsOn          []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Context            string       `yaml:"context,omitempty" json:"context,omitempty"`
	BlockedFrom        ModuleStatus `yaml:"blocked_from,omitempty" json:"blocked_from,omitempty"`
}

// Locked reports whether the module has started or finished work. A module
// blocked while in progress stays locked.
func (m Module) Locked() bool {
	switch m.Status {
	case ModuleInProgress, ModuleComplete:
		return true
	case ModuleBlocked:
		return m.BlockedFrom == ModuleInProgress
	}
	return false
}

func (m Module) HasExternalRef() bool {
	return m.ExternalIssueRef != nil && *m.ExternalIssueRef != ""
}

type ExitCriterion struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Satisfied   bool   `yaml:"satisfied" json:"satisfied"`
	Hint        string `yaml:"-" json:"hint,omitempty"`
}

// PlanRecord is the planning-phase aggregate, one per project.
type PlanRecord struct {
	Phase                Phase                `yaml:"phase" json:"phase"`
	PlanID               string               `yaml:"plan_id" json:"plan_id"`
	Status               PlanStatus           `yaml:"status" json:"status" enum:"drafting,reviewing,approved"`
	CreatedAt            string               `yaml:"created_at" json:"created_at" format:"date-time"`
	ApprovedAt           string               `yaml:"approved_at,omitempty" json:"approved_at,omitempty"`
	Goal                 string               `yaml:"goal" json:"goal"`
	GoalLocked           bool                 `yaml:"goal_locked" json:"goal_locked"`
	RequirementsDocPath  string               `yaml:"requirements_file" json:"requirements_file"`
	RequirementsComplete bool                 `yaml:"requirements_complete" json:"requirements_complete"`
	Sections             []RequirementSection `yaml:"requirements_sections" json:"requirements_sections"`
	Modules              []Module             `yaml:"modules" json:"modules"`
	PlanPhaseComplete    bool                 `yaml:"plan_phase_complete" json:"plan_phase_complete"`
	ExitCriteria         []ExitCriterion      `yaml:"exit_criteria" json:"exit_criteria"`
	Version              int64                `yaml:"version" json:"version"`
}

func (p *PlanRecord) SectionIndex(name string) int {
	for i, s := range p.Sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (p *PlanRecord) ModuleIndex(id string) int {
	for i, m := range p.Modules {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// AllSectionsComplete is false for a plan with no sections.
func (p *PlanRecord) AllSectionsComplete() bool {
	if len(p.Sections) == 0 {
		return false
	}
	for _, s := range p.Sections {
		if s.Status != SectionComplete {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (p PlanRecord) Clone() PlanRecord {
	out := p
	out.Sections = append([]RequirementSection(nil), p.Sections...)
	out.ExitCriteria = append([]ExitCriterion(nil), p.ExitCriteria...)
	out.Modules = make([]Module, len(p.Modules))
	for i, m := range p.Modules {
		m.DependsOn = append([]string(nil), m.DependsOn...)
		if m.ExternalIssueRef != nil {
			ref := *m.ExternalIssueRef
			m.ExternalIssueRef = &ref
		}
		out.Modules[i] = m
	}
	return out
}

type ModuleStatusEntry struct {
	ID               string       `yaml:"id" json:"id"`
	Name             string       `yaml:"name" json:"name"`
	Status           ModuleStatus `yaml:"status" json:"status"`
	Priority         Priority     `yaml:"priority" json:"priority"`
	AssignedTo       *string      `yaml:"assigned_to" json:"assigned_to"`
	ExternalIssueRef *string      `yaml:"github_issue" json:"github_issue"`
}

// OrchestrationRecord is created once, at approval, and never merged back.
type OrchestrationRecord struct {
	Phase              Phase               `yaml:"phase" json:"phase"`
	PlanID             string              `yaml:"plan_id" json:"plan_id"`
	Status             string              `yaml:"status" json:"status"`
	CreatedAt          string              `yaml:"created_at" json:"created_at" format:"date-time"`
	Modules            []ModuleStatusEntry `yaml:"modules_status" json:"modules_status"`
	ModulesCompleted   int                 `yaml:"modules_completed" json:"modules_completed"`
	ModulesTotal       int                 `yaml:"modules_total" json:"modules_total"`
	AllModulesComplete bool                `yaml:"all_modules_complete" json:"all_modules_complete"`
	Version            int64               `yaml:"version" json:"version"`
}

// Recount refreshes the aggregate counters from the module mirror.
func (o *OrchestrationRecord) Recount() {
	o.ModulesTotal = len(o.Modules)
	o.ModulesCompleted = 0
	for _, m := range o.Modules {
		if m.Status == ModuleComplete {
			o.ModulesCompleted++
		}
	}
	o.AllModulesComplete = o.ModulesTotal > 0 && o.ModulesCompleted == o.ModulesTotal
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Issue is an entry in the workspace-local issue ledger.
type Issue struct {
	ProjectID string   `json:"project_id"`
	Number    int64    `json:"number"`
	Ref       string   `json:"ref"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	State     string   `json:"state" enum:"open,closed"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// MailboxMessage is a handoff message stored in the workspace mailbox.
type MailboxMessage struct {
	ID        int64   `json:"id"`
	MessageID string  `json:"message_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Subject   string  `json:"subject"`
	Priority  string  `json:"priority"`
	Type      string  `json:"type"`
	Retry     bool    `json:"retry"`
	Payload   string  `json:"payload_json,omitempty"`
	SentAt    string  `json:"sent_at" format:"date-time"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
}
