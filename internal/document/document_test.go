package document_test

import (
	"errors"
	"strings"
	"testing"

	"planline/internal/document"
	"planline/internal/domain"
)

func samplePlan() domain.PlanRecord {
	ref := "#7"
	return domain.PlanRecord{
		Phase:               domain.PhasePlanning,
		PlanID:              "plan-20240101-000000-abcdef12",
		Status:              domain.PlanDrafting,
		CreatedAt:           "2024-01-01T00:00:00Z",
		Goal:                "Ship the billing service",
		GoalLocked:          true,
		RequirementsDocPath: domain.DefaultRequirementsFile,
		Sections: []domain.RequirementSection{
			{Name: "Functional Requirements", Status: domain.SectionComplete},
			{Name: "Architecture Design", Status: domain.SectionInProgress},
		},
		Modules: []domain.Module{
			{ID: "auth-core", Name: "Auth Core", Status: domain.ModulePlanned, Priority: domain.PriorityHigh, AcceptanceCriteria: "logins work", ExternalIssueRef: &ref, DependsOn: []string{"storage:data"}},
			{ID: "storage", Name: "Storage", Status: domain.ModulePending, Priority: domain.PriorityMedium},
		},
		Version: 4,
	}
}

func TestPlanHeaderUsesWireKeys(t *testing.T) {
	data, err := document.EncodePlan(samplePlan())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(data)
	for _, key := range []string{"phase: planning", "plan_id:", "goal_locked: true", "requirements_file: USER_REQUIREMENTS.md", "requirements_sections:", "status: in-progress", "plan_phase_complete: false", "acceptance_criteria: logins work", "github_issue:", "#7"} {
		if !strings.Contains(text, key) {
			t.Fatalf("expected %q in document:\n%s", key, text)
		}
	}
	if !strings.HasPrefix(text, "---\n") {
		t.Fatalf("expected front matter delimiter at start")
	}
}

func TestDecodeIgnoresBody(t *testing.T) {
	data, err := document.EncodePlan(samplePlan())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Hand edits in the body must not leak into state.
	edited := strings.Replace(string(data), "# Plan", "status: approved\n# Plan", 1)
	p, err := document.DecodePlan([]byte(edited))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != domain.PlanDrafting {
		t.Fatalf("body text changed status to %s", p.Status)
	}
	if len(p.Modules) != 2 || p.Modules[0].ExternalIssueRef == nil || *p.Modules[0].ExternalIssueRef != "#7" {
		t.Fatalf("modules not restored: %+v", p.Modules)
	}
	if p.Modules[0].DependsOn[0] != "storage:data" {
		t.Fatalf("depends_on lost: %+v", p.Modules[0].DependsOn)
	}
}

func TestDecodeRejectsMissingFrontMatter(t *testing.T) {
	_, err := document.DecodePlan([]byte("# just markdown\n"))
	if !errors.Is(err, document.ErrNoFrontMatter) {
		t.Fatalf("expected ErrNoFrontMatter, got %v", err)
	}
	_, err = document.DecodePlan([]byte("---\nphase: planning\n"))
	if !errors.Is(err, document.ErrNoFrontMatter) {
		t.Fatalf("expected unterminated front matter error, got %v", err)
	}
}

func TestDecodeCorruptHeader(t *testing.T) {
	_, err := document.DecodePlan([]byte("---\nmodules: [unclosed\n---\n"))
	if err == nil || !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestOrchestrationRoundTrip(t *testing.T) {
	ref := "#3"
	o := domain.OrchestrationRecord{
		Phase:     domain.PhaseOrchestration,
		PlanID:    "plan-x",
		Status:    domain.ExecutingStatus,
		CreatedAt: "2024-01-01T00:00:00Z",
		Modules: []domain.ModuleStatusEntry{
			{ID: "a", Name: "A", Status: domain.ModulePlanned, Priority: domain.PriorityLow, ExternalIssueRef: &ref},
		},
	}
	o.Recount()
	data, err := document.EncodeOrchestration(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), "modules_status:") || !strings.Contains(string(data), "assigned_to: null") {
		t.Fatalf("unexpected header:\n%s", data)
	}
	got, err := document.DecodeOrchestration(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ModulesTotal != 1 || got.ModulesCompleted != 0 || got.AllModulesComplete {
		t.Fatalf("counters wrong: %+v", got)
	}
}
