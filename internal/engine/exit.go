package engine

import (
	"fmt"
	"strings"

	"planline/internal/domain"
)

// Exit criterion names.
const (
	CriterionRequirementsDoc    = "requirements_document"
	CriterionSectionsComplete   = "sections_complete"
	CriterionModulesDefined     = "modules_defined"
	CriterionAcceptanceCriteria = "acceptance_criteria"
)

// ComputeExitCriteria evaluates the approval gate for plan. It depends only on
// its arguments.
func ComputeExitCriteria(plan domain.PlanRecord, requirementsDocExists bool) []domain.ExitCriterion {
	docPath := plan.RequirementsDocPath
	if docPath == "" {
		docPath = domain.DefaultRequirementsFile
	}
	out := []domain.ExitCriterion{
		{
			Name:        CriterionRequirementsDoc,
			Description: fmt.Sprintf("Requirements document %s exists", docPath),
			Satisfied:   requirementsDocExists,
		},
		{
			Name:        CriterionSectionsComplete,
			Description: "Every requirement section is complete",
			Satisfied:   plan.AllSectionsComplete(),
		},
		{
			Name:        CriterionModulesDefined,
			Description: "At least one module is defined",
			Satisfied:   len(plan.Modules) > 0,
		},
		{
			Name:        CriterionAcceptanceCriteria,
			Description: "Every module has acceptance criteria",
			Satisfied:   len(modulesWithoutCriteria(plan)) == 0,
		},
	}
	for i := range out {
		if !out[i].Satisfied {
			out[i].Hint = hintFor(out[i].Name, plan, docPath)
		}
	}
	return out
}

// Failing returns the unsatisfied criteria.
func Failing(criteria []domain.ExitCriterion) []domain.ExitCriterion {
	var out []domain.ExitCriterion
	for _, c := range criteria {
		if !c.Satisfied {
			out = append(out, c)
		}
	}
	return out
}

func hintFor(name string, plan domain.PlanRecord, docPath string) string {
	switch name {
	case CriterionRequirementsDoc:
		return fmt.Sprintf("create %s in the project root", docPath)
	case CriterionSectionsComplete:
		var open []string
		for _, s := range plan.Sections {
			if s.Status != domain.SectionComplete {
				open = append(open, fmt.Sprintf("%s (%s)", s.Name, s.Status))
			}
		}
		if len(open) == 0 {
			return "add at least one requirement section"
		}
		return "complete sections: " + strings.Join(open, ", ")
	case CriterionModulesDefined:
		return "add a module with add-requirement module"
	case CriterionAcceptanceCriteria:
		return "add acceptance criteria to: " + strings.Join(modulesWithoutCriteria(plan), ", ")
	}
	return ""
}

func modulesWithoutCriteria(plan domain.PlanRecord) []string {
	var out []string
	for _, m := range plan.Modules {
		if strings.TrimSpace(m.AcceptanceCriteria) == "" {
			out = append(out, m.ID)
		}
	}
	return out
}
