package engine

import (
	"context"
	"fmt"
	"strings"

	"planline/internal/domain"
	"planline/internal/events"
)

var sectionOrder = map[domain.SectionStatus]int{
	domain.SectionPending:    0,
	domain.SectionInProgress: 1,
	domain.SectionComplete:   2,
}

// ensureSectionTransition allows one forward step at a time.
func ensureSectionTransition(name string, from, to domain.SectionStatus) error {
	if sectionOrder[to] == sectionOrder[from]+1 {
		return nil
	}
	err := &TransitionError{Entity: "section", Name: name, From: string(from), To: string(to)}
	switch {
	case sectionOrder[to] < sectionOrder[from]:
		err.Hint = "use reset-section to start over"
	default:
		err.Hint = "sections move pending -> in-progress -> complete without skipping"
	}
	return err
}

func (e Engine) AddRequirementSection(ctx context.Context, p Project, name string) (Result, error) {
	name = strings.TrimSpace(name)
	return e.mutate(ctx, p, "add-section", func(plan *domain.PlanRecord) (change, error) {
		if name == "" {
			return change{}, invalidf("section name is required")
		}
		if plan.SectionIndex(name) >= 0 {
			return change{}, fmt.Errorf("section %q: %w", name, ErrDuplicate)
		}
		plan.Sections = append(plan.Sections, domain.RequirementSection{Name: name, Status: domain.SectionPending})
		return change{event: events.SectionAdded, kind: "section", id: name}, nil
	})
}

// SectionUpdate holds the optional changes to a section.
type SectionUpdate struct {
	Status  string
	NewName string
}

func (e Engine) ModifyRequirementSection(ctx context.Context, p Project, name string, upd SectionUpdate) (Result, error) {
	return e.mutate(ctx, p, "modify-section", func(plan *domain.PlanRecord) (change, error) {
		i := plan.SectionIndex(name)
		if i < 0 {
			return change{}, fmt.Errorf("section %q: %w", name, ErrNotFound)
		}
		s := &plan.Sections[i]
		payload := events.EventPayload{}
		if upd.Status != "" {
			to, err := domain.ParseSectionStatus(upd.Status)
			if err != nil {
				return change{}, invalidf("%v", err)
			}
			if to != s.Status {
				if err := ensureSectionTransition(s.Name, s.Status, to); err != nil {
					return change{}, err
				}
				payload["from"] = s.Status
				payload["to"] = to
				s.Status = to
			}
		}
		if newName := strings.TrimSpace(upd.NewName); newName != "" && newName != s.Name {
			if plan.SectionIndex(newName) >= 0 {
				return change{}, fmt.Errorf("section %q: %w", newName, ErrDuplicate)
			}
			payload["renamed_from"] = s.Name
			s.Name = newName
		}
		if len(payload) == 0 {
			return change{noop: true}, nil
		}
		return change{event: events.SectionUpdated, kind: "section", id: s.Name, payload: payload}, nil
	})
}

// ResetRequirementSection is the administrative reset back to pending.
func (e Engine) ResetRequirementSection(ctx context.Context, p Project, name string) (Result, error) {
	return e.mutate(ctx, p, "reset-section", func(plan *domain.PlanRecord) (change, error) {
		i := plan.SectionIndex(name)
		if i < 0 {
			return change{}, fmt.Errorf("section %q: %w", name, ErrNotFound)
		}
		from := plan.Sections[i].Status
		if from == domain.SectionPending {
			return change{noop: true}, nil
		}
		plan.Sections[i].Status = domain.SectionPending
		return change{event: events.SectionReset, kind: "section", id: name, payload: events.EventPayload{"from": from}}, nil
	})
}

// RemoveRequirementSection removes a pending section, or any section when
// forced.
func (e Engine) RemoveRequirementSection(ctx context.Context, p Project, name string, force bool) (Result, error) {
	return e.mutate(ctx, p, "remove-section", func(plan *domain.PlanRecord) (change, error) {
		i := plan.SectionIndex(name)
		if i < 0 {
			return change{}, fmt.Errorf("section %q: %w", name, ErrNotFound)
		}
		s := plan.Sections[i]
		c := change{event: events.SectionRemoved, kind: "section", id: name, payload: events.EventPayload{"status": s.Status, "force": force}}
		if s.Status != domain.SectionPending {
			if !force {
				return change{}, fmt.Errorf("section %q is %s; only pending sections can be removed without force: %w", name, s.Status, ErrNotRemovable)
			}
			c.warnings = append(c.warnings, fmt.Sprintf("removed section %q while %s; its requirements work may be lost", name, s.Status))
		}
		plan.Sections = append(plan.Sections[:i], plan.Sections[i+1:]...)
		return c, nil
	})
}
