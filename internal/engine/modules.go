package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"planline/internal/depgraph"
	"planline/internal/domain"
	"planline/internal/events"
)

// ModuleSpec describes a new module.
type ModuleSpec struct {
	Name               string
	AcceptanceCriteria string
	Priority           string
	// DependsOn entries are "module" or "module:kind".
	DependsOn []string
	Context   string
}

// ModuleUpdate holds the optional changes to a module; nil fields are kept.
type ModuleUpdate struct {
	Name               *string
	AcceptanceCriteria *string
	Priority           *string
	Status             *string
	DependsOn          *[]string
	Context            *string
	Force              bool
}

func (e Engine) AddModule(ctx context.Context, p Project, spec ModuleSpec) (Result, error) {
	return e.mutate(ctx, p, "add-module", func(plan *domain.PlanRecord) (change, error) {
		name := strings.TrimSpace(spec.Name)
		id := domain.ModuleID(name)
		if id == "" {
			return change{}, invalidf("module name %q has no letters or digits to derive an id from", spec.Name)
		}
		if j := plan.ModuleIndex(id); j >= 0 {
			return change{}, fmt.Errorf("module %q derives id %s already used by %q: %w", name, id, plan.Modules[j].Name, ErrDuplicate)
		}
		prio, err := domain.ParsePriority(spec.Priority)
		if err != nil {
			return change{}, invalidf("module %s: %v", id, err)
		}
		deps, err := normalizeDependencies(spec.DependsOn)
		if err != nil {
			return change{}, invalidf("module %s: %v", id, err)
		}
		plan.Modules = append(plan.Modules, domain.Module{
			ID:                 id,
			Name:               name,
			Status:             domain.ModulePlanned,
			Priority:           prio,
			AcceptanceCriteria: strings.TrimSpace(spec.AcceptanceCriteria),
			DependsOn:          deps,
			Context:            strings.TrimSpace(spec.Context),
		})
		return change{event: events.ModuleAdded, kind: "module", id: id, payload: events.EventPayload{"name": name, "priority": prio}}, nil
	})
}

func (e Engine) ModifyModule(ctx context.Context, p Project, id string, upd ModuleUpdate) (Result, error) {
	return e.mutate(ctx, p, "modify-module", func(plan *domain.PlanRecord) (change, error) {
		i := plan.ModuleIndex(id)
		if i < 0 {
			return change{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
		}
		before := plan.Modules[i]
		m := before
		payload := events.EventPayload{}

		if upd.Status != nil {
			to, err := domain.ParseModuleStatus(*upd.Status)
			if err != nil {
				return change{}, invalidf("module %s: %v", id, err)
			}
			if to != m.Status {
				if err := guardModule(before, upd.Force); err != nil {
					return change{}, err
				}
				payload["from"] = m.Status
				payload["to"] = to
				if err := applyModuleTransition(&m, to); err != nil {
					return change{}, err
				}
			}
		}
		if upd.Priority != nil {
			prio, err := domain.ParsePriority(*upd.Priority)
			if err != nil {
				return change{}, invalidf("module %s: %v", id, err)
			}
			if prio != m.Priority {
				payload["priority"] = prio
				m.Priority = prio
			}
		}
		if upd.AcceptanceCriteria != nil {
			if v := strings.TrimSpace(*upd.AcceptanceCriteria); v != m.AcceptanceCriteria {
				payload["acceptance_criteria"] = true
				m.AcceptanceCriteria = v
			}
		}
		if upd.DependsOn != nil {
			deps, err := normalizeDependencies(*upd.DependsOn)
			if err != nil {
				return change{}, invalidf("module %s: %v", id, err)
			}
			if !slices.Equal(deps, m.DependsOn) {
				payload["depends_on"] = deps
				m.DependsOn = deps
			}
		}
		if upd.Context != nil {
			if v := strings.TrimSpace(*upd.Context); v != m.Context {
				payload["context"] = v
				m.Context = v
			}
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name != m.Name {
				newID := domain.ModuleID(name)
				if newID == "" {
					return change{}, invalidf("module name %q has no letters or digits to derive an id from", *upd.Name)
				}
				if j := plan.ModuleIndex(newID); j >= 0 && j != i {
					return change{}, fmt.Errorf("module %q derives id %s already used by %q: %w", name, newID, plan.Modules[j].Name, ErrDuplicate)
				}
				payload["renamed_from"] = m.Name
				m.Name = name
				m.ID = newID
			}
		}
		if len(payload) == 0 {
			return change{noop: true}, nil
		}

		var warnings []string
		if before.Locked() || before.HasExternalRef() {
			if err := guardModule(before, upd.Force); err != nil {
				return change{}, err
			}
			warnings = append(warnings, workMayBeLost("modified", before))
		}
		if m.ID != before.ID {
			retargetDependencies(plan, before.ID, m.ID)
		}
		plan.Modules[i] = m
		return change{event: events.ModuleUpdated, kind: "module", id: m.ID, payload: payload, warnings: warnings}, nil
	})
}

// RemoveModule deletes a module. Forced removal of a module with an issue
// only detaches the reference; the issue must be closed in the tracker.
func (e Engine) RemoveModule(ctx context.Context, p Project, id string, force bool) (Result, error) {
	return e.mutate(ctx, p, "remove-module", func(plan *domain.PlanRecord) (change, error) {
		i := plan.ModuleIndex(id)
		if i < 0 {
			return change{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
		}
		m := plan.Modules[i]
		if err := guardModule(m, force); err != nil {
			return change{}, err
		}
		var warnings []string
		if m.Locked() || m.HasExternalRef() {
			warnings = append(warnings, workMayBeLost("removed", m))
		}
		if m.HasExternalRef() {
			warnings = append(warnings, fmt.Sprintf("issue %s of module %s was detached, not closed; close it in the tracker", *m.ExternalIssueRef, m.ID))
		}
		plan.Modules = append(plan.Modules[:i], plan.Modules[i+1:]...)
		if dependents := dependentsOf(*plan, id); len(dependents) > 0 {
			warnings = append(warnings, fmt.Sprintf("modules %s still depend on removed module %s", strings.Join(dependents, ", "), id))
		}
		payload := events.EventPayload{"status": m.Status, "force": force}
		if m.HasExternalRef() {
			payload["detached_issue"] = *m.ExternalIssueRef
		}
		return change{event: events.ModuleRemoved, kind: "module", id: id, payload: payload, warnings: warnings}, nil
	})
}

// guardModule rejects changes to started or issue-linked modules unless forced.
func guardModule(m domain.Module, force bool) error {
	if force {
		return nil
	}
	if m.Locked() {
		return &LockedError{Entity: "module", ID: m.ID, Status: string(m.Status)}
	}
	if m.HasExternalRef() {
		return fmt.Errorf("module %s is linked to issue %s; pass force to change it anyway: %w", m.ID, *m.ExternalIssueRef, ErrHasExternalRef)
	}
	return nil
}

func workMayBeLost(verb string, m domain.Module) string {
	state := string(m.Status)
	if m.HasExternalRef() {
		state += ", issue " + *m.ExternalIssueRef
	}
	return fmt.Sprintf("forced: module %s (%s) %s; work may be lost", m.ID, state, verb)
}

// applyModuleTransition moves m to status to. Blocked remembers where it came
// from and unblocking returns there.
func applyModuleTransition(m *domain.Module, to domain.ModuleStatus) error {
	from := m.Status
	fail := func(hint string) error {
		return &TransitionError{Entity: "module", Name: m.ID, From: string(from), To: string(to), Hint: hint}
	}
	switch {
	case to == domain.ModuleBlocked:
		if from == domain.ModuleComplete {
			return fail("complete modules cannot be blocked")
		}
		m.BlockedFrom = from
	case from == domain.ModuleBlocked:
		prior := m.BlockedFrom
		if prior == "" {
			prior = domain.ModulePlanned
		}
		if to != prior {
			return fail(fmt.Sprintf("unblocking returns to %s", prior))
		}
		m.BlockedFrom = ""
	case from == domain.ModulePlanned && (to == domain.ModulePending || to == domain.ModuleInProgress):
	case from == domain.ModulePending && to == domain.ModuleInProgress:
	case from == domain.ModuleInProgress && to == domain.ModuleComplete:
	default:
		return fail("modules move planned -> pending -> in-progress -> complete")
	}
	m.Status = to
	return nil
}

// normalizeDependencies parses, canonicalizes and de-duplicates dependency
// declarations. Targets given as names are turned into ids.
func normalizeDependencies(raw []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		d, err := depgraph.ParseDependency(r)
		if err != nil {
			return nil, err
		}
		d.Target = domain.ModuleID(d.Target)
		if d.Target == "" {
			return nil, fmt.Errorf("dependency %q has no valid module id", r)
		}
		if seen[d.Target] {
			continue
		}
		seen[d.Target] = true
		out = append(out, d.String())
	}
	return out, nil
}

func retargetDependencies(plan *domain.PlanRecord, from, to string) {
	for i := range plan.Modules {
		for j, raw := range plan.Modules[i].DependsOn {
			d, err := depgraph.ParseDependency(raw)
			if err == nil && d.Target == from {
				d.Target = to
				plan.Modules[i].DependsOn[j] = d.String()
			}
		}
	}
}

func dependentsOf(plan domain.PlanRecord, id string) []string {
	var out []string
	for _, m := range plan.Modules {
		for _, raw := range m.DependsOn {
			if d, err := depgraph.ParseDependency(raw); err == nil && d.Target == id {
				out = append(out, m.ID)
				break
			}
		}
	}
	return out
}
