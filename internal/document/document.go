// Package document reads and writes the persisted plan documents: a YAML
// front-matter header that carries the authoritative state, followed by a
// markdown body meant for people. The body is never parsed back.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"planline/internal/domain"
)

const delimiter = "---"

var ErrNoFrontMatter = errors.New("document has no front matter")

// Encode renders header as front matter followed by body.
func Encode(header any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString(delimiter + "\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(strings.TrimRight(body, "\n"))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// Decode unmarshals the front matter into header and returns the body.
func Decode(data []byte, header any) (string, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, delimiter+"\n") {
		return "", ErrNoFrontMatter
	}
	rest := text[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter+"\n")
	var raw, body string
	switch {
	case end >= 0:
		raw = rest[:end+1]
		body = rest[end+len(delimiter)+2:]
	case strings.HasSuffix(rest, "\n"+delimiter):
		raw = strings.TrimSuffix(rest, delimiter)
	case strings.HasPrefix(rest, delimiter+"\n"):
		body = rest[len(delimiter)+1:]
	default:
		return "", fmt.Errorf("%w: missing closing delimiter", ErrNoFrontMatter)
	}
	if err := yaml.Unmarshal([]byte(raw), header); err != nil {
		return "", fmt.Errorf("corrupt front matter: %w", err)
	}
	return strings.TrimLeft(body, "\n"), nil
}

// EncodePlan renders a plan record with its summary body.
func EncodePlan(p domain.PlanRecord) ([]byte, error) {
	return Encode(p, planBody(p))
}

func DecodePlan(data []byte) (domain.PlanRecord, error) {
	var p domain.PlanRecord
	if _, err := Decode(data, &p); err != nil {
		return domain.PlanRecord{}, err
	}
	if p.PlanID == "" {
		return domain.PlanRecord{}, errors.New("corrupt plan document: plan_id missing")
	}
	return p, nil
}

func EncodeOrchestration(o domain.OrchestrationRecord) ([]byte, error) {
	return Encode(o, orchestrationBody(o))
}

func DecodeOrchestration(data []byte) (domain.OrchestrationRecord, error) {
	var o domain.OrchestrationRecord
	if _, err := Decode(data, &o); err != nil {
		return domain.OrchestrationRecord{}, err
	}
	if o.PlanID == "" {
		return domain.OrchestrationRecord{}, errors.New("corrupt orchestration document: plan_id missing")
	}
	return o, nil
}

func planBody(p domain.PlanRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan %s\n\n", p.PlanID)
	fmt.Fprintf(&b, "**Goal:** %s\n\n", p.Goal)
	fmt.Fprintf(&b, "Status: %s. Requirements document: `%s`.\n\n", p.Status, p.RequirementsDocPath)
	b.WriteString("## Requirement sections\n\n")
	for _, s := range p.Sections {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", checkbox(s.Status == domain.SectionComplete), s.Name, s.Status)
	}
	b.WriteString("\n## Modules\n\n")
	if len(p.Modules) == 0 {
		b.WriteString("No modules defined.\n")
	} else {
		b.WriteString("| ID | Name | Priority | Status | Issue |\n|---|---|---|---|---|\n")
		for _, m := range p.Modules {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", m.ID, m.Name, m.Priority, m.Status, refOrDash(m.ExternalIssueRef))
		}
	}
	b.WriteString("\n## Exit criteria\n\n")
	for _, c := range p.ExitCriteria {
		fmt.Fprintf(&b, "- [%s] %s\n", checkbox(c.Satisfied), c.Description)
	}
	return b.String()
}

func orchestrationBody(o domain.OrchestrationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Orchestration for %s\n\n", o.PlanID)
	fmt.Fprintf(&b, "%d of %d modules complete.\n\n", o.ModulesCompleted, o.ModulesTotal)
	b.WriteString("| ID | Priority | Status | Assigned | Issue |\n|---|---|---|---|---|\n")
	for _, m := range o.Modules {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", m.ID, m.Priority, m.Status, refOrDash(m.AssignedTo), refOrDash(m.ExternalIssueRef))
	}
	return b.String()
}

func checkbox(done bool) string {
	if done {
		return "x"
	}
	return " "
}

func refOrDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}
