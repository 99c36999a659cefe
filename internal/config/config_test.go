package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Handoff.AckTimeout.Std() != 30*time.Second {
		t.Fatalf("expected 30s ack timeout, got %s", cfg.Handoff.AckTimeout.Std())
	}
	if len(cfg.Planning.DefaultSections) != 3 {
		t.Fatalf("expected 3 default sections, got %v", cfg.Planning.DefaultSections)
	}
	if cfg.Tracker.Kind != "local" || cfg.Handoff.Transport != "sqlite" {
		t.Fatalf("unexpected defaults: tracker=%s transport=%s", cfg.Tracker.Kind, cfg.Handoff.Transport)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: shop
planning:
  contexts:
    sales: [orders, carts]
    finance: [invoices]
handoff:
  ack_timeout: 5s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Project.ID != "shop" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if cfg.Handoff.AckTimeout.Std() != 5*time.Second {
		t.Fatalf("ack timeout %s", cfg.Handoff.AckTimeout.Std())
	}
	if cfg.Handoff.Supervisor != "orchestrator" {
		t.Fatalf("supervisor default lost: %q", cfg.Handoff.Supervisor)
	}
	if cfg.Planning.RequirementsFile != "USER_REQUIREMENTS.md" {
		t.Fatalf("requirements file default lost: %q", cfg.Planning.RequirementsFile)
	}
	if got := cfg.ContextOf("invoices"); got != "finance" {
		t.Fatalf("ContextOf(invoices)=%q", got)
	}
	if got := cfg.ContextOf("unknown"); got != "" {
		t.Fatalf("ContextOf(unknown)=%q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"missing project":        {`project: {id: ""}`, "project.id"},
		"command without argv":   {"project: {id: p}\ntracker: {kind: command}", "tracker.command"},
		"unknown tracker":        {"project: {id: p}\ntracker: {kind: jira}", "tracker.kind"},
		"nats without url":       {"project: {id: p}\nhandoff: {transport: nats}", "nats_url"},
		"bad duration":           {"project: {id: p}\nhandoff: {ack_timeout: soon}", "invalid duration"},
		"zero ack timeout":       {"project: {id: p}\nhandoff: {ack_timeout: 0s}", "ack_timeout"},
		"module in two contexts": {"project: {id: p}\nplanning: {contexts: {a: [m], b: [m]}}", "assigned to contexts"},
		"webhook without url":    {"project: {id: p}\nwebhooks: [{id: w}]", "webhooks[0]"},
		"bad log format":         {"project: {id: p}\nlogging: {format: xml}", "logging.format"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without file, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "pl init") {
		t.Fatalf("expected not found hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "planline.yml"), []byte(GenerateDefault("demo")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
}
