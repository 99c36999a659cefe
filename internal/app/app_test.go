package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"planline/internal/config"
	"planline/internal/handoff"
	"planline/internal/tracker"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("shop")), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := Open(context.Background(), Options{Workspace: dir, Actor: "alice"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if rt.Project.ID != "shop" {
		t.Fatalf("project %q", rt.Project.ID)
	}
	if !filepath.IsAbs(rt.Project.Root) {
		t.Fatalf("root not absolute: %s", rt.Project.Root)
	}
	if _, ok := rt.Engine.Tracker.(tracker.Ledger); !ok {
		t.Fatalf("expected ledger tracker, got %T", rt.Engine.Tracker)
	}
	if rt.Engine.Actor != "alice" {
		t.Fatalf("actor %q", rt.Engine.Actor)
	}
	tr, err := rt.Transport()
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if _, ok := tr.(handoff.SQLTransport); !ok {
		t.Fatalf("expected sqlite transport, got %T", tr)
	}
	p, err := rt.Protocol()
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	if p.Supervisor != "orchestrator" || p.AckTimeout.Seconds() != 30 {
		t.Fatalf("protocol not configured: %+v", p)
	}
}

func TestResolveProjectWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), Options{Workspace: dir})
	if err == nil || !strings.Contains(err.Error(), "pl init") {
		t.Fatalf("expected project hint, got %v", err)
	}

	rt, err := Open(context.Background(), Options{Workspace: dir, Project: "adhoc"})
	if err != nil {
		t.Fatalf("open with override: %v", err)
	}
	defer rt.Close()
	if rt.Config.Project.ID != "adhoc" || rt.Config.Handoff.Supervisor != "orchestrator" {
		t.Fatalf("expected defaults for adhoc, got %+v", rt.Config.Project)
	}
	if _, err := rt.Engine.Create(context.Background(), rt.Project, "ship it"); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, cfg, err := ResolveProjectAndConfig(context.Background(), dir, "", rt.Repo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "adhoc" || cfg.Project.ID != "adhoc" {
		t.Fatalf("expected single project adhoc, got %s", id)
	}
}
